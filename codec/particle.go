package codec

import (
	"encoding/binary"
	"image/color"
	"io"
	"iter"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"go.viam.com/starfield/render"
)

const (
	particleFixedSize = 3*8 + 3*4 + 3*4 + 2*4 + 4 + 4 + 4 + 8 + 4

	// MaxNameUnits bounds the UTF-16 name field of a particle record. Longer fields are treated as
	// corrupt and end the sequence.
	MaxNameUnits = 1 << 16

	// NameSeparator separates the aliases of a star inside the name field.
	NameSeparator = "|"

	// MinInstanceScale and MaxInstanceScale bound the render scale of a single star.
	MinInstanceScale = 0.05
	MaxInstanceScale = 100
)

var (
	utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

	errNameLength = errors.New("name length out of range")
)

// Particle is one star record of a payload file.
type Particle struct {
	Position       r3.Vector
	Velocity       r3.Vector
	MuAlpha        float32
	MuDelta        float32
	RadialVelocity float32
	AppMag         float32
	AbsMag         float32
	Color          color.NRGBA
	Size           float32
	HIP            int32
	SourceID       int64
	Names          []string
}

// Instance converts the particle into a render-ready record. Size is a base 10 logarithm; the
// resulting scale is clamped and falls back to 1 for non-finite sizes.
func (p Particle) Instance() render.Instance {
	scale := math.Pow(10, float64(p.Size))
	switch {
	case math.IsNaN(scale) || math.IsInf(float64(p.Size), 0):
		scale = 1
	case scale < MinInstanceScale:
		scale = MinInstanceScale
	case scale > MaxInstanceScale:
		scale = MaxInstanceScale
	}
	return render.Instance{
		Position: [3]float32{float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z)},
		Scale:    float32(scale),
		Color: [4]float32{
			float32(p.Color.R) / 255,
			float32(p.Color.G) / 255,
			float32(p.Color.B) / 255,
			float32(p.Color.A) / 255,
		},
	}
}

// Instances decodes every particle of seq into render-ready records.
func Instances(seq iter.Seq[Particle]) []render.Instance {
	var out []render.Instance
	for p := range seq {
		out = append(out, p.Instance())
	}
	return out
}

// Particles reads the payload header from r and returns a sequence over its particle records.
// The sequence can be ranged over once; r is consumed while ranging.
func Particles(r io.Reader, units Units) (Header, iter.Seq[Particle], error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	return h, records(r, h.Count, func(r io.Reader) (Particle, error) {
		return readParticle(r, units)
	}), nil
}

func readParticle(r io.Reader, units Units) (Particle, error) {
	var buf [particleFixedSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Particle{}, err
	}
	be := binary.BigEndian
	f64 := func(off int) float64 { return math.Float64frombits(be.Uint64(buf[off:])) }
	f32 := func(off int) float32 { return math.Float32frombits(be.Uint32(buf[off:])) }

	var p Particle
	p.Position = r3.Vector{X: f64(0), Y: f64(8), Z: f64(16)}.Mul(units.Scale)
	velScale := float32(units.Scale)
	p.Velocity = r3.Vector{
		X: float64(f32(24) * velScale),
		Y: float64(f32(28) * velScale),
		Z: float64(f32(32) * velScale),
	}
	p.MuAlpha = f32(36)
	p.MuDelta = f32(40)
	p.RadialVelocity = f32(44)
	p.AppMag = f32(48)
	p.AbsMag = f32(52)
	p.Color = UnpackColor(be.Uint32(buf[56:]))
	p.Size = f32(60)
	p.HIP = int32(be.Uint32(buf[64:]))
	p.SourceID = int64(be.Uint64(buf[68:]))

	nameLen := int32(be.Uint32(buf[76:]))
	if nameLen < 0 || nameLen > MaxNameUnits {
		return Particle{}, errNameLength
	}
	if nameLen == 0 {
		return p, nil
	}
	raw := make([]byte, 2*int(nameLen))
	if _, err := io.ReadFull(r, raw); err != nil {
		return Particle{}, err
	}
	names, err := decodeNames(raw)
	if err != nil {
		return Particle{}, err
	}
	p.Names = names
	return p, nil
}

func decodeNames(raw []byte) ([]string, error) {
	decoded, err := utf16be.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decoding name")
	}
	if len(decoded) == 0 {
		return nil, nil
	}
	return strings.Split(string(decoded), NameSeparator), nil
}

// WriteParticle encodes p using units.
func WriteParticle(w io.Writer, p Particle, units Units) error {
	var name []byte
	if len(p.Names) > 0 {
		var err error
		name, err = utf16be.NewEncoder().Bytes([]byte(strings.Join(p.Names, NameSeparator)))
		if err != nil {
			return errors.Wrap(err, "encoding name")
		}
	}
	if len(name)/2 > MaxNameUnits {
		return errors.Errorf("name of source %d has %d code units, more than %d", p.SourceID, len(name)/2, MaxNameUnits)
	}

	buf := make([]byte, particleFixedSize, particleFixedSize+len(name))
	be := binary.BigEndian
	put64 := func(off int, v float64) { be.PutUint64(buf[off:], math.Float64bits(v)) }
	put32 := func(off int, v float32) { be.PutUint32(buf[off:], math.Float32bits(v)) }

	pos := p.Position.Mul(1 / units.Scale)
	put64(0, pos.X)
	put64(8, pos.Y)
	put64(16, pos.Z)
	vel := p.Velocity.Mul(1 / units.Scale)
	put32(24, float32(vel.X))
	put32(28, float32(vel.Y))
	put32(32, float32(vel.Z))
	put32(36, p.MuAlpha)
	put32(40, p.MuDelta)
	put32(44, p.RadialVelocity)
	put32(48, p.AppMag)
	put32(52, p.AbsMag)
	be.PutUint32(buf[56:], PackColor(p.Color))
	put32(60, p.Size)
	be.PutUint32(buf[64:], uint32(p.HIP))
	be.PutUint64(buf[68:], uint64(p.SourceID))
	be.PutUint32(buf[76:], uint32(len(name)/2))
	buf = append(buf, name...)

	_, err := w.Write(buf)
	return err
}
