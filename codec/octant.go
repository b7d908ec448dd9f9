package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/starfield/spatialmath"
)

const (
	// MaxChildren is the number of child slots of every octant.
	MaxChildren = 8
	// NoChild marks an empty child slot.
	NoChild int64 = -1

	octantRecordSize = 8 + 3*4 + 3*4 + MaxChildren*8 + 4*4
)

// Octant is one node of the spatial index as stored in the metadata file. Until the index is
// built Children holds octant ids; afterwards it holds array positions. Empty slots stay NoChild.
type Octant struct {
	ID              int64
	Bounds          spatialmath.Box
	Children        [MaxChildren]int64
	Depth           int32
	CumulativeCount int32
	OwnCount        int32
	ChildCount      int32
}

func (o Octant) String() string {
	return fmt.Sprintf("octant %d (depth %d, %d stars) %v", o.ID, o.Depth, o.OwnCount, o.Bounds)
}

// Octants reads the metadata header from r and returns a sequence over its octant records.
// The sequence can be ranged over once; r is consumed while ranging.
func Octants(r io.Reader, units Units) (Header, iter.Seq[Octant], error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	return h, records(r, h.Count, func(r io.Reader) (Octant, error) {
		return readOctant(r, units)
	}), nil
}

// ReadOctants decodes every octant of r into a slice.
func ReadOctants(r io.Reader, units Units) (Header, []Octant, error) {
	h, seq, err := Octants(r, units)
	if err != nil {
		return Header{}, nil, err
	}
	octants := make([]Octant, 0, min(int(h.Count), 1<<16))
	for o := range seq {
		octants = append(octants, o)
	}
	return h, octants, nil
}

func readOctant(r io.Reader, units Units) (Octant, error) {
	var buf [octantRecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Octant{}, err
	}
	be := binary.BigEndian
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(be.Uint32(buf[off:])))
	}

	o := Octant{ID: int64(be.Uint64(buf[0:]))}
	center := r3.Vector{X: f32(8), Y: f32(12), Z: f32(16)}.Mul(units.Scale)
	half := r3.Vector{X: f32(20), Y: f32(24), Z: f32(28)}.Mul(units.Scale / 2)
	o.Bounds = spatialmath.NewBoxFromMinMax(center.Sub(half), center.Add(half))

	off := 32
	for i := range o.Children {
		o.Children[i] = int64(be.Uint64(buf[off:]))
		off += 8
	}
	o.Depth = int32(be.Uint32(buf[off:]))
	o.CumulativeCount = int32(be.Uint32(buf[off+4:]))
	o.OwnCount = int32(be.Uint32(buf[off+8:]))
	o.ChildCount = int32(be.Uint32(buf[off+12:]))
	return o, nil
}

// WriteOctant encodes o using units. Positions are divided by the unit scale so that decoding
// with the same units gives back o, up to float32 precision.
func WriteOctant(w io.Writer, o Octant, units Units) error {
	var buf [octantRecordSize]byte
	be := binary.BigEndian
	put32 := func(off int, v float64) {
		be.PutUint32(buf[off:], math.Float32bits(float32(v)))
	}

	be.PutUint64(buf[0:], uint64(o.ID))
	center := o.Bounds.Center().Mul(1 / units.Scale)
	extent := o.Bounds.Max.Sub(o.Bounds.Min).Mul(1 / units.Scale)
	put32(8, center.X)
	put32(12, center.Y)
	put32(16, center.Z)
	put32(20, extent.X)
	put32(24, extent.Y)
	put32(28, extent.Z)

	off := 32
	for _, c := range o.Children {
		be.PutUint64(buf[off:], uint64(c))
		off += 8
	}
	be.PutUint32(buf[off:], uint32(o.Depth))
	be.PutUint32(buf[off+4:], uint32(o.CumulativeCount))
	be.PutUint32(buf[off+8:], uint32(o.OwnCount))
	be.PutUint32(buf[off+12:], uint32(o.ChildCount))
	_, err := w.Write(buf[:])
	return err
}

// records yields up to count values decoded by next. The first decode error ends the sequence.
// Only the first range over the returned sequence yields anything.
func records[T any](r io.Reader, count int32, next func(io.Reader) (T, error)) iter.Seq[T] {
	used := false
	return func(yield func(T) bool) {
		if used {
			return
		}
		used = true
		for i := int32(0); i < count; i++ {
			v, err := next(r)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}
