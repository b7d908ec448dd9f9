// Package synthetic generates complete, regular catalogs for demos and tests.
package synthetic

import (
	"fmt"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"

	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/spatialmath"
)

// Octants returns a complete octree of the given depth over the cube [-half, half]^3. Ids are
// sparse and listed in breadth first order. Every octant owns stars stars.
func Octants(depth int, half float64, stars int32) []codec.Octant {
	type node struct {
		center r3.Vector
		half   float64
		depth  int
	}
	id := func(pos int) int64 { return int64(10 + 3*pos) }
	subtree := func(level int) int32 {
		n := int32(1)
		for l := level; l < depth; l++ {
			n = n*8 + 1
		}
		return n
	}

	var octants []codec.Octant
	queue := []node{{half: half}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		pos := len(octants)
		size := r3.Vector{X: n.half, Y: n.half, Z: n.half}
		o := codec.Octant{
			ID:              id(pos),
			Bounds:          spatialmath.NewBoxFromMinMax(n.center.Sub(size), n.center.Add(size)),
			Depth:           int32(n.depth),
			OwnCount:        stars,
			CumulativeCount: stars * subtree(n.depth),
		}
		for i := range o.Children {
			o.Children[i] = codec.NoChild
		}
		if n.depth < depth {
			o.ChildCount = codec.MaxChildren
			// children are appended to the queue in order, so their positions are known now
			first := pos + len(queue) + 1
			for i := 0; i < codec.MaxChildren; i++ {
				o.Children[i] = id(first + i)
				q := n.half / 2
				offset := r3.Vector{X: -q, Y: -q, Z: -q}
				if i&1 != 0 {
					offset.X = q
				}
				if i&2 != 0 {
					offset.Y = q
				}
				if i&4 != 0 {
					offset.Z = q
				}
				queue = append(queue, node{center: n.center.Add(offset), half: q, depth: n.depth + 1})
			}
		}
		octants = append(octants, o)
	}
	return octants
}

// Particles returns n stars spread along the diagonal of o's bounds.
func Particles(o codec.Octant, n int) []codec.Particle {
	particles := make([]codec.Particle, 0, n)
	extent := o.Bounds.Max.Sub(o.Bounds.Min)
	for i := 0; i < n; i++ {
		f := (float64(i) + 0.5) / float64(n)
		p := codec.Particle{
			Position: o.Bounds.Min.Add(extent.Mul(f)),
			AppMag:   float32(i % 12),
			Color:    colorFor(i),
			Size:     float32(f) - 0.5,
			SourceID: o.ID*1_000_000 + int64(i),
		}
		if i%3 == 0 {
			p.Names = []string{fmt.Sprintf("star %d-%d", o.ID, i), fmt.Sprintf("HIP %d", p.SourceID)}
		}
		particles = append(particles, p)
	}
	return particles
}

// Payload returns a payload function for catalog.Write producing n stars per octant.
func Payload(n int) func(codec.Octant) []codec.Particle {
	return func(o codec.Octant) []codec.Particle {
		return Particles(o, n)
	}
}

// colorFor spreads pale star tints over the hues from red to blue.
func colorFor(i int) color.NRGBA {
	hue := float64(i * 37 % 240)
	r, g, b := colorful.Hsv(hue, 0.35, 1).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}
