// Package spatialmath defines the axis aligned volumes used by the octree and its queries.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Box is an axis aligned bounding box described by its minimum and maximum corners.
type Box struct {
	Min r3.Vector
	Max r3.Vector
}

// NewBoxFromMinMax returns the box spanning the two corners, which may be given in any order.
func NewBoxFromMinMax(a, b r3.Vector) Box {
	return Box{
		Min: r3.Vector{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)},
		Max: r3.Vector{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)},
	}
}

// NewBoxFromCenter returns the box centered on center extending halfSize along each axis.
func NewBoxFromCenter(center, halfSize r3.Vector) (Box, error) {
	if halfSize.X < 0 || halfSize.Y < 0 || halfSize.Z < 0 {
		return Box{}, errors.Errorf("invalid box half size %v, dimensions must not be negative", halfSize)
	}
	return Box{Min: center.Sub(halfSize), Max: center.Add(halfSize)}, nil
}

// Center returns the center point of the box.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// HalfSize returns the distance from the center to the faces along each axis.
func (b Box) HalfSize() r3.Vector {
	return b.Max.Sub(b.Min).Mul(0.5)
}

// Contains reports whether pt lies inside or on the surface of the box.
func (b Box) Contains(pt r3.Vector) bool {
	return pt.X >= b.Min.X && pt.X <= b.Max.X &&
		pt.Y >= b.Min.Y && pt.Y <= b.Max.Y &&
		pt.Z >= b.Min.Z && pt.Z <= b.Max.Z
}

// ContainsBox reports whether other lies entirely within b.
func (b Box) ContainsBox(other Box) bool {
	return b.Contains(other.Min) && b.Contains(other.Max)
}

// ClosestPoint returns the point of the box closest to pt. Points inside the box are returned
// unchanged.
func (b Box) ClosestPoint(pt r3.Vector) r3.Vector {
	return r3.Vector{
		X: clamp(pt.X, b.Min.X, b.Max.X),
		Y: clamp(pt.Y, b.Min.Y, b.Max.Y),
		Z: clamp(pt.Z, b.Min.Z, b.Max.Z),
	}
}

// DistanceTo returns the distance between pt and the box, zero when pt is inside.
func (b Box) DistanceTo(pt r3.Vector) float64 {
	return b.ClosestPoint(pt).Sub(pt).Norm()
}

func (b Box) String() string {
	return fmt.Sprintf("Box{min: %v, max: %v}", b.Min, b.Max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
