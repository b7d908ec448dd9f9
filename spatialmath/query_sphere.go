package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Sphere is the query volume for working set searches: an observer position and a view radius.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// NewSphere returns a sphere, rejecting negative or non-finite radii.
func NewSphere(center r3.Vector, radius float64) (Sphere, error) {
	if radius < 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return Sphere{}, errors.Errorf("invalid sphere radius %f", radius)
	}
	return Sphere{Center: center, Radius: radius}, nil
}

// IntersectsBox reports whether the sphere and the box share at least one point. Touching
// surfaces count as intersecting.
func (s Sphere) IntersectsBox(b Box) bool {
	d := b.ClosestPoint(s.Center).Sub(s.Center)
	return d.Norm2() <= s.Radius*s.Radius
}

// ContainsPoint reports whether pt lies inside or on the sphere.
func (s Sphere) ContainsPoint(pt r3.Vector) bool {
	return pt.Sub(s.Center).Norm2() <= s.Radius*s.Radius
}

func (s Sphere) String() string {
	return fmt.Sprintf("Sphere{center: %v, radius: %.3f}", s.Center, s.Radius)
}
