package codec

import (
	"image/color"
	"math"
)

// UnpackColor decodes the packed color field of a particle record. The four bytes of the
// field, most significant first, hold alpha, blue, green and red; alpha was stored rescaled
// to 0..254.
func UnpackColor(bits uint32) color.NRGBA {
	a := uint32(bits>>24) * 255 / 254
	if a > math.MaxUint8 {
		a = math.MaxUint8
	}
	return color.NRGBA{
		R: uint8(bits),
		G: uint8(bits >> 8),
		B: uint8(bits >> 16),
		A: uint8(a),
	}
}

// PackColor is the inverse of UnpackColor. An alpha of 254 has no packed form and comes back
// as 255.
func PackColor(c color.NRGBA) uint32 {
	a := (uint32(c.A)*254 + 254) / 255
	return a<<24 | uint32(c.B)<<16 | uint32(c.G)<<8 | uint32(c.R)
}
