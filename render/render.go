// Package render defines the contract between the streaming engine and whatever draws the
// stars. The engine only ever spawns placeholders, attaches decoded batches, swaps
// representations and despawns; it never looks inside a Handle.
package render

import (
	"go.viam.com/starfield/spatialmath"
)

// Representation selects how a loaded cell is drawn.
type Representation uint8

const (
	// Simple is the cheap representation every cell starts with.
	Simple = Representation(iota)
	// Detailed is used for cells inside the level of detail radius.
	Detailed
)

func (r Representation) String() string {
	switch r {
	case Simple:
		return "simple"
	case Detailed:
		return "detailed"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a visual entity owned by the renderer.
type Handle uint64

// Instance is one render-ready point: position, scale and a normalized RGBA color.
type Instance struct {
	Position [3]float32
	Scale    float32
	Color    [4]float32
}

// Renderer is implemented by the rendering runtime. Calls are made from the goroutine driving
// the engine's ticks only.
type Renderer interface {
	// Spawn allocates a placeholder entity covering bounds and returns its handle.
	Spawn(bounds spatialmath.Box, repr Representation) Handle
	// Attach makes a decoded batch visible on a previously spawned entity.
	Attach(h Handle, batch []Instance)
	// Despawn removes the entity.
	Despawn(h Handle)
	// SetRepresentation swaps the entity's representation.
	SetRepresentation(h Handle, repr Representation)
}
