// Package fake implements an in memory renderer for tests and headless runs.
package fake

import (
	"sync"

	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/render"
	"go.viam.com/starfield/spatialmath"
)

// Entity is the renderer side state of a spawned handle.
type Entity struct {
	Bounds         spatialmath.Box
	Representation render.Representation
	Batch          []render.Instance
	Attached       bool
}

// Renderer records every call made by the engine.
type Renderer struct {
	mu       sync.Mutex
	logger   logging.Logger
	next     render.Handle
	entities map[render.Handle]*Entity

	Spawns   int
	Attaches int
	Despawns int
	Swaps    int
}

var _ render.Renderer = (*Renderer)(nil)

// NewRenderer returns an empty fake renderer. logger may be nil.
func NewRenderer(logger logging.Logger) *Renderer {
	return &Renderer{logger: logger, entities: map[render.Handle]*Entity{}}
}

// Spawn allocates a new entity.
func (r *Renderer) Spawn(bounds spatialmath.Box, repr render.Representation) render.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entities[r.next] = &Entity{Bounds: bounds, Representation: repr}
	r.Spawns++
	return r.next
}

// Attach stores the batch on the entity. Attaching to an unknown handle is logged and ignored.
func (r *Renderer) Attach(h render.Handle, batch []render.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[h]
	if !ok {
		r.warnf("attach to unknown handle %d", h)
		return
	}
	e.Batch = batch
	e.Attached = true
	r.Attaches++
}

// Despawn removes the entity.
func (r *Renderer) Despawn(h render.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[h]; !ok {
		r.warnf("despawn of unknown handle %d", h)
		return
	}
	delete(r.entities, h)
	r.Despawns++
}

// SetRepresentation swaps the entity's representation.
func (r *Renderer) SetRepresentation(h render.Handle, repr render.Representation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[h]
	if !ok {
		r.warnf("representation change on unknown handle %d", h)
		return
	}
	e.Representation = repr
	r.Swaps++
}

// Entity returns a copy of the entity behind h.
func (r *Renderer) Entity(h render.Handle) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[h]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Live returns the number of spawned entities that have not been despawned.
func (r *Renderer) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Points returns the total number of instances attached to live entities.
func (r *Renderer) Points() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, e := range r.entities {
		total += len(e.Batch)
	}
	return total
}

func (r *Renderer) warnf(template string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Warnf(template, args...)
	}
}
