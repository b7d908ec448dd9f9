// Package engine drives a catalog's load pipeline from an observer position and switches the
// octants close to the observer to their detailed representation.
package engine

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/loader"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/render"
	"go.viam.com/starfield/spatialmath"
	"go.viam.com/starfield/workingset"
)

// Config sets the radii of the two spheres around the observer, in parsecs, and tunes the
// pipeline.
type Config struct {
	ViewRadius float64
	// LODRadius is the radius within which octants are rendered detailed. Zero disables it.
	LODRadius float64
	Loader    loader.Config
}

func validateRadii(view, lod float64) error {
	if !(view > 0) || math.IsInf(view, 0) {
		return errors.Errorf("view radius must be positive, got %f", view)
	}
	if !(lod >= 0) || lod > view {
		return errors.Errorf("level of detail radius must be within [0, %f], got %f", view, lod)
	}
	return nil
}

// Engine owns the load pipeline of one catalog. It must be used from a single goroutine.
type Engine struct {
	catalog  *catalog.Catalog
	renderer render.Renderer
	pipeline *loader.Pipeline
	lod      *workingset.Differ
	logger   logging.Logger

	viewRadius float64
	lodRadius  float64
	// handles switched to the detailed representation
	detailed map[octree.Index]render.Handle
}

// New starts streaming cat into renderer. When reg is not nil the pipeline's metrics are
// registered with it.
func New(
	cat *catalog.Catalog,
	renderer render.Renderer,
	cfg Config,
	logger logging.Logger,
	reg prometheus.Registerer,
	opts ...loader.Option,
) (*Engine, error) {
	if err := validateRadii(cfg.ViewRadius, cfg.LODRadius); err != nil {
		return nil, err
	}
	if reg != nil {
		opts = append(opts, loader.WithMetrics(loader.NewMetrics(reg)))
	}
	pipeline, err := loader.New(cat.Tree(), cat, renderer, cfg.Loader, logger.Sublogger("loader"), opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		catalog:    cat,
		renderer:   renderer,
		pipeline:   pipeline,
		lod:        workingset.New(cat.Tree()),
		logger:     logger,
		viewRadius: cfg.ViewRadius,
		lodRadius:  cfg.LODRadius,
		detailed:   map[octree.Index]render.Handle{},
	}, nil
}

// Tick moves the observer to pos. Errors returned by the pipeline are fatal.
func (e *Engine) Tick(pos r3.Vector) error {
	if err := e.pipeline.Tick(spatialmath.Sphere{Center: pos, Radius: e.viewRadius}); err != nil {
		return err
	}
	if e.lodRadius == 0 {
		return nil
	}

	entered, left := e.lod.Diff(spatialmath.Sphere{Center: pos, Radius: e.lodRadius})
	for _, hit := range left {
		e.demote(hit.Index)
	}
	for _, hit := range entered {
		e.promote(hit.Index)
	}
	return nil
}

func (e *Engine) promote(i octree.Index) {
	h, ok := e.pipeline.Handle(i)
	if !ok {
		return
	}
	e.renderer.SetRepresentation(h, render.Detailed)
	e.detailed[i] = h
}

// demote switches an octant back to the simple representation unless the pipeline already
// despawned it.
func (e *Engine) demote(i octree.Index) {
	h, ok := e.detailed[i]
	if !ok {
		return
	}
	delete(e.detailed, i)
	if current, ok := e.pipeline.Handle(i); ok && current == h {
		e.renderer.SetRepresentation(h, render.Simple)
	}
}

// SetRadii changes the radii used from the next Tick on.
func (e *Engine) SetRadii(view, lod float64) error {
	if err := validateRadii(view, lod); err != nil {
		return err
	}
	if view == e.viewRadius && lod == e.lodRadius {
		return nil
	}
	e.logger.Infow("radii changed", "view", view, "lod", lod, "previous_view", e.viewRadius, "previous_lod", e.lodRadius)
	e.viewRadius, e.lodRadius = view, lod
	if lod == 0 {
		for i := range e.detailed {
			e.demote(i)
		}
		e.lod.Reset()
	}
	return nil
}

// Radii returns the current view and level of detail radii.
func (e *Engine) Radii() (view, lod float64) {
	return e.viewRadius, e.lodRadius
}

// Detailed reports whether the octant at i is rendered detailed.
func (e *Engine) Detailed(i octree.Index) bool {
	_, ok := e.detailed[i]
	return ok
}

// Pipeline returns the engine's load pipeline.
func (e *Engine) Pipeline() *loader.Pipeline {
	return e.pipeline
}

// Catalog returns the catalog being streamed.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Close stops the pipeline.
func (e *Engine) Close() error {
	return e.pipeline.Close()
}
