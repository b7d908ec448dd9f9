// Package loader streams octant payloads into a renderer as the observer moves.
//
// A Pipeline owns a working set differ and a fixed pool of workers. Every Tick it applies the
// results the workers produced since the last tick, diffs the working set against the current
// view sphere, spawns placeholders for octants entering it, evicts octants leaving it and hands
// the nearest queued octants to the workers. Tick never blocks: results for octants that left
// the working set before their payload arrived are simply dropped.
package loader

import (
	"cmp"
	"context"
	"math"
	"runtime"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/render"
	"go.viam.com/starfield/spatialmath"
	"go.viam.com/starfield/utils"
	"go.viam.com/starfield/workingset"
)

// DefaultMaxInFlight is the default bound on requests handed to workers and not yet drained.
const DefaultMaxInFlight = 1024

var (
	// ErrWorkerDied is returned by Tick once a worker has stopped unexpectedly. Requests it held
	// can never complete, so the pipeline cannot continue.
	ErrWorkerDied = errors.New("load worker died")
	// ErrQueueFull is returned by Tick when a request could not be handed to the workers.
	ErrQueueFull = errors.New("load request queue full")
	// ErrClosed is returned by Tick after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Config tunes a Pipeline.
type Config struct {
	// Workers is the size of the worker pool. Zero uses one less than the number of CPUs.
	Workers int
	// MaxInFlight bounds the requests handed to workers whose results have not been drained.
	MaxInFlight int
	// MaxRetries is how many times a failed payload is requested again before its octant is
	// marked failed.
	MaxRetries int
	// LoadRate limits requests handed to workers per second. Zero means unlimited.
	LoadRate float64
	// CacheEntries is the number of decoded payloads kept in memory. Zero disables the cache.
	CacheEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = max(1, runtime.NumCPU()-1)
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// State is the load state of an octant in the working set.
type State uint8

const (
	// Awaiting octants have a placeholder and wait for their payload.
	Awaiting = State(iota)
	// Loaded octants have their payload attached.
	Loaded
	// Failed octants keep their placeholder; their payload could not be loaded.
	Failed
)

func (s State) String() string {
	switch s {
	case Awaiting:
		return "awaiting"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type cell struct {
	id       int64
	handle   render.Handle
	state    State
	points   int32
	center   r3.Vector
	attempts int
}

// Stats is a snapshot of a pipeline's bookkeeping.
type Stats struct {
	Loaded    int
	Awaiting  int
	Failed    int
	Queued    int
	InFlight  int
	Points    int64
	Discarded uint64
	Retries   uint64
	Failures  uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports to m instead of an unregistered set of metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock sets the clock used for latency measurements and rate limiting.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// Pipeline loads the payloads of the octants inside a moving sphere. Tick, Handle, State and
// Stats must be called from a single goroutine.
type Pipeline struct {
	tree     *octree.Octree
	source   PayloadSource
	renderer render.Renderer
	cfg      Config
	logger   logging.Logger
	metrics  *Metrics
	clock    clock.Clock
	limiter  *rate.Limiter
	cache    *payloadCache

	requests chan request
	results  chan result
	workers  *utils.StoppableWorkers

	// owned by the goroutine calling Tick
	differ   *workingset.Differ
	cells    map[octree.Index]*cell
	queue    []request
	inFlight int
	points   int64
	stats    Stats
	fatal    error
}

// New starts the workers of a pipeline streaming tree's payloads from source into renderer.
func New(
	tree *octree.Octree,
	source PayloadSource,
	renderer render.Renderer,
	cfg Config,
	logger logging.Logger,
	opts ...Option,
) (*Pipeline, error) {
	if tree == nil || source == nil || renderer == nil {
		return nil, errors.New("pipeline needs a tree, a payload source and a renderer")
	}
	if math.IsNaN(cfg.LoadRate) || cfg.LoadRate < 0 {
		return nil, errors.Errorf("load rate must not be negative, got %f", cfg.LoadRate)
	}
	cfg = cfg.withDefaults()

	p := &Pipeline{
		tree:     tree,
		source:   source,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		clock:    clock.New(),
		cache:    newPayloadCache(cfg.CacheEntries),
		requests: make(chan request, cfg.MaxInFlight),
		results:  make(chan result, cfg.MaxInFlight),
		differ:   workingset.New(tree),
		cells:    map[octree.Index]*cell{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	if cfg.LoadRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.LoadRate), max(1, int(math.Ceil(cfg.LoadRate))))
	}

	workers := make([]func(ctx context.Context), cfg.Workers)
	for i := range workers {
		workers[i] = p.work
	}
	p.workers = utils.NewStoppableWorkers(workers...)
	logger.Debugw("load pipeline started",
		"workers", cfg.Workers,
		"max_in_flight", cfg.MaxInFlight,
		"cache_entries", cfg.CacheEntries,
	)
	return p, nil
}

// Tick advances the pipeline to the view sphere s. It returns ErrWorkerDied or ErrQueueFull
// when the pipeline can no longer make progress; every later call returns the same error.
func (p *Pipeline) Tick(s spatialmath.Sphere) error {
	if p.fatal != nil {
		return p.fatal
	}
	if p.workers.Stopping() {
		return ErrClosed
	}
	if alive := p.workers.Alive(); alive < p.cfg.Workers {
		p.fatal = errors.Wrapf(ErrWorkerDied, "%d of %d workers left", alive, p.cfg.Workers)
		if perr := p.workers.Panic(); perr != nil {
			p.fatal = errors.Wrap(p.fatal, perr.Error())
		}
		return p.fatal
	}

	p.drain()

	toLoad, toUnload := p.differ.Diff(s)
	for _, hit := range toLoad {
		p.spawn(hit)
	}
	for _, hit := range toUnload {
		p.evict(hit)
	}
	if len(toLoad) > 0 || len(toUnload) > 0 {
		p.logger.Debugw("working set changed", "entered", len(toLoad), "left", len(toUnload), "size", p.differ.Len())
	}

	if err := p.dispatch(s.Center); err != nil {
		p.fatal = err
		return err
	}
	p.updateGauges()
	return nil
}

// drain applies every result available without waiting.
func (p *Pipeline) drain() {
	for {
		select {
		case res := <-p.results:
			p.inFlight--
			p.apply(res)
		default:
			return
		}
	}
}

func (p *Pipeline) apply(res result) {
	c, ok := p.cells[res.index]
	if !ok || c.state != Awaiting || c.id != res.id {
		p.stats.Discarded++
		p.metrics.Discarded.Inc()
		return
	}

	if res.err != nil {
		c.attempts++
		if c.attempts <= p.cfg.MaxRetries {
			p.stats.Retries++
			p.metrics.Retries.Inc()
			p.logger.Debugw("retrying payload", "octant", res.id, "attempt", c.attempts, "error", res.err)
			p.queue = append(p.queue, request{id: res.id, index: res.index})
			return
		}
		c.state = Failed
		p.stats.Failures++
		p.metrics.Failures.Inc()
		p.logger.Warnw("giving up on payload", "octant", res.id, "attempts", c.attempts, "error", res.err)
		return
	}

	c.state = Loaded
	p.points += int64(c.points)
	p.renderer.Attach(c.handle, res.batch)
}

func (p *Pipeline) spawn(hit octree.Hit) {
	handle := p.renderer.Spawn(hit.Octant.Bounds, render.Simple)
	p.cells[hit.Index] = &cell{
		id:     hit.Octant.ID,
		handle: handle,
		state:  Awaiting,
		points: hit.Octant.OwnCount,
		center: hit.Octant.Bounds.Center(),
	}
	p.queue = append(p.queue, request{id: hit.Octant.ID, index: hit.Index})
}

// evict removes an octant that left the working set. A result still on its way for it will be
// discarded by drain.
func (p *Pipeline) evict(hit octree.Hit) {
	c, ok := p.cells[hit.Index]
	if !ok {
		return
	}
	if c.state == Loaded {
		p.points -= int64(c.points)
	}
	p.renderer.Despawn(c.handle)
	delete(p.cells, hit.Index)
}

// dispatch hands queued requests to the workers, nearest octant first, while the in-flight
// bound and the rate limit allow.
func (p *Pipeline) dispatch(observer r3.Vector) error {
	if len(p.queue) == 0 {
		return nil
	}
	for i := range p.queue {
		if c, ok := p.cells[p.queue[i].index]; ok {
			p.queue[i].distance = c.center.Distance(observer)
		}
	}
	slices.SortStableFunc(p.queue, func(a, b request) int {
		return cmp.Compare(a.distance, b.distance)
	})

	sent := 0
	for sent < len(p.queue) {
		req := p.queue[sent]
		if c, ok := p.cells[req.index]; !ok || c.state != Awaiting || c.id != req.id {
			sent++
			continue
		}
		if p.inFlight >= p.cfg.MaxInFlight {
			break
		}
		if p.limiter != nil && !p.limiter.AllowN(p.clock.Now(), 1) {
			break
		}
		select {
		case p.requests <- req:
		default:
			return errors.Wrapf(ErrQueueFull, "%d requests in flight", p.inFlight)
		}
		p.inFlight++
		p.metrics.Requests.Inc()
		sent++
	}
	p.queue = slices.Delete(p.queue, 0, sent)
	return nil
}

func (p *Pipeline) updateGauges() {
	s := p.Stats()
	p.metrics.Loaded.Set(float64(s.Loaded))
	p.metrics.Awaiting.Set(float64(s.Awaiting))
	p.metrics.Failed.Set(float64(s.Failed))
	p.metrics.InFlight.Set(float64(s.InFlight))
	p.metrics.Points.Set(float64(s.Points))
}

// Handle returns the renderer handle of an octant in the working set.
func (p *Pipeline) Handle(i octree.Index) (render.Handle, bool) {
	c, ok := p.cells[i]
	if !ok {
		return 0, false
	}
	return c.handle, true
}

// State returns the load state of an octant in the working set.
func (p *Pipeline) State(i octree.Index) (State, bool) {
	c, ok := p.cells[i]
	if !ok {
		return 0, false
	}
	return c.state, true
}

// Stats returns a snapshot of the pipeline's bookkeeping.
func (p *Pipeline) Stats() Stats {
	s := p.stats
	s.Loaded, s.Awaiting, s.Failed = 0, 0, 0
	for _, c := range p.cells {
		switch c.state {
		case Awaiting:
			s.Awaiting++
		case Loaded:
			s.Loaded++
		case Failed:
			s.Failed++
		}
	}
	s.Queued = len(p.queue)
	s.InFlight = p.inFlight
	s.Points = p.points
	return s
}

// Tree returns the octree the pipeline streams from.
func (p *Pipeline) Tree() *octree.Octree {
	return p.tree
}

// Close stops the workers. Entities already handed to the renderer are left alone.
func (p *Pipeline) Close() error {
	p.workers.Stop()
	p.logger.Debugw("load pipeline stopped", "stats", p.Stats())
	return nil
}
