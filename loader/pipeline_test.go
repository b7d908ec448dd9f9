package loader

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/catalog/synthetic"
	"go.viam.com/starfield/codec"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/octree"
	"go.viam.com/starfield/render/fake"
	"go.viam.com/starfield/spatialmath"
)

const starsPerOctant = 5

type fakeSource struct {
	mu       sync.Mutex
	payloads map[int64][]byte
	failures map[int64]int
	panicOn  map[int64]bool
	gate     chan struct{}
	opens    map[int64]int
	order    []int64
}

func newFakeSource(t *testing.T, octants []codec.Octant) *fakeSource {
	t.Helper()
	s := &fakeSource{
		payloads: map[int64][]byte{},
		failures: map[int64]int{},
		panicOn:  map[int64]bool{},
		opens:    map[int64]int{},
	}
	for _, o := range octants {
		var buf bytes.Buffer
		err := catalog.WritePayload(&buf, synthetic.Particles(o, starsPerOctant), codec.DefaultUnits)
		test.That(t, err, test.ShouldBeNil)
		s.payloads[o.ID] = buf.Bytes()
	}
	return s
}

func (s *fakeSource) OpenPayload(id int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.opens[id]++
	s.order = append(s.order, id)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn[id] {
		panic("corrupt payload")
	}
	if s.failures[id] > 0 {
		s.failures[id]--
		return nil, errors.New("transient read error")
	}
	data, ok := s.payloads[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeSource) Units() codec.Units {
	return codec.DefaultUnits
}

func (s *fakeSource) openCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[id]
}

func (s *fakeSource) openOrder() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.order...)
}

func newTestPipeline(
	t *testing.T,
	octants []codec.Octant,
	source PayloadSource,
	cfg Config,
	opts ...Option,
) (*Pipeline, *fake.Renderer) {
	t.Helper()
	tree, err := octree.New(octants)
	test.That(t, err, test.ShouldBeNil)
	logger := logging.NewTestLogger(t)
	renderer := fake.NewRenderer(logger)
	p, err := New(tree, source, renderer, cfg, logger, opts...)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, p.Close(), test.ShouldBeNil)
	})
	return p, renderer
}

func sphere(t *testing.T, center r3.Vector, radius float64) spatialmath.Sphere {
	t.Helper()
	s, err := spatialmath.NewSphere(center, radius)
	test.That(t, err, test.ShouldBeNil)
	return s
}

// tickUntil ticks p with s until cond holds.
func tickUntil(t *testing.T, p *Pipeline, s spatialmath.Sphere, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		test.That(t, p.Tick(s), test.ShouldBeNil)
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, stats %+v", p.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipelineLoadsAndEvicts(t *testing.T) {
	octants := synthetic.Octants(2, 32, 7)
	source := newFakeSource(t, octants)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p, renderer := newTestPipeline(t, octants, source, Config{Workers: 3}, WithMetrics(metrics))

	everything := sphere(t, r3.Vector{}, 100)
	tickUntil(t, p, everything, func() bool { return p.Stats().Loaded == len(octants) })

	stats := p.Stats()
	test.That(t, stats.Awaiting, test.ShouldEqual, 0)
	test.That(t, stats.InFlight, test.ShouldEqual, 0)
	test.That(t, stats.Points, test.ShouldEqual, int64(7*len(octants)))
	test.That(t, renderer.Live(), test.ShouldEqual, len(octants))
	test.That(t, renderer.Points(), test.ShouldEqual, starsPerOctant*len(octants))
	test.That(t, testutil.ToFloat64(metrics.Loaded), test.ShouldEqual, float64(len(octants)))
	test.That(t, testutil.ToFloat64(metrics.Requests), test.ShouldEqual, float64(len(octants)))

	root := p.Tree().Root()
	h, ok := p.Handle(root)
	test.That(t, ok, test.ShouldBeTrue)
	e, ok := renderer.Entity(h)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, e.Attached, test.ShouldBeTrue)
	test.That(t, e.Batch, test.ShouldHaveLength, starsPerOctant)

	test.That(t, p.Tick(sphere(t, r3.Vector{X: 1000}, 1)), test.ShouldBeNil)
	test.That(t, renderer.Live(), test.ShouldEqual, 0)
	test.That(t, p.Stats().Points, test.ShouldEqual, int64(0))
	test.That(t, testutil.ToFloat64(metrics.Points), test.ShouldEqual, 0.)
	_, ok = p.Handle(root)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSharedChildSpawnsOnce(t *testing.T) {
	leaf := func() [codec.MaxChildren]int64 {
		var c [codec.MaxChildren]int64
		for i := range c {
			c[i] = codec.NoChild
		}
		return c
	}
	cube := func(min, max float64) spatialmath.Box {
		return spatialmath.NewBoxFromMinMax(r3.Vector{X: min, Y: min, Z: min}, r3.Vector{X: max, Y: max, Z: max})
	}
	root, left, right := leaf(), leaf(), leaf()
	root[0], root[1] = 1, 2
	left[0], right[0] = 3, 3
	octants := []codec.Octant{
		{ID: 0, Bounds: cube(-10, 10), Children: root},
		{ID: 1, Bounds: cube(-10, 0), Children: left, Depth: 1},
		{ID: 2, Bounds: cube(0, 10), Children: right, Depth: 1},
		{ID: 3, Bounds: cube(-1, 1), Children: leaf(), Depth: 2},
	}
	source := newFakeSource(t, octants)
	p, renderer := newTestPipeline(t, octants, source, Config{Workers: 2})

	tickUntil(t, p, sphere(t, r3.Vector{}, 1), func() bool { return p.Stats().Loaded == len(octants) })
	test.That(t, renderer.Spawns, test.ShouldEqual, len(octants))
	test.That(t, renderer.Live(), test.ShouldEqual, len(octants))
	test.That(t, source.openCount(3), test.ShouldEqual, 1)

	test.That(t, p.Tick(sphere(t, r3.Vector{X: 1000}, 1)), test.ShouldBeNil)
	test.That(t, renderer.Live(), test.ShouldEqual, 0)
	test.That(t, renderer.Despawns, test.ShouldEqual, len(octants))
	test.That(t, p.Stats().InFlight, test.ShouldEqual, 0)
}

func TestLateResultIsDiscarded(t *testing.T) {
	octants := synthetic.Octants(0, 10, 3)
	id := octants[0].ID
	source := newFakeSource(t, octants)
	source.gate = make(chan struct{})
	p, renderer := newTestPipeline(t, octants, source, Config{Workers: 1})

	inside := sphere(t, r3.Vector{}, 1)
	outside := sphere(t, r3.Vector{X: 50}, 1)
	root := p.Tree().Root()

	tickUntil(t, p, inside, func() bool { return source.openCount(id) == 1 })
	state, ok := p.State(root)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, state, test.ShouldEqual, Awaiting)
	test.That(t, renderer.Live(), test.ShouldEqual, 1)

	test.That(t, p.Tick(outside), test.ShouldBeNil)
	_, ok = p.State(root)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, renderer.Live(), test.ShouldEqual, 0)

	close(source.gate)
	tickUntil(t, p, outside, func() bool { return p.Stats().Discarded == 1 })
	stats := p.Stats()
	test.That(t, stats.Loaded, test.ShouldEqual, 0)
	test.That(t, stats.InFlight, test.ShouldEqual, 0)
	test.That(t, stats.Points, test.ShouldEqual, int64(0))
	test.That(t, renderer.Attaches, test.ShouldEqual, 0)
	_, ok = p.State(root)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFailedLoads(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		octants := synthetic.Octants(0, 10, 3)
		source := newFakeSource(t, octants)
		source.failures[octants[0].ID] = 1
		p, renderer := newTestPipeline(t, octants, source, Config{Workers: 1, MaxRetries: 2})

		tickUntil(t, p, sphere(t, r3.Vector{}, 1), func() bool { return p.Stats().Loaded == 1 })
		test.That(t, p.Stats().Retries, test.ShouldEqual, uint64(1))
		test.That(t, p.Stats().Failures, test.ShouldEqual, uint64(0))
		test.That(t, renderer.Attaches, test.ShouldEqual, 1)
	})

	t.Run("missing payload marks the octant failed", func(t *testing.T) {
		octants := synthetic.Octants(1, 10, 3)
		missing := octants[3].ID
		source := newFakeSource(t, octants)
		delete(source.payloads, missing)
		p, renderer := newTestPipeline(t, octants, source, Config{Workers: 2, MaxRetries: 2})

		everything := sphere(t, r3.Vector{}, 100)
		tickUntil(t, p, everything, func() bool {
			s := p.Stats()
			return s.Loaded == len(octants)-1 && s.Failed == 1
		})
		test.That(t, source.openCount(missing), test.ShouldEqual, 3)
		test.That(t, p.Stats().Failures, test.ShouldEqual, uint64(1))
		// the placeholder of the failed octant stays until it is evicted
		test.That(t, renderer.Live(), test.ShouldEqual, len(octants))
		test.That(t, renderer.Attaches, test.ShouldEqual, len(octants)-1)

		test.That(t, p.Tick(sphere(t, r3.Vector{X: 1000}, 1)), test.ShouldBeNil)
		test.That(t, renderer.Live(), test.ShouldEqual, 0)
		test.That(t, p.Stats().Failed, test.ShouldEqual, 0)
	})
}

func TestWorkerDeathIsFatal(t *testing.T) {
	octants := synthetic.Octants(0, 10, 3)
	source := newFakeSource(t, octants)
	source.panicOn[octants[0].ID] = true
	p, _ := newTestPipeline(t, octants, source, Config{Workers: 1})

	s := sphere(t, r3.Vector{}, 1)
	deadline := time.Now().Add(10 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		err = p.Tick(s)
		time.Sleep(time.Millisecond)
	}
	test.That(t, errors.Is(err, ErrWorkerDied), test.ShouldBeTrue)
	test.That(t, errors.Is(p.Tick(s), ErrWorkerDied), test.ShouldBeTrue)
}

func TestNearestOctantsFirst(t *testing.T) {
	octants := synthetic.Octants(1, 10, 3)
	source := newFakeSource(t, octants)
	p, _ := newTestPipeline(t, octants, source, Config{Workers: 1, MaxInFlight: 1})

	observer := r3.Vector{X: 6, Y: 6, Z: 6}
	tickUntil(t, p, sphere(t, observer, 40), func() bool { return p.Stats().Loaded == len(octants) })

	centers := map[int64]r3.Vector{}
	for _, o := range octants {
		centers[o.ID] = o.Bounds.Center()
	}
	order := source.openOrder()
	test.That(t, order, test.ShouldHaveLength, len(octants))
	for i := 1; i < len(order); i++ {
		prev := centers[order[i-1]].Distance(observer)
		cur := centers[order[i]].Distance(observer)
		test.That(t, prev, test.ShouldBeLessThanOrEqualTo, cur)
	}
}

func TestInFlightIsBounded(t *testing.T) {
	octants := synthetic.Octants(1, 10, 3)
	source := newFakeSource(t, octants)
	source.gate = make(chan struct{})
	p, _ := newTestPipeline(t, octants, source, Config{Workers: 2, MaxInFlight: 3})

	everything := sphere(t, r3.Vector{}, 100)
	for i := 0; i < 5; i++ {
		test.That(t, p.Tick(everything), test.ShouldBeNil)
		stats := p.Stats()
		test.That(t, stats.InFlight, test.ShouldEqual, 3)
		test.That(t, stats.Queued, test.ShouldEqual, len(octants)-3)
		test.That(t, stats.Awaiting, test.ShouldEqual, len(octants))
	}

	close(source.gate)
	tickUntil(t, p, everything, func() bool { return p.Stats().Loaded == len(octants) })
	test.That(t, p.Stats().Queued, test.ShouldEqual, 0)
}

func TestLoadRate(t *testing.T) {
	octants := synthetic.Octants(1, 10, 3)
	source := newFakeSource(t, octants)
	mock := clock.NewMock()
	metrics := NewMetrics(prometheus.NewRegistry())
	p, _ := newTestPipeline(t, octants, source, Config{Workers: 2, LoadRate: 1},
		WithClock(mock), WithMetrics(metrics))

	everything := sphere(t, r3.Vector{}, 100)
	test.That(t, p.Tick(everything), test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(metrics.Requests), test.ShouldEqual, 1.)
	test.That(t, p.Tick(everything), test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(metrics.Requests), test.ShouldEqual, 1.)

	mock.Add(time.Second)
	test.That(t, p.Tick(everything), test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(metrics.Requests), test.ShouldEqual, 2.)
	test.That(t, p.Stats().Queued, test.ShouldEqual, len(octants)-2)
}

func TestPayloadCache(t *testing.T) {
	octants := synthetic.Octants(0, 10, 3)
	id := octants[0].ID
	source := newFakeSource(t, octants)
	metrics := NewMetrics(nil)
	p, renderer := newTestPipeline(t, octants, source, Config{Workers: 1, CacheEntries: 4}, WithMetrics(metrics))

	inside := sphere(t, r3.Vector{}, 1)
	outside := sphere(t, r3.Vector{X: 50}, 1)
	tickUntil(t, p, inside, func() bool { return p.Stats().Loaded == 1 })
	test.That(t, p.Tick(outside), test.ShouldBeNil)
	tickUntil(t, p, inside, func() bool { return p.Stats().Loaded == 1 })

	test.That(t, source.openCount(id), test.ShouldEqual, 1)
	test.That(t, testutil.ToFloat64(metrics.CacheHits), test.ShouldEqual, 1.)
	test.That(t, renderer.Attaches, test.ShouldEqual, 2)
	test.That(t, p.cache.len(), test.ShouldEqual, 1)
}

func TestNewValidation(t *testing.T) {
	octants := synthetic.Octants(0, 10, 3)
	tree, err := octree.New(octants)
	test.That(t, err, test.ShouldBeNil)
	logger := logging.NewTestLogger(t)
	source := newFakeSource(t, octants)

	_, err = New(nil, source, fake.NewRenderer(nil), Config{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(tree, nil, fake.NewRenderer(nil), Config{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(tree, source, fake.NewRenderer(nil), Config{LoadRate: -1}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	p, err := New(tree, source, fake.NewRenderer(nil), Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.cfg.Workers, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, p.cfg.MaxInFlight, test.ShouldEqual, DefaultMaxInFlight)
	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, p.Tick(sphere(t, r3.Vector{}, 1)), test.ShouldBeError, ErrClosed)
}
