// Package main streams a star catalog around a simulated observer into an in memory renderer
// and reports what the pipeline did.
package main

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/config"
	"go.viam.com/starfield/engine"
	"go.viam.com/starfield/logging"
	"go.viam.com/starfield/render/fake"
	sutils "go.viam.com/starfield/utils"
)

var logger = logging.NewLogger("starfield")

// Arguments for the command.
type Arguments struct {
	Config      string `flag:"config,usage=path to a YAML config; edits to radii are applied while running"`
	CatalogRoot string `flag:"catalog-root,usage=directory holding the catalogs"`
	Catalog     string `flag:"catalog,usage=name of the catalog to stream"`
	Ticks       int    `flag:"ticks,usage=number of ticks to run; 0 runs until interrupted"`
	Debug       bool   `flag:"debug,usage=enable debug logging"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := loadConfig(argsParsed, logger)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Level())
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	return run(ctx, cfg, argsParsed, logger)
}

// loadConfig reads the config file, if any, and lets flags override its catalog selection.
func loadConfig(argsParsed Arguments, logger logging.Logger) (*config.Config, error) {
	cfg := &config.Config{}
	if argsParsed.Config != "" {
		var err error
		if cfg, err = config.Read(argsParsed.Config, logger); err != nil {
			return nil, err
		}
	}
	if argsParsed.CatalogRoot != "" {
		cfg.Catalog.Root = argsParsed.CatalogRoot
	}
	if argsParsed.Catalog != "" {
		cfg.Catalog.Name = argsParsed.Catalog
	}
	if argsParsed.Ticks < 0 {
		return nil, errors.Errorf("ticks must not be negative, got %d", argsParsed.Ticks)
	}
	if err := cfg.Validate("starfield"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, argsParsed Arguments, logger logging.Logger) (err error) {
	clk := clock.New()
	opened := sutils.SlowLogger(ctx, clk, "still opening catalog", logger, "catalog", cfg.Catalog.Name)
	cat, err := catalog.Open(cfg.Catalog.Root, cfg.Catalog.Name, logger.Sublogger("catalog"),
		catalog.WithDatasetScale(cfg.Catalog.DatasetScale))
	opened()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	renderer := fake.NewRenderer(logger.Sublogger("renderer"))
	eng, err := engine.New(cat, renderer, engine.Config{
		ViewRadius: cfg.View.Radius,
		LODRadius:  cfg.View.LODRadius,
		Loader:     cfg.Loader.Pipeline(),
	}, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, eng.Close())
	}()

	var configs <-chan *config.Config
	if argsParsed.Config != "" {
		watcher, watchErr := config.NewFSWatcher(argsParsed.Config, cfg, logger.Sublogger("config"))
		if watchErr != nil {
			return watchErr
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
		configs = watcher.Config()
	}

	ticker := clk.Ticker(cfg.TickInterval)
	defer ticker.Stop()

	path := newOrbit(cat, cfg.View.Radius)
	durations := make([]float64, 0, 100)
	logger.Infow("streaming",
		"catalog", cat.Name(),
		"octants", cat.Tree().Len(),
		"view_radius", cfg.View.Radius,
		"lod_radius", cfg.View.LODRadius,
		"tick_interval", cfg.TickInterval,
	)
	for tick := 0; argsParsed.Ticks == 0 || tick < argsParsed.Ticks; tick++ {
		select {
		case <-ctx.Done():
			logStats(logger, eng, renderer, tick, durations)
			return nil
		case newConfig := <-configs:
			if err := eng.SetRadii(newConfig.View.Radius, newConfig.View.LODRadius); err != nil {
				logger.Warnw("ignoring config change", "error", err)
			}
		case <-ticker.C:
		}
		start := clk.Now()
		if err := eng.Tick(path.at(tick)); err != nil {
			return errors.Wrapf(err, "tick %d", tick)
		}
		durations = append(durations, float64(clk.Since(start).Microseconds()))
		if tick%100 == 0 {
			logStats(logger, eng, renderer, tick, durations)
			durations = durations[:0]
		}
	}
	logStats(logger, eng, renderer, argsParsed.Ticks, durations)
	return nil
}

// logStats logs the pipeline's bookkeeping and the tick durations, in microseconds, since the
// last call.
func logStats(logger logging.Logger, eng *engine.Engine, renderer *fake.Renderer, tick int, durations []float64) {
	var p50, p99 float64
	if len(durations) > 0 {
		// only fails on empty input
		p50, _ = stats.Median(durations)
		p99, _ = stats.Percentile(durations, 99)
	}
	s := eng.Pipeline().Stats()
	logger.Infow("stats",
		"tick", tick,
		"tick_p50_us", p50,
		"tick_p99_us", p99,
		"loaded", s.Loaded,
		"awaiting", s.Awaiting,
		"failed", s.Failed,
		"queued", s.Queued,
		"in_flight", s.InFlight,
		"points", s.Points,
		"entities", renderer.Live(),
		"discarded", s.Discarded,
		"retries", s.Retries,
	)
}

// orbit moves the observer on a slow circle around the catalog's center that passes in and
// out of the populated cells.
type orbit struct {
	center r3.Vector
	radius float64
	step   float64
}

func newOrbit(cat *catalog.Catalog, viewRadius float64) orbit {
	bounds := cat.Tree().At(cat.Tree().Root()).Bounds
	radius := bounds.HalfSize().X
	if radius <= 0 {
		radius = viewRadius
	}
	return orbit{center: bounds.Center(), radius: radius, step: 2 * math.Pi / 3600}
}

func (o orbit) at(tick int) r3.Vector {
	theta := float64(tick) * o.step
	return o.center.Add(r3.Vector{
		X: o.radius * math.Cos(theta),
		Y: o.radius * math.Sin(theta),
		Z: o.radius / 4 * math.Sin(3*theta),
	})
}
