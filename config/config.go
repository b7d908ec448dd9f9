// Package config defines the configuration of the streaming engine and how it is read from
// YAML files.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/starfield/loader"
	"go.viam.com/starfield/logging"
)

// Defaults applied to fields left empty.
const (
	DefaultCatalogRoot  = "./data/catalogs"
	DefaultViewRadius   = 50.0
	DefaultMaxRetries   = 2
	DefaultCacheEntries = 256
	DefaultTickInterval = 16 * time.Millisecond
	DefaultLogLevel     = "info"
)

// Config is the full engine configuration.
type Config struct {
	Catalog      Catalog       `yaml:"catalog"`
	View         View          `yaml:"view"`
	Loader       Loader        `yaml:"loader"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`

	// ConfigFilePath is the file the config was read from, if any.
	ConfigFilePath string `yaml:"-"`
}

// Catalog selects the catalog to stream.
type Catalog struct {
	Root         string  `yaml:"root"`
	Name         string  `yaml:"name"`
	DatasetScale float64 `yaml:"dataset_scale"`
}

// View describes the spheres around the observer, in parsecs.
type View struct {
	Radius    float64 `yaml:"radius"`
	LODRadius float64 `yaml:"lod_radius"`
}

// Loader tunes the load pipeline. See loader.Config.
type Loader struct {
	Workers      int     `yaml:"workers"`
	MaxInFlight  int     `yaml:"max_in_flight"`
	MaxRetries   *int    `yaml:"max_retries"`
	LoadRate     float64 `yaml:"load_rate"`
	CacheEntries *int    `yaml:"cache_entries"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (c *Config) Validate(path string) error {
	if err := c.Catalog.Validate(fmt.Sprintf("%s.%s", path, "catalog")); err != nil {
		return err
	}
	if err := c.View.Validate(fmt.Sprintf("%s.%s", path, "view")); err != nil {
		return err
	}
	if err := c.Loader.Validate(fmt.Sprintf("%s.%s", path, "loader")); err != nil {
		return err
	}
	if c.TickInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("tick_interval must not be negative, got %s", c.TickInterval))
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() logging.Level {
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// Validate ensures the catalog section is valid.
func (c *Catalog) Validate(path string) error {
	if c.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if c.Root == "" {
		c.Root = DefaultCatalogRoot
	}
	if c.DatasetScale == 0 {
		c.DatasetScale = 1
	}
	if !(c.DatasetScale > 0) || math.IsInf(c.DatasetScale, 0) {
		return goutils.NewConfigValidationError(path, errors.Errorf("dataset_scale must be positive, got %f", c.DatasetScale))
	}
	return nil
}

// Validate ensures the view section is valid. A missing level of detail radius disables the
// detailed representation.
func (v *View) Validate(path string) error {
	if v.Radius == 0 {
		v.Radius = DefaultViewRadius
	}
	if !validRadius(v.Radius) {
		return goutils.NewConfigValidationError(path, errors.Errorf("radius must be positive, got %f", v.Radius))
	}
	if !validRadius(v.LODRadius) && v.LODRadius != 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("lod_radius must not be negative, got %f", v.LODRadius))
	}
	if v.LODRadius > v.Radius {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("lod_radius (%f) must not be larger than radius (%f)", v.LODRadius, v.Radius))
	}
	return nil
}

func validRadius(r float64) bool {
	return r > 0 && !math.IsInf(r, 0)
}

// Validate ensures the loader section is valid.
func (l *Loader) Validate(path string) error {
	if l.Workers < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("workers must not be negative, got %d", l.Workers))
	}
	if l.MaxInFlight < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_in_flight must not be negative, got %d", l.MaxInFlight))
	}
	if l.MaxRetries == nil {
		retries := DefaultMaxRetries
		l.MaxRetries = &retries
	}
	if *l.MaxRetries < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_retries must not be negative, got %d", *l.MaxRetries))
	}
	if !(l.LoadRate >= 0) || math.IsInf(l.LoadRate, 0) {
		return goutils.NewConfigValidationError(path, errors.Errorf("load_rate must be a non-negative number, got %f", l.LoadRate))
	}
	if l.CacheEntries == nil {
		entries := DefaultCacheEntries
		l.CacheEntries = &entries
	}
	if *l.CacheEntries < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("cache_entries must not be negative, got %d", *l.CacheEntries))
	}
	return nil
}

// Pipeline converts the loader section into a loader.Config. The section must have been
// validated.
func (l Loader) Pipeline() loader.Config {
	cfg := loader.Config{
		Workers:     l.Workers,
		MaxInFlight: l.MaxInFlight,
		LoadRate:    l.LoadRate,
	}
	if l.MaxRetries != nil {
		cfg.MaxRetries = *l.MaxRetries
	}
	if l.CacheEntries != nil {
		cfg.CacheEntries = *l.CacheEntries
	}
	return cfg
}
