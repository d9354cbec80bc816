// Package config loads closureleak settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"closureleak/pkg/capture"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config contains all closureleak settings.
type Config struct {
	// Leak configures the leak routine.
	Leak LeakConfig `yaml:"leak"`

	// Pressure configures the loop that runs after the leak routine is joined.
	Pressure PressureConfig `yaml:"pressure"`

	// GC configures the collector.
	GC GCConfig `yaml:"gc"`

	// Debug configures the optional HTTP endpoint and profile capture.
	Debug DebugConfig `yaml:"debug"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// LeakConfig configures the leak routine.
type LeakConfig struct {
	// Variant is "shared" or "holder".
	Variant string `yaml:"variant"`

	// Count is how many times Leak is called.
	Count int `yaml:"count"`
}

// PressureConfig configures the pressure loop.
type PressureConfig struct {
	// Limit is both the iteration count and the length of each allocated buffer.
	Limit int64 `yaml:"limit"`

	// Pace is the sleep between iterations.
	Pace time.Duration `yaml:"pace"`
}

// GCConfig configures garbage collection.
type GCConfig struct {
	// Percent sets GOGC for the run. 0 leaves the runtime setting alone.
	Percent int `yaml:"percent"`

	// ScheduledInterval forces an extra GC on this period, on top of the one per
	// pressure iteration. 0 disables it.
	ScheduledInterval time.Duration `yaml:"scheduled_interval"`
}

// DebugConfig configures observability endpoints.
type DebugConfig struct {
	// Listen is the address of the metrics/pprof server, e.g. ":8080". Empty disables it.
	Listen string `yaml:"listen"`

	// ProfileDir enables periodic heap profiles written to this directory.
	ProfileDir string `yaml:"profile_dir"`

	// ProfileInterval is the period between profile snapshots.
	ProfileInterval time.Duration `yaml:"profile_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the settings observed in the original demonstration.
func Default() *Config {
	return &Config{
		Leak: LeakConfig{
			Variant: string(capture.SharedVariant),
			Count:   1000,
		},
		Pressure: PressureConfig{
			Limit: 10_000,
			Pace:  time.Second,
		},
		Debug: DebugConfig{
			ProfileInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	if _, err := capture.ParseVariant(c.Leak.Variant); err != nil {
		return fmt.Errorf("%w: leak.variant: %w", ErrInvalid, err)
	}
	if c.Leak.Count < 0 {
		return fmt.Errorf("%w: leak.count must be >= 0, got %d", ErrInvalid, c.Leak.Count)
	}
	if c.Pressure.Limit < 0 {
		return fmt.Errorf("%w: pressure.limit must be >= 0, got %d", ErrInvalid, c.Pressure.Limit)
	}
	if c.Pressure.Pace < 0 {
		return fmt.Errorf("%w: pressure.pace must be >= 0, got %s", ErrInvalid, c.Pressure.Pace)
	}
	if c.GC.Percent < -1 {
		return fmt.Errorf("%w: gc.percent must be >= -1, got %d", ErrInvalid, c.GC.Percent)
	}
	if c.GC.ScheduledInterval < 0 {
		return fmt.Errorf("%w: gc.scheduled_interval must be >= 0, got %s", ErrInvalid, c.GC.ScheduledInterval)
	}
	if c.Debug.ProfileDir != "" && c.Debug.ProfileInterval <= 0 {
		return fmt.Errorf("%w: debug.profile_interval must be > 0 when profile_dir is set", ErrInvalid)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalid, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}
