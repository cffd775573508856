// Package config loads and validates the process configuration from a
// YAML or TOML file, overlays MARKETD_* environment variables, and can
// watch the file for changes at runtime.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/ingest"
	"github.com/SubhajL/online-trading-sub000/ops"
	"github.com/SubhajL/online-trading-sub000/telemetry"
)

var (
	ErrUnknownFormat          = errors.New("config: unsupported file format")
	ErrNilApply               = errors.New("config: nil apply callback")
	ErrWatcherShutdownTimeout = errors.New("config watcher shutdown timed out")
)

// LoggingConfig controls the process logger. Level changes apply to a
// running process; everything else in Config needs a restart.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty" env:"LEVEL"`

	// Format is text or json.
	Format string `json:"format,omitempty" yaml:"format,omitempty" env:"FORMAT"`
}

// SlogLevel parses the configured level name.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", c.Level)
}

// Handler builds the slog handler for the configured format. The
// leveler is shared so a reload can retune the level in place.
func (c LoggingConfig) Handler(w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// StoreConfig locates the candle database.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything
	// in process memory.
	Path string `json:"path,omitempty" yaml:"path,omitempty" env:"PATH"`
}

// SweepConfig schedules the periodic gap sweep across all venues.
type SweepConfig struct {
	// Schedule is a cron expression or @every descriptor.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" env:"SCHEDULE"`
}

// Config is the root configuration for the market data service. Each
// section type lives with the package it configures; this package only
// aggregates, loads and cross-validates them.
type Config struct {
	Logging   LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty" env:"LOG"`
	Bus       eventbus.Config  `json:"bus,omitempty" yaml:"bus,omitempty" env:"BUS"`
	Store     StoreConfig      `json:"store,omitempty" yaml:"store,omitempty" env:"STORE"`
	Venues    []ingest.Config  `json:"venues,omitempty" yaml:"venues,omitempty" env:"VENUE"`
	Sweep     SweepConfig      `json:"sweep,omitempty" yaml:"sweep,omitempty" env:"SWEEP"`
	Ops       ops.Config       `json:"ops,omitempty" yaml:"ops,omitempty" env:"OPS"`
	Telemetry telemetry.Config `json:"telemetry,omitempty" yaml:"telemetry,omitempty" env:"TELEMETRY"`
}

// DefaultConfig returns the production defaults. Venues have no
// default; a deployment must name at least one.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Bus:       eventbus.DefaultConfig(),
		Store:     StoreConfig{Path: "marketd.db"},
		Sweep:     SweepConfig{Schedule: ingest.DefaultSweepSchedule},
		Ops:       ops.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate fills unset fields with defaults and rejects values the
// service cannot run with. Violations come back as configuration
// faults naming the offending section.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return sectionError("logging", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return sectionError("logging", fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	if err := c.Bus.Validate(); err != nil {
		return sectionError("bus", err)
	}

	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}

	if len(c.Venues) == 0 {
		return sectionError("venues", errors.New("at least one venue must be configured"))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i := range c.Venues {
		if err := c.Venues[i].Validate(); err != nil {
			return sectionError("venues", fmt.Errorf("venue %d: %w", i, err))
		}
		name := strings.ToLower(c.Venues[i].Venue)
		if _, dup := seen[name]; dup {
			return sectionError("venues", fmt.Errorf("venue %q configured twice", name))
		}
		seen[name] = struct{}{}
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = def.Sweep.Schedule
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return sectionError("sweep", fmt.Errorf("schedule %q: %w", c.Sweep.Schedule, err))
	}

	if err := c.Ops.Validate(); err != nil {
		return sectionError("ops", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return sectionError("telemetry", err)
	}

	return nil
}

func sectionError(section string, err error) error {
	return faults.NewConfigurationError("config", "validate",
		"invalid "+section+" configuration", err,
		faults.WithMetadata("section", section))
}

// RequiresRestart lists the sections that differ between two
// configurations but only take effect at process start. Logging is
// the one section a running process applies in place.
func RequiresRestart(prev, next *Config) []string {
	var sections []string
	if !reflect.DeepEqual(prev.Bus, next.Bus) {
		sections = append(sections, "bus")
	}
	if prev.Store != next.Store {
		sections = append(sections, "store")
	}
	if !reflect.DeepEqual(prev.Venues, next.Venues) {
		sections = append(sections, "venues")
	}
	if prev.Sweep != next.Sweep {
		sections = append(sections, "sweep")
	}
	if prev.Ops != next.Ops {
		sections = append(sections, "ops")
	}
	if !reflect.DeepEqual(prev.Telemetry, next.Telemetry) {
		sections = append(sections, "telemetry")
	}
	return sections
}
