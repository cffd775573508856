package telemetry

import (
	"errors"
	"time"
)

// StatsdConfig configures the DogStatsD exporter. Disabled by default;
// the Prometheus collectors on the ops server are always on.
type StatsdConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Addr          string        `json:"addr,omitempty" yaml:"addr,omitempty" env:"ADDR"`
	Prefix        string        `json:"prefix,omitempty" yaml:"prefix,omitempty" env:"PREFIX"`
	FlushInterval time.Duration `json:"flushInterval,omitempty" yaml:"flushInterval,omitempty" env:"FLUSH_INTERVAL"`
	Tags          []string      `json:"tags,omitempty" yaml:"tags,omitempty" env:"TAGS"`
}

// Config names the metric namespaces.
type Config struct {
	// Namespace prefixes every Prometheus metric.
	Namespace string       `json:"namespace,omitempty" yaml:"namespace,omitempty" env:"NAMESPACE"`
	Statsd    StatsdConfig `json:"statsd,omitempty" yaml:"statsd,omitempty" env:"STATSD"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Namespace: "marketd",
		Statsd: StatsdConfig{
			Addr:          "127.0.0.1:8125",
			Prefix:        "marketd",
			FlushInterval: 10 * time.Second,
		},
	}
}

// Validate fills unset fields with defaults and rejects values the
// exporters cannot run with.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.Statsd.Addr == "" {
		c.Statsd.Addr = def.Statsd.Addr
	}
	if c.Statsd.Prefix == "" {
		c.Statsd.Prefix = def.Statsd.Prefix
	}
	if c.Statsd.FlushInterval == 0 {
		c.Statsd.FlushInterval = def.Statsd.FlushInterval
	}
	if c.Statsd.FlushInterval < 0 {
		return errors.New("statsd flush interval must be > 0")
	}
	return nil
}
