package ops

import (
	"errors"
	"time"
)

// Config configures the operational HTTP server.
type Config struct {
	// ListenAddr is the host:port the server binds. ":0" picks a free
	// port, mostly useful in tests.
	ListenAddr string `json:"listenAddr,omitempty" yaml:"listenAddr,omitempty" env:"LISTEN_ADDR"`

	// ReadTimeout bounds reading one request, header included.
	ReadTimeout time.Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty" env:"READ_TIMEOUT"`

	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty" env:"WRITE_TIMEOUT"`

	// ShutdownTimeout is how long Stop waits for in-flight requests.
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate fills unset fields with defaults and rejects values outside
// their documented ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	return nil
}
