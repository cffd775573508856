package eventbus

import (
	"fmt"
	"time"
)

// SubscriptionConfig bounds the registry and supplies defaults applied
// when Subscribe is called with zero values.
type SubscriptionConfig struct {
	// MaxSubscriptions caps the number of live subscription records.
	// Subscribe fails with a RESOURCE error once the cap is reached.
	MaxSubscriptions int `json:"maxSubscriptions,omitempty" yaml:"maxSubscriptions,omitempty" env:"MAX_SUBSCRIPTIONS"`

	// DefaultPriority is assigned to subscriptions created without an
	// explicit priority. Higher values dispatch first.
	DefaultPriority int `json:"defaultPriority,omitempty" yaml:"defaultPriority,omitempty" env:"DEFAULT_PRIORITY"`

	// DefaultMaxRetries is the per-subscription failure budget applied
	// when Subscribe is called with a negative maxRetries.
	DefaultMaxRetries int `json:"defaultMaxRetries,omitempty" yaml:"defaultMaxRetries,omitempty" env:"DEFAULT_MAX_RETRIES"`
}

// ProcessingConfig tunes the dispatch path of the processor.
type ProcessingConfig struct {
	// MaxProcessingTime is the deadline for a single handler attempt.
	MaxProcessingTime time.Duration `json:"maxProcessingTime,omitempty" yaml:"maxProcessingTime,omitempty" env:"MAX_PROCESSING_TIME"`

	// MaxConcurrentHandlers caps handler invocations in flight across
	// all workers.
	MaxConcurrentHandlers int64 `json:"maxConcurrentHandlers,omitempty" yaml:"maxConcurrentHandlers,omitempty" env:"MAX_CONCURRENT_HANDLERS"`

	// RetryDelay is the fixed pause between handler retry attempts.
	RetryDelay time.Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty" env:"RETRY_DELAY"`

	// CircuitBreakerEnabled gates per-subscriber breakers. Disabling it
	// removes the skip-when-open path; failures still count against the
	// subscription budget.
	CircuitBreakerEnabled bool `json:"circuitBreakerEnabled" yaml:"circuitBreakerEnabled" env:"CIRCUIT_BREAKER_ENABLED"`

	// BreakerFailureThreshold opens a subscriber's breaker after this
	// many consecutive failures.
	BreakerFailureThreshold int `json:"breakerFailureThreshold,omitempty" yaml:"breakerFailureThreshold,omitempty" env:"BREAKER_FAILURE_THRESHOLD"`

	// BreakerSuccessThreshold closes a half-open breaker after this
	// many consecutive successes.
	BreakerSuccessThreshold int `json:"breakerSuccessThreshold,omitempty" yaml:"breakerSuccessThreshold,omitempty" env:"BREAKER_SUCCESS_THRESHOLD"`

	// BreakerResetTimeout is how long an open breaker blocks dispatch
	// before probing with a half-open attempt.
	BreakerResetTimeout time.Duration `json:"breakerResetTimeout,omitempty" yaml:"breakerResetTimeout,omitempty" env:"BREAKER_RESET_TIMEOUT"`
}

// Config configures the bus, its registry and its processor.
type Config struct {
	// MaxQueueSize is the bus queue capacity. Publish returns false
	// without blocking once the queue is full.
	MaxQueueSize int `json:"maxQueueSize,omitempty" yaml:"maxQueueSize,omitempty" env:"MAX_QUEUE_SIZE"`

	// NumWorkers is the number of dispatch workers.
	NumWorkers int `json:"numWorkers,omitempty" yaml:"numWorkers,omitempty" env:"NUM_WORKERS"`

	// DeadLetterQueueSize bounds the dead-letter ring. Zero disables
	// dead-letter capture.
	DeadLetterQueueSize int `json:"deadLetterQueueSize,omitempty" yaml:"deadLetterQueueSize,omitempty" env:"DEAD_LETTER_QUEUE_SIZE"`

	// EnablePersistence journals accepted events through the store
	// before dispatch.
	EnablePersistence bool `json:"enablePersistence" yaml:"enablePersistence" env:"ENABLE_PERSISTENCE"`

	// PopTimeout bounds how long an idle worker waits for the next
	// event before re-checking for shutdown.
	PopTimeout time.Duration `json:"popTimeout,omitempty" yaml:"popTimeout,omitempty" env:"POP_TIMEOUT"`

	Subscription SubscriptionConfig `json:"subscription,omitempty" yaml:"subscription,omitempty" env:"SUBSCRIPTION"`
	Processing   ProcessingConfig   `json:"processing,omitempty" yaml:"processing,omitempty" env:"PROCESSING"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        1000,
		NumWorkers:          4,
		DeadLetterQueueSize: 100,
		PopTimeout:          time.Second,
		Subscription: SubscriptionConfig{
			MaxSubscriptions:  1000,
			DefaultPriority:   0,
			DefaultMaxRetries: 3,
		},
		Processing: ProcessingConfig{
			MaxProcessingTime:       30 * time.Second,
			MaxConcurrentHandlers:   10,
			RetryDelay:              time.Second,
			CircuitBreakerEnabled:   true,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 2,
			BreakerResetTimeout:     60 * time.Second,
		},
	}
}

// Validate fills unset numeric fields with defaults and rejects values
// outside their documented ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = def.NumWorkers
	}
	if c.PopTimeout == 0 {
		c.PopTimeout = def.PopTimeout
	}
	if c.Subscription.MaxSubscriptions == 0 {
		c.Subscription.MaxSubscriptions = def.Subscription.MaxSubscriptions
	}
	if c.Subscription.DefaultMaxRetries == 0 {
		c.Subscription.DefaultMaxRetries = def.Subscription.DefaultMaxRetries
	}
	if c.Processing.MaxProcessingTime == 0 {
		c.Processing.MaxProcessingTime = def.Processing.MaxProcessingTime
	}
	if c.Processing.MaxConcurrentHandlers == 0 {
		c.Processing.MaxConcurrentHandlers = def.Processing.MaxConcurrentHandlers
	}
	if c.Processing.RetryDelay == 0 {
		c.Processing.RetryDelay = def.Processing.RetryDelay
	}
	if c.Processing.BreakerFailureThreshold == 0 {
		c.Processing.BreakerFailureThreshold = def.Processing.BreakerFailureThreshold
	}
	if c.Processing.BreakerSuccessThreshold == 0 {
		c.Processing.BreakerSuccessThreshold = def.Processing.BreakerSuccessThreshold
	}
	if c.Processing.BreakerResetTimeout == 0 {
		c.Processing.BreakerResetTimeout = def.Processing.BreakerResetTimeout
	}

	if c.MaxQueueSize < 1 {
		return fmt.Errorf("maxQueueSize must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be at least 1, got %d", c.NumWorkers)
	}
	if c.DeadLetterQueueSize < 0 {
		return fmt.Errorf("deadLetterQueueSize cannot be negative, got %d", c.DeadLetterQueueSize)
	}
	if c.PopTimeout < 0 {
		return fmt.Errorf("popTimeout cannot be negative, got %s", c.PopTimeout)
	}
	if c.Subscription.MaxSubscriptions < 1 {
		return fmt.Errorf("maxSubscriptions must be at least 1, got %d", c.Subscription.MaxSubscriptions)
	}
	if c.Subscription.DefaultMaxRetries < 0 {
		return fmt.Errorf("defaultMaxRetries cannot be negative, got %d", c.Subscription.DefaultMaxRetries)
	}
	if c.Processing.MaxProcessingTime < time.Millisecond {
		return fmt.Errorf("maxProcessingTime must be at least 1ms, got %s", c.Processing.MaxProcessingTime)
	}
	if c.Processing.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("maxConcurrentHandlers must be at least 1, got %d", c.Processing.MaxConcurrentHandlers)
	}
	if c.Processing.RetryDelay < 0 {
		return fmt.Errorf("retryDelay cannot be negative, got %s", c.Processing.RetryDelay)
	}
	if c.Processing.BreakerFailureThreshold < 1 {
		return fmt.Errorf("breakerFailureThreshold must be at least 1, got %d", c.Processing.BreakerFailureThreshold)
	}
	if c.Processing.BreakerSuccessThreshold < 1 {
		return fmt.Errorf("breakerSuccessThreshold must be at least 1, got %d", c.Processing.BreakerSuccessThreshold)
	}
	if c.Processing.BreakerResetTimeout < time.Millisecond {
		return fmt.Errorf("breakerResetTimeout must be at least 1ms, got %s", c.Processing.BreakerResetTimeout)
	}
	return nil
}
