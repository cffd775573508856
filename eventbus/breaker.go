package eventbus

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker isolates a failing subscriber. Consecutive failures
// open it; after the reset timeout the next Allow call half-opens it
// for probing, and enough consecutive successes close it again. Any
// failure while half-open snaps straight back to open.
type CircuitBreaker struct {
	mu  sync.Mutex
	clk clock.Clock

	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
}

// BreakerSnapshot is a point-in-time view for metrics and ops.
type BreakerSnapshot struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(clk clock.Clock, failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &CircuitBreaker{
		clk:              clk,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Allow reports whether a dispatch may proceed. An open breaker whose
// reset timeout has elapsed transitions to half-open and allows the
// call; the transition is evaluated lazily here rather than on a timer.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	default: // BreakerOpen
		if b.clk.Now().Sub(b.lastFailure) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	}
}

// RecordSuccess notes a successful handler call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed handler call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clk.Now()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
		}
	}
}

// State returns the current position without side effects.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's counters.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
	}
}
