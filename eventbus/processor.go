package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/SubhajL/online-trading-sub000/faults"
)

// recorder is the slice of Registry the processor needs to account for
// delivery outcomes.
type recorder interface {
	RecordFailure(id, errMsg string) (deactivated, ok bool)
	RecordSuccess(id string) bool
}

// Outcome is the result of delivering one event to one subscription.
type Outcome struct {
	SubscriptionID string
	SubscriberID   string

	// Attempts is the number of handler invocations made, including
	// the initial one.
	Attempts int

	// Err is nil on success, otherwise the last attempt's error.
	Err error

	// Skipped means nothing was recorded against the subscription:
	// the circuit was open or the dispatch was aborted by shutdown
	// before an attempt could complete normally.
	Skipped bool

	// Deactivated means this delivery exhausted the subscription's
	// retry budget and the event was diverted to the dead letter
	// queue.
	Deactivated bool

	Duration time.Duration
}

// Result aggregates the outcomes of one event across all matching
// subscriptions.
type Result struct {
	EventID   string
	EventType EventType
	Outcomes  []Outcome
	Duration  time.Duration
}

// Delivered counts outcomes where the handler succeeded.
func (r Result) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Skipped {
			n++
		}
	}
	return n
}

// Failed counts outcomes where delivery was attempted and failed.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil && !o.Skipped {
			n++
		}
	}
	return n
}

// Skipped counts outcomes where no delivery was attempted.
func (r Result) Skipped() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Processor runs subscription handlers for queued events. It owns the
// per-attempt timeout, the retry loop, the per-subscriber circuit
// breakers and the diversion of undeliverable events to the dead
// letter queue. Handler concurrency across all workers is bounded by
// one shared semaphore.
type Processor struct {
	cfg    ProcessingConfig
	clk    clock.Clock
	logger *slog.Logger
	sem    *semaphore.Weighted
	rec    recorder
	dlq    *DeadLetterQueue
	faults *faults.Manager

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProcessor creates a processor. rec and dlq are required; fm may be
// nil, in which case delivery errors are only logged.
func NewProcessor(cfg ProcessingConfig, rec recorder, dlq *DeadLetterQueue, fm *faults.Manager, clk clock.Clock, logger *slog.Logger) *Processor {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentHandlers),
		rec:      rec,
		dlq:      dlq,
		faults:   fm,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// ProcessEvent delivers ev to each subscription in order. The slice
// must already be priority-sorted; higher-priority subscriptions see
// the event first.
func (p *Processor) ProcessEvent(ctx context.Context, ev Event, subs []*Subscription) Result {
	start := p.clk.Now()
	res := Result{
		EventID:   ev.ID,
		EventType: ev.Type,
		Outcomes:  make([]Outcome, 0, len(subs)),
	}
	for _, sub := range subs {
		res.Outcomes = append(res.Outcomes, p.dispatch(ctx, ev, sub))
	}
	res.Duration = p.clk.Now().Sub(start)
	return res
}

// dispatch delivers ev to one subscription: at most 1+MaxRetries
// attempts, RetryDelay apart, every completed attempt recorded against
// the breaker and the subscription's budget. A terminal failure
// deactivates the subscription and diverts the event to the DLQ.
func (p *Processor) dispatch(ctx context.Context, ev Event, sub *Subscription) Outcome {
	out := Outcome{SubscriptionID: sub.ID, SubscriberID: sub.SubscriberID}
	start := p.clk.Now()
	defer func() { out.Duration = p.clk.Now().Sub(start) }()

	br := p.breakerFor(sub.SubscriberID)
	if br != nil && !br.Allow() {
		out.Skipped = true
		out.Err = faults.NewCircuitBreakerError("eventbus", "dispatch",
			"circuit open, delivery skipped", ErrCircuitOpen,
			faults.WithCorrelationID(ev.ID),
			faults.WithMetadata("subscriber_id", sub.SubscriberID),
			faults.WithMetadata("event_type", string(ev.Type)))
		p.report(ctx, out.Err)
		return out
	}

	for attempt := 1; ; attempt++ {
		attempted, err := p.runAttempt(ctx, sub, ev)
		if !attempted {
			out.Skipped = true
			out.Err = err
			return out
		}
		out.Attempts = attempt
		out.Err = err

		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			p.rec.RecordSuccess(sub.ID)
			return out
		}

		if ctx.Err() != nil {
			// Shutdown interrupted the attempt. Not the handler's
			// fault, so nothing is recorded.
			out.Skipped = true
			return out
		}

		if br != nil {
			br.RecordFailure()
		}
		deactivated, known := p.rec.RecordFailure(sub.ID, err.Error())
		p.report(ctx, p.wrapDeliveryError(ev, sub, attempt, err))

		if deactivated {
			out.Deactivated = true
			p.dlq.Add(ev, fmt.Sprintf("subscription %s for %s exhausted %d retries: %v",
				sub.ID, sub.SubscriberID, sub.MaxRetries, err))
			return out
		}
		if !known || !sub.IsActive() || attempt > sub.MaxRetries {
			return out
		}

		if p.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-p.clk.After(p.cfg.RetryDelay):
			}
		}
	}
}

// runAttempt invokes the handler once under the concurrency semaphore
// and the per-attempt deadline. attempted=false means admission failed
// and nothing ran.
func (p *Processor) runAttempt(ctx context.Context, sub *Subscription, ev Event) (attempted bool, err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxProcessingTime)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// The token is held until the handler actually returns, so a
		// timed-out handler still counts against the concurrency cap.
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("event handler panicked",
					"subscription_id", sub.ID,
					"subscriber_id", sub.SubscriberID,
					"event_id", ev.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- sub.Handler(attemptCtx, ev)
	}()

	select {
	case err := <-done:
		return true, err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, faults.NewTimeoutError("eventbus", "dispatch",
			"handler exceeded max processing time", attemptCtx.Err(),
			faults.WithCorrelationID(ev.ID),
			faults.WithMetadata("subscriber_id", sub.SubscriberID),
			faults.WithMetadata("max_processing_time", p.cfg.MaxProcessingTime.String()))
	}
}

// wrapDeliveryError classifies a raw handler error for the fault
// pipeline. Errors that are already classified pass through untouched.
func (p *Processor) wrapDeliveryError(ev Event, sub *Subscription, attempt int, err error) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return err
	}
	return faults.NewProcessingError("eventbus", "dispatch", "handler failed", err,
		faults.WithCorrelationID(ev.ID),
		faults.WithMetadata("subscriber_id", sub.SubscriberID),
		faults.WithMetadata("event_type", string(ev.Type)),
		faults.WithRetries(attempt-1, sub.MaxRetries))
}

func (p *Processor) report(ctx context.Context, err error) {
	if p.faults == nil {
		return
	}
	p.faults.Handle(ctx, err)
}

// breakerFor returns the subscriber's circuit breaker, creating it on
// first use. Returns nil when breakers are disabled.
func (p *Processor) breakerFor(subscriberID string) *CircuitBreaker {
	if !p.cfg.CircuitBreakerEnabled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	br, ok := p.breakers[subscriberID]
	if !ok {
		br = NewCircuitBreaker(p.clk,
			p.cfg.BreakerFailureThreshold,
			p.cfg.BreakerSuccessThreshold,
			p.cfg.BreakerResetTimeout)
		p.breakers[subscriberID] = br
	}
	return br
}

// BreakerSnapshots returns the state of every known circuit breaker,
// keyed by subscriber ID.
func (p *Processor) BreakerSnapshots() map[string]BreakerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]BreakerSnapshot, len(p.breakers))
	for id, br := range p.breakers {
		out[id] = br.Snapshot()
	}
	return out
}
