// Package eventbus implements the in-process message backbone of the
// trading core: a bounded priority queue, a fixed worker pool, a
// subscription registry with per-subscriber circuit breakers, retry
// accounting and a dead letter queue for events that exhaust their
// delivery budget.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/SubhajL/online-trading-sub000/faults"
)

// Metadata keys stamped on every published event.
const (
	MetaPriority    = "priority"
	MetaPublishedAt = "published_at"
)

// Journal persists published events before they are dispatched. The
// bus treats journal failures as non-fatal: the event is still
// delivered, the failure is logged.
type Journal interface {
	AppendEvent(ctx context.Context, topic, eventID string, payload []byte) error
}

// BusMetrics aggregates registry, processor and queue counters.
type BusMetrics struct {
	Running               bool          `json:"running"`
	Workers               int           `json:"workers"`
	QueueSize             int           `json:"queue_size"`
	QueueCapacity         int           `json:"queue_capacity"`
	EventsPublished       uint64        `json:"events_published"`
	EventsDropped         uint64        `json:"events_dropped"`
	EventsProcessed       uint64        `json:"events_processed"`
	EventsFailed          uint64        `json:"events_failed"`
	SuccessfulHandlers    uint64        `json:"successful_handlers"`
	FailedHandlers        uint64        `json:"failed_handlers"`
	SkippedHandlers       uint64        `json:"skipped_handlers"`
	AverageProcessingTime time.Duration `json:"average_processing_time_ns"`
	Subscriptions         int           `json:"subscriptions"`
	ActiveSubscriptions   int           `json:"active_subscriptions"`
	DeadLetterSize        int           `json:"dead_letter_size"`
	DeadLetterDropped     uint64        `json:"dead_letter_dropped"`
}

// Health is the bus view exposed on the health endpoint.
type Health struct {
	Status              string  `json:"status"`
	Workers             int     `json:"workers"`
	QueueSize           int     `json:"queue_size"`
	QueueCapacity       int     `json:"queue_capacity"`
	QueueUsage          float64 `json:"queue_usage"`
	Subscriptions       int     `json:"subscriptions"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	DeadLetterSize      int     `json:"dead_letter_size"`
}

type busStats struct {
	mu                 sync.Mutex
	published          uint64
	dropped            uint64
	eventsProcessed    uint64
	eventsFailed       uint64
	successfulHandlers uint64
	failedHandlers     uint64
	skippedHandlers    uint64
	totalProcessing    time.Duration
}

func (s *busStats) recordPublish() {
	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

func (s *busStats) recordDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *busStats) recordResult(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsProcessed++
	s.successfulHandlers += uint64(res.Delivered())
	s.failedHandlers += uint64(res.Failed())
	s.skippedHandlers += uint64(res.Skipped())
	if res.Failed() > 0 {
		s.eventsFailed++
	}
	s.totalProcessing += res.Duration
}

func (s *busStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = busStats{}
}

// Bus accepts events, queues them by priority and runs a fixed pool of
// workers that hand each event to the processor together with the
// matching subscriptions. All methods are safe for concurrent use.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock

	registry  *Registry
	processor *Processor
	queue     *eventQueue
	dlq       *DeadLetterQueue
	fm        *faults.Manager
	journal   Journal
	observer  ObserverFunc

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats busStats
}

// Option configures optional bus collaborators.
type Option func(*Bus)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithClock sets the clock used for timeouts, retry delays and breaker
// windows.
func WithClock(clk clock.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

// WithJournal sets the write-ahead event journal. Only consulted when
// the config enables persistence.
func WithJournal(j Journal) Option {
	return func(b *Bus) { b.journal = j }
}

// WithFaultManager routes structured errors through the given manager.
func WithFaultManager(fm *faults.Manager) Option {
	return func(b *Bus) { b.fm = fm }
}

// WithObserver registers a sink for the bus's operational CloudEvents.
func WithObserver(fn ObserverFunc) Option {
	return func(b *Bus) { b.observer = fn }
}

// New validates cfg, applies defaults for zero values and assembles a
// stopped bus.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.NewConfigurationError("eventbus", "new",
			"invalid bus configuration", err)
	}

	b := &Bus{
		cfg:    cfg,
		logger: slog.Default(),
		clk:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.queue = newEventQueue(cfg.MaxQueueSize)
	b.dlq = NewDeadLetterQueue(cfg.DeadLetterQueueSize, b.clk, b.logger)
	b.registry = NewRegistry(cfg.Subscription.MaxSubscriptions, b.logger)
	b.processor = NewProcessor(cfg.Processing, b.registry, b.dlq, b.fm, b.clk, b.logger)

	b.dlq.SetOnDivert(func(ev Event, reason string) {
		b.emit(context.Background(), OpsEventDeadLettered, map[string]any{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
			"reason":     reason,
		})
	})
	return b, nil
}

// Start launches the worker pool. Idempotent; a second call on a
// running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	for i := 0; i < b.cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker(runCtx, i)
	}
	b.started = true

	b.logger.Info("event bus started",
		"workers", b.cfg.NumWorkers,
		"queue_capacity", b.cfg.MaxQueueSize,
		"dead_letter_capacity", b.cfg.DeadLetterQueueSize)
	b.emit(ctx, OpsEventBusStarted, map[string]any{
		"workers":        b.cfg.NumWorkers,
		"queue_capacity": b.cfg.MaxQueueSize,
	})
	return nil
}

// Stop cancels the workers and waits for them to exit. Returns
// ErrBusShutdownTimeout when ctx expires first; the bus is then left
// in the started state so a later Stop can try again. The bus mutex is
// not held while waiting, so publishers are never blocked by shutdown.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ErrBusShutdownTimeout
	}

	b.mu.Lock()
	b.started = false
	b.mu.Unlock()

	snap := b.Metrics()
	b.logger.Info("event bus stopped",
		"events_published", snap.EventsPublished,
		"events_processed", snap.EventsProcessed,
		"events_failed", snap.EventsFailed,
		"queue_size", snap.QueueSize,
		"dead_letter_size", snap.DeadLetterSize)
	b.emit(ctx, OpsEventBusStopped, map[string]any{
		"events_processed": snap.EventsProcessed,
		"queue_size":       snap.QueueSize,
	})
	return nil
}

// worker pops events with a bounded wait so shutdown stays responsive,
// then dispatches each to the matching subscriptions.
func (b *Bus) worker(ctx context.Context, id int) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		ev, ok := b.queue.Pop(ctx, b.clk, b.cfg.PopTimeout)
		if !ok {
			continue
		}

		subs := b.registry.ForEvent(ev.Type)
		if len(subs) == 0 {
			b.logger.Debug("event has no subscribers",
				"worker", id, "event_id", ev.ID, "event_type", ev.Type)
			b.stats.recordResult(Result{EventID: ev.ID, EventType: ev.Type})
			continue
		}

		res := b.processor.ProcessEvent(ctx, ev, subs)
		b.stats.recordResult(res)
	}
}

// Publish stamps priority and publish-time metadata on ev and enqueues
// it. Returns false when the bus is not running, the event type is
// unknown or the queue is full; a full queue additionally reports one
// structured QueueError. Publish never blocks.
func (b *Bus) Publish(ctx context.Context, ev Event, priority int) bool {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		b.logger.Debug("publish rejected, bus not running", "event_type", ev.Type)
		return false
	}

	if !ev.Type.Valid() {
		b.report(ctx, faults.NewValidationError("eventbus", "publish",
			"unknown event type", ErrUnknownEventType,
			faults.WithMetadata("event_type", string(ev.Type))))
		return false
	}

	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clk.Now().UTC()
	}
	ev = ev.withMetadata(map[string]any{
		MetaPriority:    priority,
		MetaPublishedAt: b.clk.Now().UTC().Format(time.RFC3339Nano),
	})

	if b.cfg.EnablePersistence && b.journal != nil {
		b.journalAppend(ctx, ev)
	}

	if err := b.queue.Push(ev, priority); err != nil {
		b.stats.recordDrop()
		b.report(ctx, faults.NewQueueError("eventbus", "publish",
			"queue full, event dropped", err,
			faults.WithCorrelationID(ev.ID),
			faults.WithMetadata("event_type", string(ev.Type)),
			faults.WithMetadata("queue_capacity", b.cfg.MaxQueueSize)))
		b.emit(ctx, OpsEventDropped, map[string]any{
			"event_id":       ev.ID,
			"event_type":     string(ev.Type),
			"queue_capacity": b.cfg.MaxQueueSize,
		})
		return false
	}

	b.stats.recordPublish()
	return true
}

// PublishMany publishes each event at the same priority and returns how
// many were accepted.
func (b *Bus) PublishMany(ctx context.Context, events []Event, priority int) int {
	accepted := 0
	for _, ev := range events {
		if b.Publish(ctx, ev, priority) {
			accepted++
		}
	}
	return accepted
}

// PublishTopic resolves a wire topic to its event type and publishes
// payload under it. Unmapped topics are rejected with a validation
// error.
func (b *Bus) PublishTopic(ctx context.Context, topic string, payload any, priority int) bool {
	t, err := TypeForTopic(topic)
	if err != nil {
		b.report(ctx, faults.NewValidationError("eventbus", "publish_topic",
			"topic has no event type mapping", err,
			faults.WithMetadata("topic", topic)))
		return false
	}
	return b.Publish(ctx, NewEvent(t, payload), priority)
}

func (b *Bus) journalAppend(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event journal marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := b.journal.AppendEvent(ctx, ev.Type.Topic(), ev.ID, payload); err != nil {
		b.logger.Warn("event journal append failed", "event_id", ev.ID, "error", err)
	}
}

// SubscribeOption adjusts one subscription at creation time.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	types      []EventType
	priority   int
	maxRetries int
}

// WithEventTypes restricts the subscription to the given event types.
// Without it the subscription receives every event.
func WithEventTypes(types ...EventType) SubscribeOption {
	return func(o *subscribeOptions) { o.types = types }
}

// WithSubPriority sets the dispatch priority; higher runs first.
func WithSubPriority(priority int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = priority }
}

// WithMaxRetries sets the consecutive-failure budget. Zero deactivates
// the subscription on its first failure.
func WithMaxRetries(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.maxRetries = n }
}

// Subscribe registers a handler. Defaults come from the subscription
// config: all event types, default priority and retry budget.
// Subscribing does not require a running bus.
func (b *Bus) Subscribe(subscriberID string, handler Handler, opts ...SubscribeOption) (string, error) {
	o := subscribeOptions{
		priority:   b.cfg.Subscription.DefaultPriority,
		maxRetries: b.cfg.Subscription.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	sub, err := b.registry.Add(subscriberID, handler, o.types, o.priority, o.maxRetries)
	if err != nil {
		b.report(context.Background(), err)
		return "", err
	}
	b.emit(context.Background(), OpsEventSubscriptionCreated, map[string]any{
		"subscription_id": sub.ID,
		"subscriber_id":   subscriberID,
		"priority":        o.priority,
	})
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Returns false for unknown IDs.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	removed := b.registry.Remove(subscriptionID)
	if removed {
		b.emit(context.Background(), OpsEventSubscriptionRemoved, map[string]any{
			"subscription_id": subscriptionID,
		})
	}
	return removed
}

// Metrics returns a snapshot of all bus counters.
func (b *Bus) Metrics() BusMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metricsLocked()
}

func (b *Bus) metricsLocked() BusMetrics {
	b.stats.mu.Lock()
	m := BusMetrics{
		Running:            b.started,
		Workers:            b.cfg.NumWorkers,
		EventsPublished:    b.stats.published,
		EventsDropped:      b.stats.dropped,
		EventsProcessed:    b.stats.eventsProcessed,
		EventsFailed:       b.stats.eventsFailed,
		SuccessfulHandlers: b.stats.successfulHandlers,
		FailedHandlers:     b.stats.failedHandlers,
		SkippedHandlers:    b.stats.skippedHandlers,
	}
	if b.stats.eventsProcessed > 0 {
		m.AverageProcessingTime = b.stats.totalProcessing / time.Duration(b.stats.eventsProcessed)
	}
	b.stats.mu.Unlock()

	m.QueueSize = b.queue.Len()
	m.QueueCapacity = b.queue.Cap()
	m.Subscriptions = b.registry.Count()
	m.ActiveSubscriptions = b.registry.ActiveCount()
	m.DeadLetterSize = b.dlq.Size()
	m.DeadLetterDropped = b.dlq.Dropped()
	return m
}

// ResetMetrics zeroes the event and handler counters. Queue, registry
// and DLQ sizes are live gauges and are not affected.
func (b *Bus) ResetMetrics() {
	b.stats.reset()
}

// HealthCheck reports whether the bus is running and how full its
// queue is.
func (b *Bus) HealthCheck() Health {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	status := "stopped"
	if started {
		status = "running"
	}
	h := Health{
		Status:              status,
		Workers:             b.cfg.NumWorkers,
		QueueSize:           b.queue.Len(),
		QueueCapacity:       b.queue.Cap(),
		Subscriptions:       b.registry.Count(),
		ActiveSubscriptions: b.registry.ActiveCount(),
		DeadLetterSize:      b.dlq.Size(),
	}
	if h.QueueCapacity > 0 {
		h.QueueUsage = float64(h.QueueSize) / float64(h.QueueCapacity)
	}
	return h
}

// DeadLetterEvents returns up to limit dead-lettered events, oldest
// first, without consuming them.
func (b *Bus) DeadLetterEvents(limit int) []Event {
	return b.dlq.Events(limit)
}

// SubscriptionInfos snapshots every subscription for the ops surface.
func (b *Bus) SubscriptionInfos() []Info {
	return b.registry.Infos()
}

// BreakerSnapshots returns per-subscriber circuit breaker state.
func (b *Bus) BreakerSnapshots() map[string]BreakerSnapshot {
	return b.processor.BreakerSnapshots()
}

func (b *Bus) report(ctx context.Context, err error) {
	if b.fm != nil {
		b.fm.Handle(ctx, err)
		return
	}
	b.logger.Warn("bus error", "error", err)
}
