package telemetry

import (
	"context"
	"fmt"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdExporter periodically flushes bus counters as gauges (monotonic)
// to DogStatsD / StatsD compatible endpoints. It is pull-based: each
// interval it reads the current cumulative counts and submits them.
type StatsdExporter struct {
	bus      BusSource
	faults   FaultSource
	client   *statsd.Client
	prefix   string
	interval time.Duration
	baseTags []string
}

// NewStatsdExporter creates a new exporter. addr example: "127.0.0.1:8125".
// prefix defaults to "trading" if empty. interval must be > 0. faults may
// be nil, in which case error aggregates are not exported.
func NewStatsdExporter(bus BusSource, faults FaultSource, prefix, addr string, interval time.Duration, baseTags []string) (*StatsdExporter, error) {
	if bus == nil {
		return nil, ErrNilSource
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if prefix == "" {
		prefix = "trading"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating statsd client: %w", err)
	}
	return &StatsdExporter{
		bus:      bus,
		faults:   faults,
		client:   client,
		prefix:   prefix,
		interval: interval,
		baseTags: baseTags,
	}, nil
}

// Run starts the export loop until context cancellation.
func (e *StatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *StatsdExporter) flush() {
	m := e.bus.Metrics()

	_ = e.client.Gauge("bus.events_published", float64(m.EventsPublished), e.baseTags, 1)
	_ = e.client.Gauge("bus.events_dropped", float64(m.EventsDropped), e.baseTags, 1)
	_ = e.client.Gauge("bus.events_processed", float64(m.EventsProcessed), e.baseTags, 1)
	_ = e.client.Gauge("bus.events_failed", float64(m.EventsFailed), e.baseTags, 1)
	_ = e.client.Gauge("bus.handlers", float64(m.SuccessfulHandlers), e.tags("outcome:success"), 1)
	_ = e.client.Gauge("bus.handlers", float64(m.FailedHandlers), e.tags("outcome:failure"), 1)
	_ = e.client.Gauge("bus.handlers", float64(m.SkippedHandlers), e.tags("outcome:skipped"), 1)
	_ = e.client.Gauge("bus.queue_depth", float64(m.QueueSize), e.baseTags, 1)
	_ = e.client.Gauge("bus.queue_capacity", float64(m.QueueCapacity), e.baseTags, 1)
	_ = e.client.Gauge("bus.subscriptions", float64(m.Subscriptions), e.tags("state:total"), 1)
	_ = e.client.Gauge("bus.subscriptions", float64(m.ActiveSubscriptions), e.tags("state:active"), 1)
	_ = e.client.Gauge("bus.dead_letter_depth", float64(m.DeadLetterSize), e.baseTags, 1)
	_ = e.client.Gauge("bus.dead_letter_dropped", float64(m.DeadLetterDropped), e.baseTags, 1)
	_ = e.client.Gauge("bus.processing_ms_avg", float64(m.AverageProcessingTime.Milliseconds()), e.baseTags, 1)

	if e.faults != nil {
		snap := e.faults.Snapshot()
		_ = e.client.Gauge("errors.total", float64(snap.Total), e.baseTags, 1)
		_ = e.client.Gauge("errors.per_minute", float64(snap.RatePerMinute), e.baseTags, 1)
		for category, n := range snap.ByCategory {
			_ = e.client.Gauge("errors.by_category", float64(n), e.tags("category:"+string(category)), 1)
		}
	}

	// Force the buffered payloads out so the cadence observed by the
	// endpoint matches the configured interval.
	_ = e.client.Flush()
}

// tags returns baseTags plus extras without aliasing the base slice.
func (e *StatsdExporter) tags(extra ...string) []string {
	out := make([]string, 0, len(e.baseTags)+len(extra))
	out = append(out, e.baseTags...)
	return append(out, extra...)
}

// Close closes the underlying statsd client.
func (e *StatsdExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("telemetry: closing statsd client: %w", err)
	}
	return nil
}
