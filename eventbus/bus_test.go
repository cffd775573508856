package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/online-trading-sub000/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBusConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 64
	cfg.NumWorkers = 2
	cfg.DeadLetterQueueSize = 10
	cfg.PopTimeout = 20 * time.Millisecond
	cfg.Processing.RetryDelay = time.Millisecond
	cfg.Processing.MaxProcessingTime = 200 * time.Millisecond
	return cfg
}

type memJournal struct {
	mu      sync.Mutex
	topics  []string
	ids     []string
	payload [][]byte
}

func (j *memJournal) AppendEvent(_ context.Context, topic, eventID string, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.topics = append(j.topics, topic)
	j.ids = append(j.ids, eventID)
	j.payload = append(j.payload, payload)
	return nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ids)
}

func TestBus_StartStop_Idempotent(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx), "second start is a no-op")
	assert.True(t, bus.Metrics().Running)

	assert.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, nil), 0))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(stopCtx))
	require.NoError(t, bus.Stop(stopCtx), "second stop is a no-op")

	assert.False(t, bus.Metrics().Running)
	assert.False(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, nil), 0),
		"a stopped bus rejects publishes")
}

func TestBus_Publish_RejectedBeforeStart(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)

	assert.False(t, bus.Publish(context.Background(), NewEvent(EventTypeSystemStatus, nil), 0))
	assert.Equal(t, uint64(0), bus.Metrics().EventsPublished)
}

func TestBus_Publish_UnknownTypeIsValidationError(t *testing.T) {
	fm := faults.NewManager(testLogger())
	metrics := faults.NewMetricsHandler(nil)
	fm.Register(metrics)

	bus, err := New(testBusConfig(), WithLogger(testLogger()), WithFaultManager(fm))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	ok := bus.Publish(ctx, Event{Type: "NOT_A_TYPE"}, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), metrics.Snapshot().ByCategory[faults.CategoryValidation])
}

func TestBus_Publish_StampsMetadataWithoutMutatingCaller(t *testing.T) {
	cfg := testBusConfig()
	bus, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Event
	_, err = bus.Subscribe("capture", func(_ context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}, WithEventTypes(EventTypeCandleUpdate))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	original := NewEvent(EventTypeCandleUpdate, "body")
	original.Metadata = map[string]any{"source": "unit"}
	require.True(t, bus.Publish(ctx, original, 7))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := seen[0]
	mu.Unlock()
	assert.Equal(t, 7, got.Metadata[MetaPriority])
	assert.NotEmpty(t, got.Metadata[MetaPublishedAt])
	assert.Equal(t, "unit", got.Metadata["source"])

	assert.NotContains(t, original.Metadata, MetaPriority,
		"publish works on a copy of the caller's metadata")
}

func TestBus_Dispatch_PriorityOrderWithinEvent(t *testing.T) {
	cfg := testBusConfig()
	cfg.NumWorkers = 1
	bus, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context, Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err = bus.Subscribe("A", record("A"), WithEventTypes(EventTypeCandleUpdate), WithSubPriority(10))
	require.NoError(t, err)
	_, err = bus.Subscribe("B", record("B"), WithEventTypes(EventTypeCandleUpdate), WithSubPriority(1))
	require.NoError(t, err)
	_, err = bus.Subscribe("C", record("C"), WithEventTypes(EventTypeCandleUpdate), WithSubPriority(5))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	require.True(t, bus.Publish(ctx, NewEvent(EventTypeCandleUpdate, nil), 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "C", "B"}, order)
}

func TestBus_RetryExhaustion_DeadLettersOnce(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = bus.Subscribe("flaky", func(context.Context, Event) error {
		return assert.AnError
	}, WithEventTypes(EventTypeCandleUpdate), WithMaxRetries(2))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	ev := NewEvent(EventTypeCandleUpdate, "doomed")
	require.True(t, bus.Publish(ctx, ev, 0))

	require.Eventually(t, func() bool {
		return bus.Metrics().ActiveSubscriptions == 0 && len(bus.DeadLetterEvents(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	dead := bus.DeadLetterEvents(0)
	require.Len(t, dead, 1)
	assert.Equal(t, ev.ID, dead[0].ID)
	assert.NotEmpty(t, dead[0].Metadata[MetaDeadLetterReason])

	infos := bus.SubscriptionInfos()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Active)
	assert.Equal(t, 3, infos[0].RetryCount)

	m := bus.Metrics()
	assert.Equal(t, uint64(1), m.EventsFailed)
	assert.Equal(t, 1, m.DeadLetterSize)
}

func TestBus_QueueOverflow_DropsNewestAndReportsOnce(t *testing.T) {
	fm := faults.NewManager(testLogger())
	metrics := faults.NewMetricsHandler(nil)
	fm.Register(metrics)

	cfg := testBusConfig()
	cfg.MaxQueueSize = 2
	cfg.NumWorkers = 1
	bus, err := New(cfg, WithLogger(testLogger()), WithFaultManager(fm))
	require.NoError(t, err)
	ctx := context.Background()

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	_, err = bus.Subscribe("blocker", func(context.Context, Event) error {
		started <- struct{}{}
		<-release
		return nil
	}, WithEventTypes(EventTypeSystemStatus))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer func() {
		close(release)
		bus.Stop(ctx)
	}()

	// First event occupies the single worker.
	require.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, 1), 0))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	// Two more fill the queue; the fourth overflows.
	assert.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, 2), 0))
	assert.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, 3), 0))
	assert.False(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, 4), 0))

	m := bus.Metrics()
	assert.Equal(t, uint64(1), m.EventsDropped)
	assert.Equal(t, uint64(1), metrics.Snapshot().ByCategory[faults.CategoryQueue],
		"exactly one queue error per dropped publish")
}

func TestBus_QueueCapacityOne_SecondQueuedPublishFails(t *testing.T) {
	cfg := testBusConfig()
	cfg.MaxQueueSize = 1
	cfg.NumWorkers = 1
	bus, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	_, err = bus.Subscribe("blocker", func(context.Context, Event) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer func() {
		close(release)
		bus.Stop(ctx)
	}()

	require.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, nil), 0))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	assert.True(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, nil), 0))
	assert.False(t, bus.Publish(ctx, NewEvent(EventTypeSystemStatus, nil), 0))
}

func TestBus_PublishMany_CountsAccepted(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	events := []Event{
		NewEvent(EventTypeSystemStatus, 1),
		NewEvent(EventTypeSystemStatus, 2),
		NewEvent(EventTypeSystemStatus, 3),
	}
	assert.Equal(t, 0, bus.PublishMany(ctx, events, 0), "bus not started")

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)
	assert.Equal(t, 3, bus.PublishMany(ctx, events, 0))
}

func TestBus_PublishTopic_MapsToEventType(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Event
	_, err = bus.Subscribe("capture", func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, WithEventTypes(EventTypeCandleUpdate))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	assert.True(t, bus.PublishTopic(ctx, TopicCandles, map[string]any{"symbol": "BTCUSDT"}, 0))
	assert.False(t, bus.PublishTopic(ctx, "nonsense.v1", nil, 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTypeCandleUpdate, got[0].Type)
}

func TestBus_Journal_AppendsOnPublish(t *testing.T) {
	cfg := testBusConfig()
	cfg.EnablePersistence = true
	journal := &memJournal{}
	bus, err := New(cfg, WithLogger(testLogger()), WithJournal(journal))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	ev := NewEvent(EventTypeCandleUpdate, map[string]any{"symbol": "BTCUSDT"})
	require.True(t, bus.Publish(ctx, ev, 2))

	require.Equal(t, 1, journal.len(), "journal append happens before enqueue")
	assert.Equal(t, TopicCandles, journal.topics[0])
	assert.Equal(t, ev.ID, journal.ids[0])

	var stored Event
	require.NoError(t, json.Unmarshal(journal.payload[0], &stored))
	assert.Equal(t, ev.ID, stored.ID)
	assert.Equal(t, EventTypeCandleUpdate, stored.Type)
}

func TestBus_SubscribeDefaults_ComeFromConfig(t *testing.T) {
	cfg := testBusConfig()
	cfg.Subscription.DefaultPriority = 4
	cfg.Subscription.DefaultMaxRetries = 7
	bus, err := New(cfg, WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = bus.Subscribe("svc", noopHandler)
	require.NoError(t, err)

	infos := bus.SubscriptionInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, 4, infos[0].Priority)
	assert.Equal(t, 7, infos[0].MaxRetries)
	assert.Empty(t, infos[0].EventTypes, "no type filter means all events")
}

func TestBus_Unsubscribe_RestoresCounters(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)

	before := bus.Metrics().Subscriptions
	id, err := bus.Subscribe("svc", noopHandler)
	require.NoError(t, err)
	assert.Equal(t, before+1, bus.Metrics().Subscriptions)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, before, bus.Metrics().Subscriptions)
}

func TestBus_Metrics_AggregateAndReset(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = bus.Subscribe("ok", func(context.Context, Event) error { return nil },
		WithEventTypes(EventTypeCandleUpdate))
	require.NoError(t, err)

	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	require.True(t, bus.Publish(ctx, NewEvent(EventTypeCandleUpdate, 1), 0))
	require.True(t, bus.Publish(ctx, NewEvent(EventTypeCandleUpdate, 2), 0))

	require.Eventually(t, func() bool {
		return bus.Metrics().EventsProcessed == 2
	}, 2*time.Second, 5*time.Millisecond)

	m := bus.Metrics()
	assert.Equal(t, uint64(2), m.EventsPublished)
	assert.Equal(t, uint64(2), m.SuccessfulHandlers)
	assert.Equal(t, uint64(0), m.EventsFailed)
	assert.Equal(t, 64, m.QueueCapacity)
	assert.Equal(t, 2, m.Workers)
	assert.Equal(t, 1, m.ActiveSubscriptions)

	bus.ResetMetrics()
	m = bus.Metrics()
	assert.Equal(t, uint64(0), m.EventsPublished)
	assert.Equal(t, uint64(0), m.EventsProcessed)
	assert.Equal(t, 1, m.Subscriptions, "registry state is a gauge, not a counter")
}

func TestBus_HealthCheck_ReflectsLifecycle(t *testing.T) {
	bus, err := New(testBusConfig(), WithLogger(testLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	h := bus.HealthCheck()
	assert.Equal(t, "stopped", h.Status)

	require.NoError(t, bus.Start(ctx))
	h = bus.HealthCheck()
	assert.Equal(t, "running", h.Status)
	assert.Equal(t, 64, h.QueueCapacity)
	assert.InDelta(t, 0.0, h.QueueUsage, 0.01)

	require.NoError(t, bus.Stop(ctx))
	assert.Equal(t, "stopped", bus.HealthCheck().Status)
}
