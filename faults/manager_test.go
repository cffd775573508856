package faults

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	name string
	seen []*Error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, e *Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, e)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type panickingHandler struct{}

func (panickingHandler) Name() string { return "panics" }

func (panickingHandler) Handle(context.Context, *Error) { panic("handler bug") }

func TestManager_Handle_FansOutInOrder(t *testing.T) {
	m := NewManager(slog.Default())
	first := &recordingHandler{name: "first"}
	second := &recordingHandler{name: "second"}
	m.Register(first)
	m.Register(second)

	e := NewQueueError("bus", "publish", "full", nil)
	m.Handle(context.Background(), e)

	require.Equal(t, 1, first.count())
	require.Equal(t, 1, second.count())
	assert.Same(t, e, first.seen[0])
}

func TestManager_Handle_NilIsIgnored(t *testing.T) {
	m := NewManager(slog.Default())
	h := &recordingHandler{name: "h"}
	m.Register(h)

	m.Handle(context.Background(), nil)
	assert.Zero(t, h.count())
}

func TestManager_Handle_ClassifiesPlainErrors(t *testing.T) {
	m := NewManager(slog.Default())
	h := &recordingHandler{name: "h"}
	m.Register(h)

	m.Handle(context.Background(), errors.New("plain failure"))

	require.Equal(t, 1, h.count())
	assert.Equal(t, CategoryProcessing, h.seen[0].Context.Category)
}

func TestManager_Handle_ContainsHandlerPanics(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(slog.New(slog.NewTextHandler(&buf, nil)))
	after := &recordingHandler{name: "after"}
	m.Register(panickingHandler{})
	m.Register(after)

	m.Handle(context.Background(), NewQueueError("bus", "publish", "full", nil))

	assert.Equal(t, 1, after.count(), "handlers after the panicking one must still run")
	assert.Contains(t, buf.String(), "error handler panicked")
}

func TestLogHandler_SeverityMapsToLevel(t *testing.T) {
	tests := []struct {
		severity Severity
		level    string
	}{
		{SeverityCritical, "level=ERROR"},
		{SeverityHigh, "level=ERROR"},
		{SeverityMedium, "level=WARN"},
		{SeverityLow, "level=INFO"},
	}
	for _, tc := range tests {
		t.Run(string(tc.severity), func(t *testing.T) {
			var buf bytes.Buffer
			h := NewLogHandler(slog.New(slog.NewTextHandler(&buf, nil)))

			h.Handle(context.Background(), New(CategoryNetwork, "ingest", "dial", "failed", errors.New("refused"),
				WithSeverity(tc.severity), WithCorrelationID("evt-1")))

			out := buf.String()
			assert.Contains(t, out, tc.level)
			assert.Contains(t, out, "category=NETWORK")
			assert.Contains(t, out, "component=ingest")
			assert.Contains(t, out, "correlation_id=evt-1")
			assert.Contains(t, out, "cause=refused")
		})
	}
}

func TestMetricsHandler_CountsAndRecentRing(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewMetricsHandler(clk)
	ctx := context.Background()

	for i := 0; i < recentErrorCap+20; i++ {
		h.Handle(ctx, NewProcessingError("proc", "dispatch", "handler failed", nil))
	}
	h.Handle(ctx, NewQueueError("bus", "publish", "full", nil, WithSeverity(SeverityCritical)))

	snap := h.Snapshot()
	assert.Equal(t, uint64(recentErrorCap+21), snap.Total)
	assert.Equal(t, uint64(recentErrorCap+20), snap.ByCategory[CategoryProcessing])
	assert.Equal(t, uint64(1), snap.ByCategory[CategoryQueue])
	assert.Equal(t, uint64(1), snap.BySeverity[SeverityCritical])
	assert.Len(t, snap.Recent, recentErrorCap, "recent ring is bounded")
	assert.Equal(t, CategoryQueue, snap.Recent[len(snap.Recent)-1].Category, "newest entry last")
}

func TestMetricsHandler_RatePerMinuteWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewMetricsHandler(clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, NewNetworkError("ingest", "read", "drop", nil))
	}
	assert.Equal(t, 5, h.Snapshot().RatePerMinute)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 0, h.Snapshot().RatePerMinute, "old entries age out of the window")
	assert.Equal(t, uint64(5), h.Snapshot().Total, "totals never age out")
}

func TestRetryHandler_RetriesUntilSuccess(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewRetryHandler(clk, slog.Default())

	var calls atomic.Int32
	h.RegisterFunc("ingest", "backfill", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("still down")
		}
		return nil
	})

	h.Handle(context.Background(), NewNetworkError("ingest", "backfill", "gap fetch failed", nil))

	// First attempt runs immediately; the second waits on the backoff
	// timer, which fires when the clock advances.
	require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	h.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryHandler_SkipsNonRetryable(t *testing.T) {
	h := NewRetryHandler(testclock.NewClock(time.Now()), slog.Default())

	var calls atomic.Int32
	h.RegisterFunc("config", "load", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	h.Handle(context.Background(), NewConfigurationError("config", "load", "bad yaml", nil))
	h.Wait()
	assert.Zero(t, calls.Load())
}

func TestRetryHandler_IgnoresUnregisteredOperations(t *testing.T) {
	h := NewRetryHandler(testclock.NewClock(time.Now()), slog.Default())
	h.Handle(context.Background(), NewNetworkError("ingest", "dial", "refused", nil))
	h.Wait()
}
