package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/market"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// seriesRows builds n consecutive bars of width w whose final close
// lands 1ms before end, in the venue's positional form.
func seriesRows(n int, w time.Duration, end time.Time) [][]any {
	rows := make([][]any, 0, n)
	first := end.Add(-time.Duration(n) * w)
	for i := 0; i < n; i++ {
		open := first.Add(time.Duration(i) * w)
		close := open.Add(w).Add(-time.Millisecond)
		rows = append(rows, klineRow(open.UnixMilli(), close.UnixMilli(), "100", "110", "95", "105"))
	}
	return rows
}

// klinesVenue mimics the venue's kline endpoint: rows at or after
// startTime, capped at limit, with per-request capture.
type klinesVenue struct {
	mu     sync.Mutex
	rows   [][]any
	calls  int
	starts []int64

	// intercept, when set, may fully handle a request. It runs under
	// the venue mutex with the call already counted.
	intercept func(call int, w http.ResponseWriter, r *http.Request) bool
}

func (v *klinesVenue) handler(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
	v.starts = append(v.starts, start)

	if v.intercept != nil && v.intercept(v.calls, w, r) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out := make([][]any, 0, limit)
	for _, row := range v.rows {
		if row[0].(int64) < start {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (v *klinesVenue) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *klinesVenue) startTimes() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int64(nil), v.starts...)
}

type backfillFixture struct {
	cfg   Config
	rest  *RESTClient
	store *memStore
	bus   *captureBus
	state *State
	bf    *Backfiller
}

func newBackfillFixture(t *testing.T, srv *httptest.Server, clk clock.Clock, fm *faults.Manager, mutate func(*Config)) *backfillFixture {
	t.Helper()
	cfg := validConfig()
	cfg.RESTBaseURL = srv.URL
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Timeframes = []string{"5m"}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	f := &backfillFixture{cfg: cfg, store: newMemStore(), bus: &captureBus{}}
	f.rest = NewRESTClient(cfg)
	var err error
	f.state, err = NewState(cfg.venue(), cfg.DedupCacheSize)
	require.NoError(t, err)
	f.bf = NewBackfiller(cfg, f.rest, f.store, f.bus, f.state, clk, testLogger(), fm)
	return f
}

func TestBackfiller_CatchUpPagesThroughHistory(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(1440, time.Minute, fixedNow)}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, func(c *Config) {
		c.Timeframes = []string{"1m"}
		c.BackfillWindow = 24 * time.Hour
	})

	done := make(chan error, 1)
	go func() { done <- f.bf.CatchUp(context.Background()) }()

	// One full page of 1000 rows, then the inter-page pause.
	require.NoError(t, clk.WaitAdvance(f.cfg.BatchDelay, 5*time.Second, 1))
	require.NoError(t, <-done)

	assert.Equal(t, 2, venue.callCount())
	assert.Equal(t, 1440, f.store.candleCount())
	assert.Equal(t, 1440, f.bus.count())
	assert.Equal(t, uint64(1440), f.state.Stats().CandlesFilled)

	starts := venue.startTimes()
	require.Len(t, starts, 2)
	assert.Equal(t, fixedNow.Add(-24*time.Hour).UnixMilli(), starts[0])
	assert.Greater(t, starts[1], starts[0], "the second page resumes past the first")

	ev, prio := f.bus.last()
	assert.Equal(t, f.cfg.BackfillPriority, prio)
	assert.Equal(t, true, ev.Metadata[MetaHistorical])
}

func TestBackfiller_ResumesAfterLatestPersistedCandle(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(6, 5*time.Minute, fixedNow)}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	seeded := testCandle(market.VenueSpot, "BTCUSDT", market.TF5m, fixedNow.Add(-35*time.Minute))
	require.NoError(t, f.store.UpsertCandle(context.Background(), seeded))

	require.NoError(t, f.bf.CatchUp(context.Background()))

	starts := venue.startTimes()
	require.Len(t, starts, 1)
	assert.Equal(t, seeded.CloseTime.Add(time.Millisecond).UnixMilli(), starts[0],
		"fill resumes 1ms past the newest persisted close")
	assert.Equal(t, 7, f.store.candleCount(), "seed plus six fetched bars")
	assert.Equal(t, 6, f.bus.count())
}

func TestBackfiller_StreamWatermarkBeatsStore(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(2, 5*time.Minute, fixedNow)}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	stale := testCandle(market.VenueSpot, "BTCUSDT", market.TF5m, fixedNow.Add(-time.Hour))
	require.NoError(t, f.store.UpsertCandle(context.Background(), stale))
	watermark := fixedNow.Add(-10 * time.Minute).Add(-time.Millisecond)
	f.state.setLastClose("BTCUSDT", market.TF5m, watermark)

	require.NoError(t, f.bf.CatchUp(context.Background()))

	starts := venue.startTimes()
	require.Len(t, starts, 1)
	assert.Equal(t, watermark.Add(time.Millisecond).UnixMilli(), starts[0],
		"the stream watermark outranks persisted history")
	assert.Equal(t, 2, f.bus.count())
}

func TestBackfiller_FillGapsSkipsPersistedBars(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(4, 5*time.Minute, fixedNow)}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	// The stream watermark trails a bar the live path already
	// persisted, so the refetched window contains one duplicate.
	persisted := testCandle(market.VenueSpot, "BTCUSDT", market.TF5m, fixedNow.Add(-15*time.Minute))
	require.NoError(t, f.store.UpsertCandle(context.Background(), persisted))
	f.state.setLastClose("BTCUSDT", market.TF5m, fixedNow.Add(-20*time.Minute).Add(-time.Millisecond))

	require.NoError(t, f.bf.FillGaps(context.Background()))

	starts := venue.startTimes()
	require.Len(t, starts, 1)
	assert.Equal(t, fixedNow.Add(-20*time.Minute).UnixMilli(), starts[0])

	assert.Equal(t, 3, f.bus.count(), "only missing bars are published")
	assert.Equal(t, uint64(1), f.state.Stats().DedupSkipped)
	assert.Equal(t, uint64(3), f.state.Stats().CandlesFilled)

	ev, _ := f.bus.last()
	assert.Equal(t, true, ev.Metadata[MetaGapFill])
	assert.Nil(t, ev.Metadata[MetaHistorical])
}

func TestBackfiller_HonorsRetryAfter(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(3, 5*time.Minute, fixedNow)}
	venue.intercept = func(call int, w http.ResponseWriter, _ *http.Request) bool {
		if call == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		}
		return false
	}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	done := make(chan error, 1)
	go func() { done <- f.bf.CatchUp(context.Background()) }()

	require.NoError(t, clk.WaitAdvance(2*time.Second, 5*time.Second, 1),
		"the fill must pause for exactly the advertised Retry-After")
	require.NoError(t, <-done)

	assert.Equal(t, 2, venue.callCount())
	assert.Equal(t, 3, f.store.candleCount())
	assert.Equal(t, uint64(1), f.state.Stats().RateLimitHits)
}

func TestBackfiller_AbortsAfterRateLimitBudget(t *testing.T) {
	venue := &klinesVenue{}
	venue.intercept = func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	fm := faults.NewManager(testLogger())
	metrics := faults.NewMetricsHandler(clk)
	fm.Register(metrics)
	f := newBackfillFixture(t, srv, clk, fm, nil)

	done := make(chan error, 1)
	go func() { done <- f.bf.CatchUp(context.Background()) }()

	// Retry-After doubles per consecutive hit: 1s, 2s, 4s, then abort.
	require.NoError(t, clk.WaitAdvance(1*time.Second, 5*time.Second, 1))
	require.NoError(t, clk.WaitAdvance(2*time.Second, 5*time.Second, 1))
	require.NoError(t, clk.WaitAdvance(4*time.Second, 5*time.Second, 1))
	require.NoError(t, <-done, "an aborted series must not fail the run")

	assert.Equal(t, 4, venue.callCount())
	assert.Equal(t, 0, f.store.candleCount())
	assert.Equal(t, uint64(1), f.state.Stats().TasksAborted)
	assert.Equal(t, uint64(1), metrics.Snapshot().ByCategory[faults.CategoryNetwork])
}

func TestBackfiller_WidensRecvWindowOnDrift(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(2, 5*time.Minute, fixedNow)}
	venue.intercept = func(call int, w http.ResponseWriter, _ *http.Request) bool {
		if call == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return true
		}
		return false
	}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	require.NoError(t, f.bf.CatchUp(context.Background()))

	assert.Equal(t, 2, venue.callCount(), "drift retries immediately, no backoff")
	assert.Equal(t, 10*time.Second, f.rest.RecvWindow(), "the receive window doubled")
	assert.Equal(t, 2, f.store.candleCount())
}

func TestBackfiller_TaskFailureIsIsolated(t *testing.T) {
	venue := &klinesVenue{rows: seriesRows(3, 5*time.Minute, fixedNow)}
	venue.intercept = func(_ int, w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("symbol") == "BADUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
			return true
		}
		return false
	}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, func(c *Config) {
		c.Symbols = []string{"BADUSDT", "BTCUSDT"}
	})

	require.NoError(t, f.bf.CatchUp(context.Background()),
		"one bad series must not fail the others")

	assert.Equal(t, 3, f.store.candleCount(), "the healthy series still fills")
	assert.Equal(t, uint64(1), f.state.Stats().TasksAborted)
}

func TestBackfiller_SkipsStillOpenBar(t *testing.T) {
	rows := seriesRows(2, 5*time.Minute, fixedNow)
	openBar := klineRow(fixedNow.UnixMilli(), fixedNow.Add(5*time.Minute).Add(-time.Millisecond).UnixMilli(),
		"105", "109", "104", "107")
	venue := &klinesVenue{rows: append(rows, openBar)}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	require.NoError(t, f.bf.CatchUp(context.Background()))

	assert.Equal(t, 2, f.store.candleCount(), "the in-progress bar is never persisted")
	assert.Equal(t, 2, f.bus.count())
}

func TestBackfiller_EmptyHistoryIsNoop(t *testing.T) {
	venue := &klinesVenue{}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	require.NoError(t, f.bf.CatchUp(context.Background()))
	assert.Equal(t, 1, venue.callCount())
	assert.Equal(t, 0, f.bus.count())
}

func TestBackfiller_CancelInterruptsBackoff(t *testing.T) {
	venue := &klinesVenue{}
	venue.intercept = func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	}
	srv := httptest.NewServer(http.HandlerFunc(venue.handler))
	defer srv.Close()

	clk := testclock.NewClock(fixedNow)
	f := newBackfillFixture(t, srv, clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bf.CatchUp(ctx) }()

	select {
	case <-clk.Alarms():
	case <-time.After(5 * time.Second):
		t.Fatal("backfiller never reached the backoff wait")
	}
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}
