// Package ingest connects the market data pipeline to the venue: a
// websocket ingester per venue streams closed klines, a backfiller
// heals gaps over REST, and a cron sweeper re-runs gap detection on a
// schedule. All three share one State per venue holding last observed
// close times, the dedup cache, and pipeline counters.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

// Metadata keys stamped on backfilled publications. Live stream
// publications carry neither.
const (
	MetaHistorical = "is_historical"
	MetaGapFill    = "is_gap_fill"
)

// Ingest errors.
var (
	ErrIngesterShutdownTimeout = errors.New("ingester shutdown timed out")
	ErrSweeperShutdownTimeout  = errors.New("sweeper shutdown timed out")
	ErrDedupCacheSize          = errors.New("dedup cache size must be positive")
)

// recentBars bounds the in-memory tail of closed candles kept per
// series for the ops readback.
const recentBars = 256

// Publisher is the bus surface the pipeline needs. *eventbus.Bus
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event, priority int) bool
}

// series identifies one candle stream within a venue.
type series struct {
	symbol    string
	timeframe market.Timeframe
}

// pipelineStats are cumulative counters shared by the live and backfill
// paths. Counters are independent, so plain atomics suffice.
type pipelineStats struct {
	framesReceived  atomic.Uint64
	framesOpen      atomic.Uint64
	framesRejected  atomic.Uint64
	candlesIngested atomic.Uint64
	candlesFilled   atomic.Uint64
	dedupSkipped    atomic.Uint64
	publishDropped  atomic.Uint64
	upsertFailures  atomic.Uint64
	dialFailures    atomic.Uint64
	reconnects      atomic.Uint64
	rateLimitHits   atomic.Uint64
	tasksAborted    atomic.Uint64
}

// Stats is a point-in-time snapshot of one venue's pipeline counters.
type Stats struct {
	Venue           string `json:"venue"`
	Connected       bool   `json:"connected"`
	FramesReceived  uint64 `json:"frames_received"`
	FramesOpen      uint64 `json:"frames_open"`
	FramesRejected  uint64 `json:"frames_rejected"`
	CandlesIngested uint64 `json:"candles_ingested"`
	CandlesFilled   uint64 `json:"candles_filled"`
	DedupSkipped    uint64 `json:"dedup_skipped"`
	PublishDropped  uint64 `json:"publish_dropped"`
	UpsertFailures  uint64 `json:"upsert_failures"`
	DialFailures    uint64 `json:"dial_failures"`
	Reconnects      uint64 `json:"reconnects"`
	RateLimitHits   uint64 `json:"rate_limit_hits"`
	TasksAborted    uint64 `json:"tasks_aborted"`
}

// State is the shared per-venue ingest state: last observed closed
// close time per (symbol, timeframe), the dedup key cache fronting the
// store, and the pipeline counters. One State is shared by a venue's
// Ingester and Backfiller so both paths dedup against the same view.
type State struct {
	venue market.Venue

	mu        sync.Mutex
	lastClose map[series]time.Time
	recent    map[series]*market.Ring

	cache *lru.Cache[string, struct{}]
	stats pipelineStats

	connected atomic.Bool
}

// NewState creates the shared state for one venue. dedupSize bounds the
// key cache; keys evicted from it fall back to a store existence check.
func NewState(venue market.Venue, dedupSize int) (*State, error) {
	if dedupSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrDedupCacheSize, dedupSize)
	}
	cache, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &State{
		venue:     venue,
		lastClose: make(map[series]time.Time),
		recent:    make(map[series]*market.Ring),
		cache:     cache,
	}, nil
}

// Venue returns the venue this state belongs to.
func (s *State) Venue() market.Venue { return s.venue }

// Connected reports whether the venue's stream is currently attached.
func (s *State) Connected() bool { return s.connected.Load() }

func (s *State) setConnected(v bool) { s.connected.Store(v) }

// LastClose returns the most recent closed-candle close time observed
// for a series, and whether one has been observed at all.
func (s *State) LastClose(symbol string, tf market.Timeframe) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastClose[series{symbol: symbol, timeframe: tf}]
	return t, ok
}

func (s *State) setLastClose(symbol string, tf market.Timeframe, closeTime time.Time) {
	k := series{symbol: symbol, timeframe: tf}
	s.mu.Lock()
	if closeTime.After(s.lastClose[k]) {
		s.lastClose[k] = closeTime
	}
	s.mu.Unlock()
}

// Recent returns the held tail of closed candles for a series,
// oldest first. Empty until the series has ingested its first candle.
func (s *State) Recent(symbol string, tf market.Timeframe) []market.Candle {
	s.mu.Lock()
	ring := s.recent[series{symbol: symbol, timeframe: tf}]
	s.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Snapshot()
}

// recordRecent pushes a candle onto the series ring. The ring holds the
// advancing tail, so candles older than the newest held are skipped;
// backfill of old history never reorders it.
func (s *State) recordRecent(c market.Candle) {
	k := series{symbol: c.Symbol, timeframe: c.Timeframe}
	s.mu.Lock()
	ring := s.recent[k]
	if ring == nil {
		ring = market.NewRing(recentBars)
		s.recent[k] = ring
	}
	s.mu.Unlock()

	if last, ok := ring.Last(); ok && c.OpenTime.Before(last.OpenTime) {
		return
	}
	ring.Push(c)
}

// seen reports whether the key is in the dedup cache.
func (s *State) seen(key market.CandleKey) bool {
	return s.cache.Contains(key.String())
}

// markSeen records the key in the dedup cache.
func (s *State) markSeen(key market.CandleKey) {
	s.cache.Add(key.String(), struct{}{})
}

// Stats snapshots the pipeline counters.
func (s *State) Stats() Stats {
	return Stats{
		Venue:           string(s.venue),
		Connected:       s.connected.Load(),
		FramesReceived:  s.stats.framesReceived.Load(),
		FramesOpen:      s.stats.framesOpen.Load(),
		FramesRejected:  s.stats.framesRejected.Load(),
		CandlesIngested: s.stats.candlesIngested.Load(),
		CandlesFilled:   s.stats.candlesFilled.Load(),
		DedupSkipped:    s.stats.dedupSkipped.Load(),
		PublishDropped:  s.stats.publishDropped.Load(),
		UpsertFailures:  s.stats.upsertFailures.Load(),
		DialFailures:    s.stats.dialFailures.Load(),
		Reconnects:      s.stats.reconnects.Load(),
		RateLimitHits:   s.stats.rateLimitHits.Load(),
		TasksAborted:    s.stats.tasksAborted.Load(),
	}
}

// emitter is the shared tail of the live and backfill paths: dedup
// against cache then store, idempotent upsert, then publication. The
// returned bool reports whether the candle was new to the pipeline.
type emitter struct {
	venue  market.Venue
	store  store.Store
	bus    Publisher
	state  *State
	logger *slog.Logger
}

func (e *emitter) emit(ctx context.Context, c market.Candle, priority int, meta map[string]any) (bool, error) {
	key := c.Key()
	if e.state.seen(key) {
		e.state.stats.dedupSkipped.Add(1)
		return false, nil
	}
	exists, err := e.store.HasCandle(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", key, err)
	}
	if exists {
		e.state.markSeen(key)
		e.state.stats.dedupSkipped.Add(1)
		return false, nil
	}

	if err := e.store.UpsertCandle(ctx, c); err != nil {
		e.state.stats.upsertFailures.Add(1)
		return false, fmt.Errorf("upsert candle %s: %w", key, err)
	}
	e.state.markSeen(key)
	e.state.recordRecent(c)

	ev := eventbus.NewEvent(eventbus.EventTypeCandleUpdate, c)
	ev.Symbol = c.Symbol
	ev.Timeframe = string(c.Timeframe)
	if len(meta) > 0 {
		ev.Metadata = meta
	}
	if !e.bus.Publish(ctx, ev, priority) {
		// Candle is already persisted; the drop is logged, not fatal.
		e.state.stats.publishDropped.Add(1)
		e.logger.Warn("candle publication dropped", "venue", e.venue, "key", key.String())
	}
	return true, nil
}
