package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

// Backoff bounds for rate-limit and drift recovery.
const (
	// maxRateLimitRetries is how many 429 responses one page fetch
	// absorbs before the series task aborts.
	maxRateLimitRetries = 3

	// maxRateLimitDelay caps the exponential Retry-After backoff.
	maxRateLimitDelay = 5 * time.Minute

	// maxDriftRetries bounds widen-and-retry rounds for venue code
	// -1021 so a persistently skewed clock cannot spin the task.
	maxDriftRetries = 3
)

// Backfiller fetches missing candles over REST and feeds them through
// the same dedup, upsert and publish tail as the live stream. One
// Backfiller serves one venue; its (symbol, timeframe) tasks run
// concurrently under a bounded group.
type Backfiller struct {
	cfg    Config
	venue  market.Venue
	rest   *RESTClient
	store  store.Store
	state  *State
	emit   emitter
	clk    clock.Clock
	logger *slog.Logger
	fm     *faults.Manager
}

// NewBackfiller wires a backfill engine over the venue's shared state.
// fm may be nil, in which case faults are only logged.
func NewBackfiller(cfg Config, rest *RESTClient, st store.Store, bus Publisher, state *State, clk clock.Clock, logger *slog.Logger, fm *faults.Manager) *Backfiller {
	if clk == nil {
		clk = clock.WallClock
	}
	venue := cfg.venue()
	return &Backfiller{
		cfg:    cfg,
		venue:  venue,
		rest:   rest,
		store:  st,
		state:  state,
		emit:   emitter{venue: venue, store: st, bus: bus, state: state, logger: logger},
		clk:    clk,
		logger: logger,
		fm:     fm,
	}
}

// Venue returns the venue this backfiller serves.
func (b *Backfiller) Venue() market.Venue { return b.venue }

// CatchUp fills every configured series up to now, marking published
// events with is_historical. Intended for startup, before the live
// stream attaches.
func (b *Backfiller) CatchUp(ctx context.Context) error {
	return b.run(ctx, MetaHistorical)
}

// FillGaps fills every configured series up to now, marking published
// events with is_gap_fill. Runs after reconnects and on the sweep
// schedule.
func (b *Backfiller) FillGaps(ctx context.Context) error {
	return b.run(ctx, MetaGapFill)
}

// run fans out one task per (symbol, timeframe). A task failure aborts
// only that task; run returns an error only when the context ends.
func (b *Backfiller) run(ctx context.Context, marker string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.BackfillConcurrency)
	for _, symbol := range b.cfg.Symbols {
		for _, tf := range b.cfg.timeframeList() {
			symbol, tf := symbol, tf
			g.Go(func() error {
				return b.fillSeries(ctx, symbol, tf, marker)
			})
		}
	}
	return g.Wait()
}

// fillSeries pages one series forward from its start point to now.
func (b *Backfiller) fillSeries(ctx context.Context, symbol string, tf market.Timeframe, marker string) error {
	start, err := b.startPoint(ctx, symbol, tf)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.abortTask(ctx, symbol, tf, err,
			faults.NewResourceError("backfiller", "start_point", "start point lookup failed", err, b.taskOpts(symbol, tf)...))
		return nil
	}

	meta := map[string]any{marker: true}
	filled := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := b.clk.Now().UTC()
		if !start.Before(now) {
			break
		}

		rows, err := b.fetchPage(ctx, symbol, tf, start, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.abortTask(ctx, symbol, tf, err,
				faults.NewNetworkError("backfiller", "fetch_klines", "kline page fetch failed", err, b.taskOpts(symbol, tf)...))
			return nil
		}
		if len(rows) == 0 {
			break
		}

		reachedLive := false
		for _, row := range rows {
			if row.CloseTime >= now.UnixMilli() {
				// The venue includes the still-open bar; history ends here.
				reachedLive = true
				break
			}
			c, err := row.Candle(b.venue, symbol, tf)
			if err != nil {
				b.state.stats.framesRejected.Add(1)
				b.logger.Warn("rejected history kline", "venue", b.venue, "symbol", symbol, "timeframe", tf, "error", err)
				continue
			}
			fresh, err := b.emit.emit(ctx, c, b.cfg.BackfillPriority, meta)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.abortTask(ctx, symbol, tf, err,
					faults.NewResourceError("backfiller", "persist_candle", "candle persist failed", err, b.taskOpts(symbol, tf)...))
				return nil
			}
			if fresh {
				filled++
				b.state.stats.candlesFilled.Add(1)
			}
			b.state.setLastClose(symbol, tf, c.CloseTime)
		}
		if reachedLive {
			break
		}

		start = time.UnixMilli(rows[len(rows)-1].CloseTime).Add(time.Millisecond).UTC()
		if len(rows) < klineBatchLimit {
			break
		}

		select {
		case <-b.clk.After(b.cfg.BatchDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if filled > 0 {
		b.logger.Info("backfill completed", "venue", b.venue, "symbol", symbol, "timeframe", tf, "candles", filled, "marker", marker)
	}
	return nil
}

// startPoint picks where a series resumes: the last close time seen on
// the stream, else the newest persisted candle, else now minus the
// configured window.
func (b *Backfiller) startPoint(ctx context.Context, symbol string, tf market.Timeframe) (time.Time, error) {
	if last, ok := b.state.LastClose(symbol, tf); ok {
		return last.Add(time.Millisecond), nil
	}
	latest, err := b.store.LatestCandle(ctx, b.venue, symbol, tf)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle %s/%s/%s: %w", b.venue, symbol, tf, err)
	}
	if latest != nil {
		return latest.CloseTime.Add(time.Millisecond), nil
	}
	return b.clk.Now().UTC().Add(-b.cfg.BackfillWindow), nil
}

// fetchPage requests one kline page, absorbing bounded rate-limit
// backoff and timestamp-drift recovery before giving up.
func (b *Backfiller) fetchPage(ctx context.Context, symbol string, tf market.Timeframe, start, end time.Time) ([]market.RESTKline, error) {
	rateLimited := 0
	drifted := 0
	for {
		rows, err := b.rest.Klines(ctx, symbol, tf, start, end, klineBatchLimit)
		if err == nil {
			return rows, nil
		}

		var rl *RateLimitError
		if errors.As(err, &rl) {
			b.state.stats.rateLimitHits.Add(1)
			if rateLimited >= maxRateLimitRetries {
				return nil, fmt.Errorf("rate limit retries exhausted: %w", err)
			}
			delay := rateLimitDelay(rl.RetryAfter, rateLimited)
			rateLimited++
			b.logger.Warn("venue rate limit, backing off",
				"venue", b.venue, "symbol", symbol, "timeframe", tf,
				"delay", delay, "attempt", rateLimited)
			select {
			case <-b.clk.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		var drift *TimeDriftError
		if errors.As(err, &drift) {
			if drifted >= maxDriftRetries {
				return nil, fmt.Errorf("timestamp drift retries exhausted: %w", err)
			}
			drifted++
			widened := b.rest.WidenRecvWindow()
			b.logger.Warn("venue reports timestamp drift, widening receive window",
				"venue", b.venue, "symbol", symbol, "code", drift.Code, "recvWindow", widened)
			continue
		}

		return nil, err
	}
}

// rateLimitDelay applies the exponential schedule retryAfter * 2^attempt,
// capped at maxRateLimitDelay.
func rateLimitDelay(retryAfter time.Duration, attempt int) time.Duration {
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	d := retryAfter << attempt
	if d <= 0 || d > maxRateLimitDelay {
		d = maxRateLimitDelay
	}
	return d
}

// abortTask records one failed series task without failing the group.
func (b *Backfiller) abortTask(ctx context.Context, symbol string, tf market.Timeframe, err error, fault *faults.Error) {
	b.state.stats.tasksAborted.Add(1)
	b.logger.Error("backfill task aborted",
		"venue", b.venue, "symbol", symbol, "timeframe", tf, "error", err)
	if b.fm != nil {
		b.fm.Handle(ctx, fault)
	}
}

// taskOpts tags a fault with its series coordinates.
func (b *Backfiller) taskOpts(symbol string, tf market.Timeframe) []faults.Option {
	return []faults.Option{
		faults.WithMetadata("venue", string(b.venue)),
		faults.WithMetadata("symbol", symbol),
		faults.WithMetadata("timeframe", string(tf)),
	}
}
