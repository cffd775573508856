package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

// Ingester owns one venue's websocket stream. It subscribes to the
// combined kline stream for every configured (symbol, timeframe),
// keeps only closed bars, and pushes them through the shared dedup,
// upsert and publish tail. Dropped connections are redialed with a
// bounded attempt budget; after each successful reconnect the gap
// window is backfilled before new frames resume flowing.
type Ingester struct {
	cfg      Config
	venue    market.Venue
	state    *State
	backfill *Backfiller
	clk      clock.Clock
	logger   *slog.Logger
	fm       *faults.Manager
	emit     emitter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	conn    *websocket.Conn
	done    chan struct{}
}

// NewIngester wires a stream ingester over the venue's shared state.
// backfill may be nil to disable gap fills after reconnects, and fm
// may be nil, in which case faults are only logged.
func NewIngester(cfg Config, st store.Store, bus Publisher, state *State, backfill *Backfiller, clk clock.Clock, logger *slog.Logger, fm *faults.Manager) *Ingester {
	if clk == nil {
		clk = clock.WallClock
	}
	venue := cfg.venue()
	return &Ingester{
		cfg:      cfg,
		venue:    venue,
		state:    state,
		backfill: backfill,
		clk:      clk,
		logger:   logger,
		fm:       fm,
		emit:     emitter{venue: venue, store: st, bus: bus, state: state, logger: logger},
	}
}

// Venue returns the venue this ingester serves.
func (i *Ingester) Venue() market.Venue { return i.venue }

// Start launches the connect-read-reconnect loop. Calling Start on a
// started ingester is a no-op.
func (i *Ingester) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.run(runCtx)
	i.started = true

	i.logger.Info("ingester started", "venue", i.venue, "url", i.streamURL())
	return nil
}

// Stop cancels the loop, closes the live connection to unblock the
// reader, and waits for the loop to exit. Returns
// ErrIngesterShutdownTimeout when ctx expires first; the ingester is
// then left in the started state so a later Stop can try again.
func (i *Ingester) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return nil
	}
	i.cancel()
	if i.conn != nil {
		_ = i.conn.Close()
	}
	done := i.done
	i.mu.Unlock()

	select {
	case <-done:
		i.mu.Lock()
		i.started = false
		i.mu.Unlock()
		i.logger.Info("ingester stopped", "venue", i.venue)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrIngesterShutdownTimeout, i.venue)
	}
}

// streamURL builds the combined-stream endpoint covering every
// configured (symbol, timeframe) pair.
func (i *Ingester) streamURL() string {
	tfs := i.cfg.timeframeList()
	names := make([]string, 0, len(i.cfg.Symbols)*len(tfs))
	for _, symbol := range i.cfg.Symbols {
		for _, tf := range tfs {
			names = append(names, strings.ToLower(symbol)+"@kline_"+string(tf))
		}
	}
	return strings.TrimRight(i.cfg.WSBaseURL, "/") + "/stream?streams=" + strings.Join(names, "/")
}

// run is the connection loop: dial, fill gaps when resuming, read
// until the stream drops, pause, repeat. It exits when ctx ends or the
// dial budget is exhausted.
func (i *Ingester) run(ctx context.Context) {
	defer close(i.done)

	reconnected := false
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := i.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("websocket dial budget exhausted",
				"venue", i.venue, "attempts", i.cfg.MaxReconnectAttempts, "error", err)
			i.report(ctx, faults.NewNetworkError("ingester", "dial", "dial budget exhausted", err,
				append(i.faultOpts(), faults.WithSeverity(faults.SeverityCritical))...))
			return
		}

		i.setConn(conn)
		i.state.setConnected(true)
		i.logger.Info("websocket connected", "venue", i.venue)

		if reconnected && i.backfill != nil {
			if err := i.backfill.FillGaps(ctx); err != nil && ctx.Err() == nil {
				i.logger.Warn("gap fill after reconnect failed", "venue", i.venue, "error", err)
			}
		}

		err = i.readLoop(ctx, conn)
		i.setConn(nil)
		i.state.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		i.state.stats.reconnects.Add(1)
		reconnected = true
		i.logger.Warn("websocket stream closed", "venue", i.venue, "error", err)
		i.report(ctx, faults.NewNetworkError("ingester", "stream", "websocket stream closed", err, i.faultOpts()...))

		select {
		case <-i.clk.After(i.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// dial connects to the combined stream, retrying up to the configured
// attempt budget with a fixed delay between tries.
func (i *Ingester) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	url := i.streamURL()
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				i.state.stats.dialFailures.Add(1)
				return fmt.Errorf("dial %s: %w", url, err)
			}
			conn = c
			return nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			i.logger.Warn("websocket dial failed",
				"venue", i.venue, "attempt", attempt, "error", lastErr)
		},
		Attempts: i.cfg.MaxReconnectAttempts,
		Delay:    i.cfg.ReconnectDelay,
		Clock:    i.clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop consumes frames until the connection drops or ctx ends.
func (i *Ingester) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		i.handleFrame(ctx, raw)
	}
}

// handleFrame processes one websocket message: decode, drop open bars,
// convert, then dedup-upsert-publish.
func (i *Ingester) handleFrame(ctx context.Context, raw []byte) {
	i.state.stats.framesReceived.Add(1)

	ev, err := market.DecodeWSMessage(raw)
	if err != nil {
		if errors.Is(err, market.ErrNotKlineFrame) {
			return
		}
		i.state.stats.framesRejected.Add(1)
		i.logger.Warn("rejected stream frame", "venue", i.venue, "error", err)
		i.report(ctx, faults.NewValidationError("ingester", "decode_frame", "undecodable stream frame", err,
			append(i.faultOpts(), faults.WithSeverity(faults.SeverityLow))...))
		return
	}
	if !ev.Kline.Closed {
		i.state.stats.framesOpen.Add(1)
		return
	}

	c, err := ev.Candle(i.venue)
	if err != nil {
		i.state.stats.framesRejected.Add(1)
		i.logger.Warn("rejected kline frame", "venue", i.venue, "symbol", ev.Symbol, "error", err)
		i.report(ctx, faults.NewValidationError("ingester", "convert_frame", "kline conversion failed", err,
			append(i.faultOpts(), faults.WithSeverity(faults.SeverityLow))...))
		return
	}

	// The gap watermark advances for every closed frame seen, including
	// ones the dedup path then skips.
	i.state.setLastClose(c.Symbol, c.Timeframe, c.CloseTime)

	fresh, err := i.emit.emit(ctx, c, i.cfg.LivePriority, nil)
	if err != nil {
		i.logger.Error("candle ingest failed", "venue", i.venue, "key", c.Key().String(), "error", err)
		i.report(ctx, faults.NewResourceError("ingester", "persist_candle", "candle persist failed", err, i.faultOpts()...))
		return
	}
	if fresh {
		i.state.stats.candlesIngested.Add(1)
	}
}

func (i *Ingester) setConn(conn *websocket.Conn) {
	i.mu.Lock()
	i.conn = conn
	i.mu.Unlock()
}

// faultOpts tags a fault with the ingester's venue.
func (i *Ingester) faultOpts() []faults.Option {
	return []faults.Option{faults.WithMetadata("venue", string(i.venue))}
}

func (i *Ingester) report(ctx context.Context, fault *faults.Error) {
	if i.fm != nil {
		i.fm.Handle(ctx, fault)
	}
}
