// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary stays fully
// static. Decimal fields are stored as TEXT to keep venue precision;
// candle timestamps are stored as epoch milliseconds so range scans
// compare numerically.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements
// here so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			venue           TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			timeframe       TEXT    NOT NULL,
			open_time_ms    INTEGER NOT NULL,
			close_time_ms   INTEGER NOT NULL,
			open            TEXT    NOT NULL,
			high            TEXT    NOT NULL,
			low             TEXT    NOT NULL,
			close           TEXT    NOT NULL,
			volume          TEXT    NOT NULL,
			quote_volume    TEXT    NOT NULL,
			trade_count     INTEGER NOT NULL,
			taker_buy_base  TEXT    NOT NULL,
			taker_buy_quote TEXT    NOT NULL,
			updated_at      TEXT    NOT NULL,
			PRIMARY KEY (venue, symbol, timeframe, open_time_ms)
		)`,

		`CREATE TABLE IF NOT EXISTS indicator_values (
			venue     TEXT NOT NULL,
			symbol    TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			name      TEXT NOT NULL,
			ts_ms     INTEGER NOT NULL,
			value     TEXT NOT NULL,
			PRIMARY KEY (venue, symbol, timeframe, name, ts_ms)
		)`,

		`CREATE TABLE IF NOT EXISTS zones (
			id         TEXT PRIMARY KEY,
			venue      TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			price_high TEXT    NOT NULL,
			price_low  TEXT    NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT    NOT NULL,
			updated_at TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id         TEXT PRIMARY KEY,
			venue      TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			status     TEXT NOT NULL,
			price      TEXT NOT NULL,
			quantity   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id          TEXT PRIMARY KEY,
			venue       TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			entry_price TEXT    NOT NULL,
			quantity    TEXT    NOT NULL,
			opened_at   TEXT    NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS event_journal (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			event_id   TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		// Backfill scans the newest row per series; the PK index covers
		// ascending range reads already.
		`CREATE INDEX IF NOT EXISTS idx_candles_series_close
			ON candles(venue, symbol, timeframe, close_time_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_topic
			ON event_journal(topic, id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_active
			ON positions(venue, active, symbol)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- candles ----

func (s *DB) UpsertCandle(ctx context.Context, c market.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candles (
			venue, symbol, timeframe, open_time_ms, close_time_ms,
			open, high, low, close, volume, quote_volume,
			trade_count, taker_buy_base, taker_buy_quote, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, symbol, timeframe, open_time_ms) DO UPDATE SET
			close_time_ms   = excluded.close_time_ms,
			open            = excluded.open,
			high            = excluded.high,
			low             = excluded.low,
			close           = excluded.close,
			volume          = excluded.volume,
			quote_volume    = excluded.quote_volume,
			trade_count     = excluded.trade_count,
			taker_buy_base  = excluded.taker_buy_base,
			taker_buy_quote = excluded.taker_buy_quote,
			updated_at      = excluded.updated_at
	`,
		string(c.Venue), c.Symbol, string(c.Timeframe),
		c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.QuoteVolume.String(),
		c.TradeCount, c.TakerBuyBase.String(), c.TakerBuyQuote.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

const candleColumns = `venue, symbol, timeframe, open_time_ms, close_time_ms,
	open, high, low, close, volume, quote_volume,
	trade_count, taker_buy_base, taker_buy_quote`

func (s *DB) Candles(ctx context.Context, q store.CandleQuery) ([]market.Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE venue = ? AND symbol = ? AND timeframe = ?`
	args := []any{string(q.Venue), q.Symbol, string(q.Timeframe)}

	if !q.Start.IsZero() {
		query += ` AND open_time_ms >= ?`
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		query += ` AND open_time_ms <= ?`
		args = append(args, q.End.UnixMilli())
	}
	query += ` ORDER BY open_time_ms ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		c, err := scanCandle(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *DB) LatestCandle(ctx context.Context, venue market.Venue, symbol string, tf market.Timeframe) (*market.Candle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candleColumns+`
		FROM candles
		WHERE venue = ? AND symbol = ? AND timeframe = ?
		ORDER BY open_time_ms DESC
		LIMIT 1`,
		string(venue), symbol, string(tf))

	c, err := scanCandle(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *DB) HasCandle(ctx context.Context, key market.CandleKey) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM candles
		WHERE venue = ? AND symbol = ? AND timeframe = ? AND open_time_ms = ?`,
		string(key.Venue), key.Symbol, string(key.Timeframe), key.OpenTime.UnixMilli())

	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- auxiliary pipeline records ----

func (s *DB) UpsertIndicatorValue(ctx context.Context, v store.IndicatorValue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indicator_values (venue, symbol, timeframe, name, ts_ms, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, symbol, timeframe, name, ts_ms) DO UPDATE SET
			value = excluded.value
	`, string(v.Venue), v.Symbol, string(v.Timeframe), v.Name, v.Timestamp.UnixMilli(), v.Value.String())
	return err
}

func (s *DB) UpsertZone(ctx context.Context, z store.Zone) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := z.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (id, venue, symbol, timeframe, kind, price_high, price_low, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			price_high = excluded.price_high,
			price_low  = excluded.price_low,
			active     = excluded.active,
			updated_at = excluded.updated_at
	`, z.ID, string(z.Venue), z.Symbol, string(z.Timeframe), string(z.Kind),
		z.PriceHigh.String(), z.PriceLow.String(), boolToInt(z.Active),
		createdAt.Format(time.RFC3339), now)
	return err
}

func (s *DB) UpsertOrder(ctx context.Context, o store.Order) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, venue, symbol, side, status, price, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status     = excluded.status,
			price      = excluded.price,
			quantity   = excluded.quantity,
			updated_at = excluded.updated_at
	`, o.ID, string(o.Venue), o.Symbol, string(o.Side), string(o.Status),
		o.Price.String(), o.Quantity.String(),
		o.CreatedAt.UTC().Format(time.RFC3339), now)
	return err
}

func (s *DB) UpsertPosition(ctx context.Context, p store.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, venue, symbol, side, entry_price, quantity, opened_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_price = excluded.entry_price,
			quantity    = excluded.quantity,
			active      = excluded.active
	`, p.ID, string(p.Venue), p.Symbol, string(p.Side),
		p.EntryPrice.String(), p.Quantity.String(),
		p.OpenedAt.UTC().Format(time.RFC3339), boolToInt(p.Active))
	return err
}

func (s *DB) ActivePositions(ctx context.Context, venue market.Venue) ([]store.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, venue, symbol, side, entry_price, quantity, opened_at, active
		FROM positions
		WHERE venue = ? AND active = 1
		ORDER BY symbol
	`, string(venue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Position
	for rows.Next() {
		var p store.Position
		var entry, qty, openedAt string
		var active int
		if err := rows.Scan(&p.ID, &p.Venue, &p.Symbol, &p.Side, &entry, &qty, &openedAt, &active); err != nil {
			return nil, err
		}
		if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("position %s entry price: %w", p.ID, err)
		}
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("position %s quantity: %w", p.ID, err)
		}
		p.OpenedAt, _ = time.Parse(time.RFC3339, openedAt)
		p.Active = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- event journal ----

func (s *DB) AppendEvent(ctx context.Context, topic, eventID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_journal (topic, event_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, topic, eventID, string(payload), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *DB) RecentEvents(ctx context.Context, limit int) ([]store.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, event_id, payload, created_at
		FROM event_journal
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.JournalEntry
	for rows.Next() {
		var e store.JournalEntry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.Topic, &e.EventID, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- lifecycle ----

func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanCandle(scan scanFn) (*market.Candle, error) {
	var c market.Candle
	var openMs, closeMs int64
	var openPx, highPx, lowPx, closePx, volume, quoteVolume, takerBase, takerQuote string

	err := scan(&c.Venue, &c.Symbol, &c.Timeframe, &openMs, &closeMs,
		&openPx, &highPx, &lowPx, &closePx, &volume, &quoteVolume,
		&c.TradeCount, &takerBase, &takerQuote)
	if err != nil {
		return nil, err
	}

	c.OpenTime = time.UnixMilli(openMs).UTC()
	c.CloseTime = time.UnixMilli(closeMs).UTC()

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, openPx}, {&c.High, highPx}, {&c.Low, lowPx}, {&c.Close, closePx},
		{&c.Volume, volume}, {&c.QuoteVolume, quoteVolume},
		{&c.TakerBuyBase, takerBase}, {&c.TakerBuyQuote, takerQuote},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("candle %s decimal: %w", c.Key(), err)
		}
		*f.dst = d
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
