// Package store defines the persistence abstraction for the market data
// pipeline. The default implementation is SQLite; a server-backed engine
// can be added without changing call sites. Candle writes are idempotent
// upserts keyed by (venue, symbol, timeframe, open_time) so replayed or
// backfilled bars never duplicate.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SubhajL/online-trading-sub000/market"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the persisted lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
)

// ZoneKind classifies a price zone.
type ZoneKind string

const (
	ZoneSupply ZoneKind = "supply"
	ZoneDemand ZoneKind = "demand"
)

// IndicatorValue is one computed indicator sample for a candle series.
type IndicatorValue struct {
	Venue     market.Venue     `json:"venue"`
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Name      string           `json:"name"`
	Timestamp time.Time        `json:"timestamp"`
	Value     decimal.Decimal  `json:"value"`
}

// Zone is a persisted supply or demand price zone.
type Zone struct {
	ID        string           `json:"id"`
	Venue     market.Venue     `json:"venue"`
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Kind      ZoneKind         `json:"kind"`
	PriceHigh decimal.Decimal  `json:"price_high"`
	PriceLow  decimal.Decimal  `json:"price_low"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Order is a persisted order record.
type Order struct {
	ID        string          `json:"id"`
	Venue     market.Venue    `json:"venue"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Status    OrderStatus     `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position is a persisted open or closed position.
type Position struct {
	ID         string          `json:"id"`
	Venue      market.Venue    `json:"venue"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OpenedAt   time.Time       `json:"opened_at"`
	Active     bool            `json:"active"`
}

// JournalEntry is one persisted bus event. Payload is the serialized
// event envelope and renders inline when the entry itself is marshaled.
type JournalEntry struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CandleQuery selects a candle range for one series. Zero Start or End
// leaves that bound open; Limit <= 0 returns all matching rows. Results
// are ordered by open time ascending.
type CandleQuery struct {
	Venue     market.Venue
	Symbol    string
	Timeframe market.Timeframe
	Start     time.Time // inclusive open-time lower bound
	End       time.Time // inclusive open-time upper bound
	Limit     int
}

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ---- candles ----

	// UpsertCandle writes a candle, replacing any existing row with the
	// same (venue, symbol, timeframe, open_time) key.
	UpsertCandle(ctx context.Context, c market.Candle) error

	// Candles returns the candles matching the query, open time
	// ascending.
	Candles(ctx context.Context, q CandleQuery) ([]market.Candle, error)

	// LatestCandle returns the newest candle of a series by open time.
	// Returns (nil, nil) when the series has no rows.
	LatestCandle(ctx context.Context, venue market.Venue, symbol string, tf market.Timeframe) (*market.Candle, error)

	// HasCandle reports whether a candle exists for the key.
	HasCandle(ctx context.Context, key market.CandleKey) (bool, error)

	// ---- auxiliary pipeline records ----

	// UpsertIndicatorValue writes one indicator sample keyed by
	// (venue, symbol, timeframe, name, timestamp).
	UpsertIndicatorValue(ctx context.Context, v IndicatorValue) error

	// UpsertZone writes a zone keyed by ID.
	UpsertZone(ctx context.Context, z Zone) error

	// UpsertOrder writes an order keyed by ID.
	UpsertOrder(ctx context.Context, o Order) error

	// UpsertPosition writes a position keyed by ID.
	UpsertPosition(ctx context.Context, p Position) error

	// ActivePositions returns open positions ordered by symbol.
	ActivePositions(ctx context.Context, venue market.Venue) ([]Position, error)

	// ---- event journal ----

	// AppendEvent records one published bus event for replay and audit.
	AppendEvent(ctx context.Context, topic, eventID string, payload []byte) error

	// RecentEvents returns up to limit journal entries, newest first.
	RecentEvents(ctx context.Context, limit int) ([]JournalEntry, error)

	// ---- lifecycle ----

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
