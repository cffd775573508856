package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Model errors.
var (
	ErrInvalidVenue     = errors.New("invalid venue")
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidCandle    = errors.New("invalid candle")
)

// Venue identifies the exchange segment a candle belongs to.
// Spot and USD-margined futures share symbols and wire formats but are
// distinct markets with distinct prices; candles from them never merge.
type Venue string

const (
	VenueSpot Venue = "spot"
	VenueUSDM Venue = "usdm"
)

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	return v == VenueSpot || v == VenueUSDM
}

// ParseVenue converts a string to a Venue.
func ParseVenue(s string) (Venue, error) {
	v := Venue(s)
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidVenue, s)
	}
	return v, nil
}

// Timeframe is an exchange kline interval such as "5m" or "1h".
type Timeframe string

// Supported timeframes.
const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Valid reports whether tf is a supported interval.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the nominal width of one candle at this timeframe.
// Returns 0 for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// ParseTimeframe converts a string to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// Timeframes returns all supported intervals in ascending width order.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF3m, TF5m, TF15m, TF30m, TF1h, TF2h, TF4h, TF6h, TF8h, TF12h, TF1d}
}

// CandleKey is the identity of a candle. Two candles with the same key
// describe the same market bar and replace one another on write.
type CandleKey struct {
	Venue     Venue
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
}

// String renders the key in a log-friendly form.
func (k CandleKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", k.Venue, k.Symbol, k.Timeframe, k.OpenTime.UnixMilli())
}

// Candle is one closed OHLCV bar as reported by the venue.
//
// Price and volume fields are decimals constructed from the venue's
// string representation; they round-trip without precision loss. A
// Candle is treated as an immutable value once built.
type Candle struct {
	Venue     Venue     `json:"venue"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`

	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`

	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`

	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`

	TradeCount int64 `json:"trades"`

	TakerBuyBase  decimal.Decimal `json:"taker_buy_base"`
	TakerBuyQuote decimal.Decimal `json:"taker_buy_quote"`
}

// Key returns the candle's identity.
func (c Candle) Key() CandleKey {
	return CandleKey{Venue: c.Venue, Symbol: c.Symbol, Timeframe: c.Timeframe, OpenTime: c.OpenTime}
}

// Validate checks structural and OHLC invariants. Venue data violating
// these is rejected at the ingestion boundary rather than propagated.
func (c Candle) Validate() error {
	if !c.Venue.Valid() {
		return fmt.Errorf("%w: venue %q", ErrInvalidCandle, c.Venue)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidCandle)
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("%w: timeframe %q", ErrInvalidCandle, c.Timeframe)
	}
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("%w: open time %s not before close time %s",
			ErrInvalidCandle, c.OpenTime.Format(time.RFC3339Nano), c.CloseTime.Format(time.RFC3339Nano))
	}
	if c.TradeCount < 0 {
		return fmt.Errorf("%w: negative trade count %d", ErrInvalidCandle, c.TradeCount)
	}
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("%w: low %s above high %s", ErrInvalidCandle, c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("%w: open %s outside [%s, %s]", ErrInvalidCandle, c.Open, c.Low, c.High)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("%w: close %s outside [%s, %s]", ErrInvalidCandle, c.Close, c.Low, c.High)
	}
	if c.Volume.IsNegative() || c.QuoteVolume.IsNegative() {
		return fmt.Errorf("%w: negative volume", ErrInvalidCandle)
	}
	return nil
}
