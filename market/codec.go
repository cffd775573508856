package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Codec errors.
var (
	ErrNotKlineFrame   = errors.New("not a kline frame")
	ErrShortKlineRow   = errors.New("kline row too short")
	ErrOpenKlineCandle = errors.New("kline is not closed")
)

// WSKlineEvent is a kline frame from the venue's websocket stream.
// Field names follow the wire format.
type WSKlineEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Kline     WSKline `json:"k"`
}

// WSKline is the nested kline object of a stream frame. Prices and
// volumes arrive as strings and stay strings until decimal conversion.
type WSKline struct {
	OpenTime      int64  `json:"t"`
	CloseTime     int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	Open          string `json:"o"`
	Close         string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
	TradeCount    int64  `json:"n"`
	Closed        bool   `json:"x"`
	QuoteVolume   string `json:"q"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
}

// streamEnvelope wraps frames on combined-stream connections.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DecodeWSMessage parses a websocket message into a kline event. It
// accepts both combined-stream envelopes ({"stream":...,"data":{...}})
// and bare frames. Non-kline frames return ErrNotKlineFrame so callers
// can skip them without treating the message as corrupt.
func DecodeWSMessage(raw []byte) (*WSKlineEvent, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}

	var ev WSKlineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode kline frame: %w", err)
	}
	if ev.EventType != "kline" {
		return nil, fmt.Errorf("%w: event type %q", ErrNotKlineFrame, ev.EventType)
	}
	return &ev, nil
}

// parseDec converts one wire string to a decimal, recording the first
// failure in errp and becoming a no-op afterwards.
func parseDec(s, field string, errp *error) decimal.Decimal {
	if *errp != nil {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		*errp = fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d
}

// Candle converts a closed kline frame to a Candle for the given venue.
// Frames with the closed flag unset return ErrOpenKlineCandle; callers
// filter those before conversion.
func (e *WSKlineEvent) Candle(venue Venue) (Candle, error) {
	k := e.Kline
	if !k.Closed {
		return Candle{}, ErrOpenKlineCandle
	}

	tf, err := ParseTimeframe(k.Interval)
	if err != nil {
		return Candle{}, err
	}

	symbol := k.Symbol
	if symbol == "" {
		symbol = e.Symbol
	}

	c := Candle{
		Venue:      venue,
		Symbol:     symbol,
		Timeframe:  tf,
		OpenTime:   time.UnixMilli(k.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(k.CloseTime).UTC(),
		TradeCount: k.TradeCount,
	}
	c.Open = parseDec(k.Open, "open", &err)
	c.High = parseDec(k.High, "high", &err)
	c.Low = parseDec(k.Low, "low", &err)
	c.Close = parseDec(k.Close, "close", &err)
	c.Volume = parseDec(k.Volume, "volume", &err)
	c.QuoteVolume = parseDec(k.QuoteVolume, "quote volume", &err)
	c.TakerBuyBase = parseDec(k.TakerBuyBase, "taker buy base", &err)
	c.TakerBuyQuote = parseDec(k.TakerBuyQuote, "taker buy quote", &err)
	if err != nil {
		return Candle{}, err
	}

	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// RESTKline is one row of the venue's kline history endpoint. The wire
// form is a positional JSON array mixing epoch numbers, price strings
// and an ignored trailing field.
type RESTKline struct {
	OpenTime      int64
	Open          string
	High          string
	Low           string
	Close         string
	Volume        string
	CloseTime     int64
	QuoteVolume   string
	TradeCount    int64
	TakerBuyBase  string
	TakerBuyQuote string
}

// UnmarshalJSON decodes the positional array form.
func (r *RESTKline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode kline row: %w", err)
	}
	if len(raw) < 11 {
		return fmt.Errorf("%w: %d fields", ErrShortKlineRow, len(raw))
	}

	fields := []struct {
		idx int
		dst any
	}{
		{0, &r.OpenTime},
		{1, &r.Open},
		{2, &r.High},
		{3, &r.Low},
		{4, &r.Close},
		{5, &r.Volume},
		{6, &r.CloseTime},
		{7, &r.QuoteVolume},
		{8, &r.TradeCount},
		{9, &r.TakerBuyBase},
		{10, &r.TakerBuyQuote},
	}
	for _, f := range fields {
		if err := json.Unmarshal(raw[f.idx], f.dst); err != nil {
			return fmt.Errorf("decode kline row field %d: %w", f.idx, err)
		}
	}
	return nil
}

// Candle converts a history row to a Candle. History rows are closed by
// definition, so no closed-flag check applies.
func (r RESTKline) Candle(venue Venue, symbol string, tf Timeframe) (Candle, error) {
	c := Candle{
		Venue:      venue,
		Symbol:     symbol,
		Timeframe:  tf,
		OpenTime:   time.UnixMilli(r.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(r.CloseTime).UTC(),
		TradeCount: r.TradeCount,
	}
	var err error
	c.Open = parseDec(r.Open, "open", &err)
	c.High = parseDec(r.High, "high", &err)
	c.Low = parseDec(r.Low, "low", &err)
	c.Close = parseDec(r.Close, "close", &err)
	c.Volume = parseDec(r.Volume, "volume", &err)
	c.QuoteVolume = parseDec(r.QuoteVolume, "quote volume", &err)
	c.TakerBuyBase = parseDec(r.TakerBuyBase, "taker buy base", &err)
	c.TakerBuyQuote = parseDec(r.TakerBuyQuote, "taker buy quote", &err)
	if err != nil {
		return Candle{}, err
	}

	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// EncodeCandle serializes a candle for bus publication and journaling.
// Decimal fields render as strings and timestamps as RFC 3339 UTC, so
// the payload survives transport without precision loss.
func EncodeCandle(c Candle) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode candle %s: %w", c.Key(), err)
	}
	return data, nil
}

// DecodeCandle parses a serialized candle payload.
func DecodeCandle(data []byte) (Candle, error) {
	var c Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return Candle{}, fmt.Errorf("decode candle: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}
