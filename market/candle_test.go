package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func validCandle(t *testing.T) Candle {
	t.Helper()
	open := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Candle{
		Venue:         VenueSpot,
		Symbol:        "BTCUSDT",
		Timeframe:     TF5m,
		OpenTime:      open,
		CloseTime:     open.Add(5*time.Minute - time.Millisecond),
		Open:          dec(t, "50000.10"),
		High:          dec(t, "50100.00"),
		Low:           dec(t, "49900.00"),
		Close:         dec(t, "50050.55"),
		Volume:        dec(t, "12.5"),
		QuoteVolume:   dec(t, "625631.875"),
		TradeCount:    308,
		TakerBuyBase:  dec(t, "6.25"),
		TakerBuyQuote: dec(t, "312815.9375"),
	}
}

func TestCandle_Validate(t *testing.T) {
	t.Run("valid candle passes", func(t *testing.T) {
		require.NoError(t, validCandle(t).Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Candle)
	}{
		{"unknown venue", func(c *Candle) { c.Venue = "margin" }},
		{"empty symbol", func(c *Candle) { c.Symbol = "" }},
		{"unknown timeframe", func(c *Candle) { c.Timeframe = "7m" }},
		{"open time equals close time", func(c *Candle) { c.CloseTime = c.OpenTime }},
		{"open time after close time", func(c *Candle) { c.CloseTime = c.OpenTime.Add(-time.Minute) }},
		{"negative trade count", func(c *Candle) { c.TradeCount = -1 }},
		{"low above high", func(c *Candle) { c.Low = dec(t, "60000"); c.High = dec(t, "50000"); c.Open = dec(t, "55000"); c.Close = dec(t, "55000") }},
		{"open above high", func(c *Candle) { c.Open = dec(t, "51000") }},
		{"open below low", func(c *Candle) { c.Open = dec(t, "49000") }},
		{"close above high", func(c *Candle) { c.Close = dec(t, "51000") }},
		{"close below low", func(c *Candle) { c.Close = dec(t, "49000") }},
		{"negative volume", func(c *Candle) { c.Volume = dec(t, "-1") }},
		{"negative quote volume", func(c *Candle) { c.QuoteVolume = dec(t, "-0.1") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validCandle(t)
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCandle)
		})
	}
}

func TestCandle_Key(t *testing.T) {
	c := validCandle(t)
	k := c.Key()
	assert.Equal(t, VenueSpot, k.Venue)
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.Equal(t, TF5m, k.Timeframe)
	assert.True(t, k.OpenTime.Equal(c.OpenTime))
	assert.Contains(t, k.String(), "spot/BTCUSDT/5m@")
}

func TestTimeframe_Duration(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		want time.Duration
	}{
		{TF1m, time.Minute},
		{TF3m, 3 * time.Minute},
		{TF5m, 5 * time.Minute},
		{TF15m, 15 * time.Minute},
		{TF30m, 30 * time.Minute},
		{TF1h, time.Hour},
		{TF2h, 2 * time.Hour},
		{TF4h, 4 * time.Hour},
		{TF6h, 6 * time.Hour},
		{TF8h, 8 * time.Hour},
		{TF12h, 12 * time.Hour},
		{TF1d, 24 * time.Hour},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.tf.Duration(), "timeframe %s", tc.tf)
	}
	assert.Equal(t, time.Duration(0), Timeframe("2w").Duration())
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("15m")
	require.NoError(t, err)
	assert.Equal(t, TF15m, tf)

	_, err = ParseTimeframe("90s")
	assert.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestParseVenue(t *testing.T) {
	v, err := ParseVenue("usdm")
	require.NoError(t, err)
	assert.Equal(t, VenueUSDM, v)

	_, err = ParseVenue("coin-m")
	assert.ErrorIs(t, err, ErrInvalidVenue)
}

func TestTimeframes_AscendingWidths(t *testing.T) {
	all := Timeframes()
	require.Len(t, all, 12)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Duration(), all[i].Duration())
	}
}
