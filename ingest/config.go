package ingest

import (
	"fmt"
	"time"

	"github.com/SubhajL/online-trading-sub000/market"
)

// Config configures one venue's ingestion pipeline: the websocket
// stream, the REST backfill client, and the shared dedup state.
type Config struct {
	// Venue selects the market segment; it decides wire endpoints and
	// keys every persisted candle.
	Venue string `json:"venue" yaml:"venue" env:"VENUE"`

	// WSBaseURL is the websocket host, e.g. "wss://stream.binance.com:9443".
	WSBaseURL string `json:"wsBaseUrl" yaml:"wsBaseUrl" env:"WS_BASE_URL"`

	// RESTBaseURL is the kline history host, e.g. "https://api.binance.com".
	RESTBaseURL string `json:"restBaseUrl" yaml:"restBaseUrl" env:"REST_BASE_URL"`

	// Symbols are the trading pairs to stream, venue notation (BTCUSDT).
	Symbols []string `json:"symbols" yaml:"symbols" env:"SYMBOLS"`

	// Timeframes are the kline intervals to stream.
	Timeframes []string `json:"timeframes" yaml:"timeframes" env:"TIMEFRAMES"`

	// MaxReconnectAttempts bounds consecutive failed dials before the
	// ingester gives up. A successful connection refreshes the budget.
	MaxReconnectAttempts int `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty" env:"MAX_RECONNECT_ATTEMPTS"`

	// ReconnectDelay is the fixed pause between dial attempts and after
	// a dropped stream.
	ReconnectDelay time.Duration `json:"reconnectDelay,omitempty" yaml:"reconnectDelay,omitempty" env:"RECONNECT_DELAY"`

	// RequestTimeout bounds one REST kline request.
	RequestTimeout time.Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty" env:"REQUEST_TIMEOUT"`

	// RecvWindow is the initial venue receive window. Timestamp-drift
	// errors widen it at runtime up to the venue maximum.
	RecvWindow time.Duration `json:"recvWindow,omitempty" yaml:"recvWindow,omitempty" env:"RECV_WINDOW"`

	// BackfillWindow is how far back a series with no persisted history
	// is filled.
	BackfillWindow time.Duration `json:"backfillWindow,omitempty" yaml:"backfillWindow,omitempty" env:"BACKFILL_WINDOW"`

	// BackfillConcurrency caps (symbol, timeframe) backfill tasks
	// running at once.
	BackfillConcurrency int `json:"backfillConcurrency,omitempty" yaml:"backfillConcurrency,omitempty" env:"BACKFILL_CONCURRENCY"`

	// BatchDelay is the pause between kline pages within one task.
	BatchDelay time.Duration `json:"batchDelay,omitempty" yaml:"batchDelay,omitempty" env:"BATCH_DELAY"`

	// DedupCacheSize bounds the candle-key LRU fronting the store.
	DedupCacheSize int `json:"dedupCacheSize,omitempty" yaml:"dedupCacheSize,omitempty" env:"DEDUP_CACHE_SIZE"`

	// LivePriority is the bus priority of stream candles.
	LivePriority int `json:"livePriority,omitempty" yaml:"livePriority,omitempty" env:"LIVE_PRIORITY"`

	// BackfillPriority is the bus priority of backfilled candles. It
	// defaults below LivePriority so a large fill cannot starve the
	// live stream.
	BackfillPriority int `json:"backfillPriority,omitempty" yaml:"backfillPriority,omitempty" env:"BACKFILL_PRIORITY"`
}

// DefaultConfig returns the production defaults for a venue. Venue,
// endpoints, symbols and timeframes have no defaults; callers set them.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       5 * time.Second,
		RequestTimeout:       10 * time.Second,
		RecvWindow:           5 * time.Second,
		BackfillWindow:       24 * time.Hour,
		BackfillConcurrency:  4,
		BatchDelay:           100 * time.Millisecond,
		DedupCacheSize:       4096,
		LivePriority:         5,
		BackfillPriority:     1,
	}
}

// Validate fills unset fields with defaults and rejects values outside
// their documented ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = def.RecvWindow
	}
	if c.BackfillWindow == 0 {
		c.BackfillWindow = def.BackfillWindow
	}
	if c.BackfillConcurrency == 0 {
		c.BackfillConcurrency = def.BackfillConcurrency
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = def.BatchDelay
	}
	if c.DedupCacheSize == 0 {
		c.DedupCacheSize = def.DedupCacheSize
	}
	if c.LivePriority == 0 {
		c.LivePriority = def.LivePriority
	}
	if c.BackfillPriority == 0 {
		c.BackfillPriority = def.BackfillPriority
	}

	if _, err := market.ParseVenue(c.Venue); err != nil {
		return err
	}
	if c.WSBaseURL == "" {
		return fmt.Errorf("wsBaseUrl is required for venue %s", c.Venue)
	}
	if c.RESTBaseURL == "" {
		return fmt.Errorf("restBaseUrl is required for venue %s", c.Venue)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required for venue %s", c.Venue)
	}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("empty symbol configured for venue %s", c.Venue)
		}
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required for venue %s", c.Venue)
	}
	for _, tf := range c.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return err
		}
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("maxReconnectAttempts must be at least 1, got %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnectDelay cannot be negative, got %s", c.ReconnectDelay)
	}
	if c.RequestTimeout < time.Millisecond {
		return fmt.Errorf("requestTimeout must be at least 1ms, got %s", c.RequestTimeout)
	}
	if c.RecvWindow < 0 {
		return fmt.Errorf("recvWindow cannot be negative, got %s", c.RecvWindow)
	}
	if c.BackfillWindow < time.Minute {
		return fmt.Errorf("backfillWindow must be at least 1m, got %s", c.BackfillWindow)
	}
	if c.BackfillConcurrency < 1 {
		return fmt.Errorf("backfillConcurrency must be at least 1, got %d", c.BackfillConcurrency)
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("batchDelay cannot be negative, got %s", c.BatchDelay)
	}
	if c.DedupCacheSize < 1 {
		return fmt.Errorf("dedupCacheSize must be at least 1, got %d", c.DedupCacheSize)
	}
	return nil
}

// venue returns the parsed venue. Call after Validate.
func (c *Config) venue() market.Venue {
	return market.Venue(c.Venue)
}

// timeframeList returns the parsed timeframes. Call after Validate.
func (c *Config) timeframeList() []market.Timeframe {
	out := make([]market.Timeframe, 0, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		out = append(out, market.Timeframe(tf))
	}
	return out
}
