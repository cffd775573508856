package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SubhajL/online-trading-sub000/market"
)

// Venue REST paths and limits.
const (
	spotKlinesPath = "/api/v3/klines"
	usdmKlinesPath = "/fapi/v1/klines"

	// klineBatchLimit is the venue's maximum rows per kline request.
	klineBatchLimit = 1000

	// maxRecvWindow is the venue's hard cap on the receive window.
	maxRecvWindow = 60 * time.Second

	// defaultRetryAfter applies when a 429 carries no Retry-After header.
	defaultRetryAfter = 60 * time.Second
)

// codeTimestampDrift is the venue error code for a request timestamp
// outside the receive window.
const codeTimestampDrift = -1021

// RateLimitError reports an HTTP 429 (or IP ban 418) with the venue's
// requested pause.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d), retry after %s", e.StatusCode, e.RetryAfter)
}

// TimeDriftError reports venue code -1021: the request timestamp fell
// outside the receive window. Recoverable by widening the window.
type TimeDriftError struct {
	Code    int
	Message string
}

func (e *TimeDriftError) Error() string {
	return fmt.Sprintf("venue timestamp drift (code %d): %s", e.Code, e.Message)
}

// APIError is any other structured venue rejection.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue API error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// apiErrorBody is the venue's JSON error envelope.
type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// RESTClient fetches kline history for one venue. It is a thin wrapper
// over net/http; retry and backoff policy belong to the caller.
type RESTClient struct {
	venue   market.Venue
	baseURL string
	path    string
	httpc   *http.Client

	// recvWindowMs widens on timestamp-drift errors; atomic because the
	// backfiller's concurrent tasks share the client.
	recvWindowMs atomic.Int64
}

// NewRESTClient builds a kline client from the venue config.
func NewRESTClient(cfg Config) *RESTClient {
	path := spotKlinesPath
	if cfg.venue() == market.VenueUSDM {
		path = usdmKlinesPath
	}
	c := &RESTClient{
		venue:   cfg.venue(),
		baseURL: strings.TrimRight(cfg.RESTBaseURL, "/"),
		path:    path,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
	}
	c.recvWindowMs.Store(cfg.RecvWindow.Milliseconds())
	return c
}

// RecvWindow returns the current receive window.
func (c *RESTClient) RecvWindow() time.Duration {
	return time.Duration(c.recvWindowMs.Load()) * time.Millisecond
}

// WidenRecvWindow doubles the receive window up to the venue cap and
// returns the new value.
func (c *RESTClient) WidenRecvWindow() time.Duration {
	for {
		cur := c.recvWindowMs.Load()
		next := cur * 2
		if next <= 0 || next > maxRecvWindow.Milliseconds() {
			next = maxRecvWindow.Milliseconds()
		}
		if c.recvWindowMs.CompareAndSwap(cur, next) {
			return time.Duration(next) * time.Millisecond
		}
	}
}

// Klines fetches up to limit klines for a series starting at start.
// Zero start or end leaves that bound unset; limit is clamped to the
// venue maximum. Returns RateLimitError, TimeDriftError, or APIError
// for the recognized failure shapes.
func (c *RESTClient) Klines(ctx context.Context, symbol string, tf market.Timeframe, start, end time.Time, limit int) ([]market.RESTKline, error) {
	if limit <= 0 || limit > klineBatchLimit {
		limit = klineBatchLimit
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if rw := c.recvWindowMs.Load(); rw > 0 {
		q.Set("recvWindow", strconv.FormatInt(rw, 10))
	}

	reqURL := c.baseURL + c.path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build klines request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines %s/%s %s: %w", c.venue, symbol, tf, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var rows []market.RESTKline
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return nil, fmt.Errorf("decode klines response: %w", err)
		}
		return rows, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var venueErr apiErrorBody
		_ = json.Unmarshal(body, &venueErr)
		if venueErr.Code == codeTimestampDrift {
			return nil, &TimeDriftError{Code: venueErr.Code, Message: venueErr.Message}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: venueErr.Code, Message: venueErr.Message}
	}
}

// parseRetryAfter reads a Retry-After header in seconds form, falling
// back to the venue default when absent or malformed.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
