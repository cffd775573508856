package faults

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// Handler reacts to classified errors. Implementations must be safe for
// concurrent use; Handle is called synchronously on the reporting path
// and must not block.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e *Error)
}

// Manager fans classified errors out to registered handlers. Reporting
// an error never fails; the manager exists so that components can hand
// off errors they cannot act on themselves.
type Manager struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewManager creates a manager with no handlers registered.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register appends a handler. Handlers run in registration order.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Handle classifies err and dispatches it to every handler. A nil err
// is ignored. Panicking handlers are contained so one bad handler does
// not break error reporting for the rest.
func (m *Manager) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}
	fe := Classify(err, "unknown", "unknown")

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		m.dispatch(ctx, h, fe)
	}
}

func (m *Manager) dispatch(ctx context.Context, h Handler, fe *Error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("error handler panicked", "handler", h.Name(), "panic", r)
		}
	}()
	h.Handle(ctx, fe)
}

// LogHandler writes classified errors to the structured log, mapping
// severity to log level.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a logging handler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// Name implements Handler.
func (h *LogHandler) Name() string { return "log" }

// Handle implements Handler.
func (h *LogHandler) Handle(ctx context.Context, e *Error) {
	attrs := []any{
		"error_id", e.Context.ErrorID,
		"category", string(e.Context.Category),
		"severity", string(e.Context.Severity),
		"component", e.Context.Component,
		"operation", e.Context.Operation,
	}
	if e.Context.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", e.Context.CorrelationID)
	}
	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause.Error())
	}
	for k, v := range e.Context.Metadata {
		attrs = append(attrs, k, v)
	}

	switch e.Context.Severity {
	case SeverityCritical, SeverityHigh:
		h.logger.ErrorContext(ctx, e.Message, attrs...)
	case SeverityMedium:
		h.logger.WarnContext(ctx, e.Message, attrs...)
	default:
		h.logger.InfoContext(ctx, e.Message, attrs...)
	}
}

// Record is one recent error as exposed on the ops surface.
type Record struct {
	ErrorID       string    `json:"error_id"`
	Timestamp     time.Time `json:"timestamp"`
	Category      Category  `json:"category"`
	Severity      Severity  `json:"severity"`
	Component     string    `json:"component"`
	Operation     string    `json:"operation"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// MetricsSnapshot is a point-in-time view of error aggregates.
type MetricsSnapshot struct {
	Total         uint64              `json:"total_errors"`
	ByCategory    map[Category]uint64 `json:"errors_by_category"`
	BySeverity    map[Severity]uint64 `json:"errors_by_severity"`
	RatePerMinute int                 `json:"error_rate_per_minute"`
	Recent        []Record            `json:"recent_errors"`
}

const recentErrorCap = 100

// MetricsHandler aggregates error counts by category and severity and
// keeps a bounded ring of recent errors for inspection.
type MetricsHandler struct {
	mu         sync.Mutex
	clk        clock.Clock
	total      uint64
	byCategory map[Category]uint64
	bySeverity map[Severity]uint64
	recent     []Record
	minuteLog  []time.Time
}

// NewMetricsHandler creates a metrics handler using clk for rate
// windows.
func NewMetricsHandler(clk clock.Clock) *MetricsHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MetricsHandler{
		clk:        clk,
		byCategory: make(map[Category]uint64),
		bySeverity: make(map[Severity]uint64),
	}
}

// Name implements Handler.
func (h *MetricsHandler) Name() string { return "metrics" }

// Handle implements Handler.
func (h *MetricsHandler) Handle(_ context.Context, e *Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.byCategory[e.Context.Category]++
	h.bySeverity[e.Context.Severity]++

	h.recent = append(h.recent, Record{
		ErrorID:       e.Context.ErrorID,
		Timestamp:     e.Context.Timestamp,
		Category:      e.Context.Category,
		Severity:      e.Context.Severity,
		Component:     e.Context.Component,
		Operation:     e.Context.Operation,
		Message:       e.Message,
		CorrelationID: e.Context.CorrelationID,
	})
	if len(h.recent) > recentErrorCap {
		h.recent = h.recent[len(h.recent)-recentErrorCap:]
	}

	now := h.clk.Now()
	h.minuteLog = append(h.minuteLog, now)
	h.pruneMinuteLog(now)
}

// pruneMinuteLog drops rate entries older than one minute. Caller holds
// the mutex.
func (h *MetricsHandler) pruneMinuteLog(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(h.minuteLog); i++ {
		if h.minuteLog[i].After(cutoff) {
			break
		}
	}
	h.minuteLog = h.minuteLog[i:]
}

// Snapshot copies the current aggregates.
func (h *MetricsHandler) Snapshot() MetricsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneMinuteLog(h.clk.Now())

	snap := MetricsSnapshot{
		Total:         h.total,
		ByCategory:    make(map[Category]uint64, len(h.byCategory)),
		BySeverity:    make(map[Severity]uint64, len(h.bySeverity)),
		RatePerMinute: len(h.minuteLog),
		Recent:        make([]Record, len(h.recent)),
	}
	for k, v := range h.byCategory {
		snap.ByCategory[k] = v
	}
	for k, v := range h.bySeverity {
		snap.BySeverity[k] = v
	}
	copy(snap.Recent, h.recent)
	return snap
}

// RetryFunc re-attempts the operation that produced an error.
type RetryFunc func(ctx context.Context) error

// RetryHandler schedules bounded background retries for transient
// classified errors. Operations opt in by registering a RetryFunc under
// their component/operation pair; errors without a registered function
// are left to the reporting component.
type RetryHandler struct {
	mu     sync.RWMutex
	funcs  map[string]RetryFunc
	clk    clock.Clock
	logger *slog.Logger
	wg     sync.WaitGroup

	baseDelay time.Duration
	maxDelay  time.Duration
	attempts  int
}

// NewRetryHandler creates a retry handler with exponential backoff
// between attempts.
func NewRetryHandler(clk clock.Clock, logger *slog.Logger) *RetryHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryHandler{
		funcs:     make(map[string]RetryFunc),
		clk:       clk,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		attempts:  3,
	}
}

// Name implements Handler.
func (h *RetryHandler) Name() string { return "retry" }

// RegisterFunc installs the retry callback for one component/operation
// pair, replacing any previous registration.
func (h *RetryHandler) RegisterFunc(component, operation string, fn RetryFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs[component+"."+operation] = fn
}

// Handle implements Handler. Retryable errors with a registered
// callback are re-attempted in the background with doubling delays.
func (h *RetryHandler) Handle(ctx context.Context, e *Error) {
	if !Retryable(e) {
		return
	}

	h.mu.RLock()
	fn := h.funcs[e.Context.Component+"."+e.Context.Operation]
	h.mu.RUnlock()
	if fn == nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := retry.Call(retry.CallArgs{
			Func:        func() error { return fn(ctx) },
			Attempts:    h.attempts,
			Delay:       h.baseDelay,
			MaxDelay:    h.maxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       h.clk,
			Stop:        ctx.Done(),
			NotifyFunc: func(lastErr error, attempt int) {
				h.logger.Warn("retrying failed operation",
					"component", e.Context.Component,
					"operation", e.Context.Operation,
					"attempt", attempt,
					"error", lastErr)
			},
		})
		if err != nil {
			h.logger.Error("retries exhausted",
				"component", e.Context.Component,
				"operation", e.Context.Operation,
				"error_id", e.Context.ErrorID,
				"error", err)
		}
	}()
}

// Wait blocks until all in-flight retries finish. Used on shutdown.
func (h *RetryHandler) Wait() {
	h.wg.Wait()
}
