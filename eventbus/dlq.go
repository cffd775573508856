package eventbus

import (
	"log/slog"
	"sync"

	"github.com/juju/clock"
)

// Dead-letter metadata keys stamped on diverted events.
const (
	MetaDeadLetterReason    = "dead_letter_reason"
	MetaDeadLetterTimestamp = "dead_letter_timestamp"
)

// DeadLetterQueue is a bounded FIFO of events whose processing failed
// terminally. When full, new arrivals are dropped with a log record;
// captured entries are never evicted by later failures.
type DeadLetterQueue struct {
	mu       sync.Mutex
	clk      clock.Clock
	logger   *slog.Logger
	buf      []Event
	start    int
	count    int
	dropped  uint64
	onDivert func(Event, string)
}

// NewDeadLetterQueue creates a queue holding up to capacity events.
// Capacity 0 disables capture entirely.
func NewDeadLetterQueue(capacity int, clk clock.Clock, logger *slog.Logger) *DeadLetterQueue {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &DeadLetterQueue{clk: clk, logger: logger}
	if capacity > 0 {
		q.buf = make([]Event, capacity)
	}
	return q
}

// SetOnDivert installs a hook invoked after each successful capture.
// Used for operational event emission; must not block.
func (q *DeadLetterQueue) SetOnDivert(fn func(ev Event, reason string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDivert = fn
}

// Add captures a terminally failed event, stamping the diversion reason
// and time into its metadata. Returns false when the queue is full or
// capture is disabled.
func (q *DeadLetterQueue) Add(ev Event, reason string) bool {
	q.mu.Lock()

	if len(q.buf) == 0 || q.count == len(q.buf) {
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		q.logger.Warn("dead letter queue full, dropping event",
			"event_id", ev.ID, "event_type", string(ev.Type), "reason", reason, "total_dropped", dropped)
		return false
	}

	stamped := ev.withMetadata(map[string]any{
		MetaDeadLetterReason:    reason,
		MetaDeadLetterTimestamp: q.clk.Now().UTC(),
	})
	q.buf[(q.start+q.count)%len(q.buf)] = stamped
	q.count++
	hook := q.onDivert
	q.mu.Unlock()

	if hook != nil {
		hook(stamped, reason)
	}
	return true
}

// Events returns up to limit captured events oldest-first without
// mutating the queue. limit <= 0 returns everything.
func (q *DeadLetterQueue) Events(limit int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.start+i)%len(q.buf)]
	}
	return out
}

// Size returns the number of captured events.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns how many events overflowed capture.
func (q *DeadLetterQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
