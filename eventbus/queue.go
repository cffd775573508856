package eventbus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// queueItem is one enqueued event plus its publish-time priority and a
// monotonic sequence number that keeps equal-priority events FIFO.
type queueItem struct {
	ev       Event
	priority int
	seq      uint64
}

// itemHeap orders by priority descending, then by enqueue order.
type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return it
}

// eventQueue is a bounded priority queue. Push never blocks: a full
// queue is an immediate ErrQueueFull. Pop waits up to a bounded
// timeout so worker loops stay responsive to shutdown.
//
// The token channel mirrors queue occupancy: one buffered token per
// queued item. A successful token receive entitles the receiver to
// exactly one heap pop, so waiting consumers need no condition
// variable.
type eventQueue struct {
	mu      sync.Mutex
	items   itemHeap
	nextSeq uint64
	tokens  chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{tokens: make(chan struct{}, capacity)}
	heap.Init(&q.items)
	return q
}

// Push enqueues ev at the given priority. Returns ErrQueueFull when the
// queue is at capacity.
func (q *eventQueue) Push(ev Event, priority int) error {
	q.mu.Lock()
	if len(q.items) >= cap(q.tokens) {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.nextSeq++
	heap.Push(&q.items, queueItem{ev: ev, priority: priority, seq: q.nextSeq})
	q.mu.Unlock()

	// Capacity is enforced under the mutex, so there is always room
	// for the matching token and this send cannot block.
	q.tokens <- struct{}{}
	return nil
}

// Pop removes the highest-priority event, waiting up to timeout for one
// to arrive. ok=false means the wait expired or ctx was canceled.
func (q *eventQueue) Pop(ctx context.Context, clk clock.Clock, timeout time.Duration) (Event, bool) {
	select {
	case <-q.tokens:
	default:
		// Empty right now; wait bounded.
		select {
		case <-q.tokens:
		case <-clk.After(timeout):
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}

	q.mu.Lock()
	it := heap.Pop(&q.items).(queueItem)
	q.mu.Unlock()
	return it.ev, true
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *eventQueue) Cap() int {
	return cap(q.tokens)
}
