package market

import (
	"sync"
)

// Ring is a fixed-capacity buffer of the most recent candles for one
// (venue, symbol, timeframe) series. Writers append newest-last; when
// full, the oldest candle is overwritten. Safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []Candle
	start int
	count int
}

// NewRing creates a ring holding up to capacity candles. Capacity
// below 1 is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Candle, capacity)}
}

// Push appends a candle, evicting the oldest when full. A candle with
// the same open time as the newest entry replaces it in place, so a
// re-sent bar never duplicates.
func (r *Ring) Push(c Candle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		lastIdx := (r.start + r.count - 1) % len(r.buf)
		if r.buf[lastIdx].OpenTime.Equal(c.OpenTime) {
			r.buf[lastIdx] = c
			return
		}
	}

	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = c
		r.count++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of candles held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Last returns the newest candle, if any.
func (r *Ring) Last() (Candle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return Candle{}, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

// Snapshot copies the held candles oldest-first.
func (r *Ring) Snapshot() []Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candle, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
