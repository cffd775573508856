package eventbus

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SubhajL/online-trading-sub000/faults"
)

// Subscription binds a handler to a set of event types with a dispatch
// priority and a failure budget. Handler, filter and priority are fixed
// at creation; the mutable outcome state is guarded by the record's own
// mutex and only touched through record methods.
type Subscription struct {
	ID           string
	SubscriberID string
	Handler      Handler
	Types        map[EventType]struct{} // empty means all event types
	Priority     int
	MaxRetries   int
	CreatedAt    time.Time

	seq uint64 // registration order, breaks priority ties

	mu             sync.Mutex
	active         bool
	retryCount     int
	lastError      string
	processedCount uint64
	failedCount    uint64
}

// Matches reports whether the subscription wants events of type t.
func (s *Subscription) Matches(t EventType) bool {
	if len(s.Types) == 0 {
		return true
	}
	_, ok := s.Types[t]
	return ok
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RetryCount returns the current consecutive-failure count.
func (s *Subscription) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// LastError returns the message of the most recent failure, if any.
func (s *Subscription) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// recordFailure notes one failed handler attempt. Returns true when
// this failure exhausted the budget and deactivated the subscription.
func (s *Subscription) recordFailure(msg string) (deactivated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	s.retryCount++
	s.lastError = msg
	s.failedCount++
	if s.retryCount > s.MaxRetries {
		s.active = false
		return true
	}
	return false
}

// recordSuccess notes one successful handler attempt and clears the
// failure streak.
func (s *Subscription) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
	s.lastError = ""
	s.processedCount++
}

// Info is a read-only snapshot of one subscription for the ops surface.
type Info struct {
	ID             string    `json:"id"`
	SubscriberID   string    `json:"subscriber_id"`
	EventTypes     []string  `json:"event_types,omitempty"`
	Priority       int       `json:"priority"`
	MaxRetries     int       `json:"max_retries"`
	RetryCount     int       `json:"retry_count"`
	Active         bool      `json:"active"`
	LastError      string    `json:"last_error,omitempty"`
	ProcessedCount uint64    `json:"processed_count"`
	FailedCount    uint64    `json:"failed_count"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Subscription) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	var types []string
	for t := range s.Types {
		types = append(types, string(t))
	}
	return Info{
		ID:             s.ID,
		SubscriberID:   s.SubscriberID,
		EventTypes:     types,
		Priority:       s.Priority,
		MaxRetries:     s.MaxRetries,
		RetryCount:     s.retryCount,
		Active:         s.active,
		LastError:      s.lastError,
		ProcessedCount: s.processedCount,
		FailedCount:    s.failedCount,
		CreatedAt:      s.CreatedAt,
	}
}

// Registry owns subscription records and their selection indices.
// Lookups by ID and by event type are O(1) map hits; per-type lists are
// kept priority-sorted at insert time, which is fine at the expected
// scale of hundreds of subscriptions.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	maxSubscriptions int
	nextSeq          uint64

	byID      map[string]*Subscription
	byType    map[EventType][]*Subscription
	allEvents []*Subscription
}

// NewRegistry creates a registry capped at maxSubscriptions records.
func NewRegistry(maxSubscriptions int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:           logger,
		maxSubscriptions: maxSubscriptions,
		byID:             make(map[string]*Subscription),
		byType:           make(map[EventType][]*Subscription),
	}
}

// Add registers a handler. An empty types slice subscribes to all event
// types. Fails with a RESOURCE error once the registry cap is reached.
func (r *Registry) Add(subscriberID string, handler Handler, types []EventType, priority, maxRetries int) (*Subscription, error) {
	if handler == nil {
		return nil, ErrHandlerNil
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, faults.NewValidationError("registry", "add_subscription",
				"unknown event type", ErrUnknownEventType,
				faults.WithMetadata("event_type", string(t)))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxSubscriptions {
		return nil, faults.NewResourceError("registry", "add_subscription",
			"maximum subscription count reached", ErrMaxSubscriptions,
			faults.WithMetadata("max_subscriptions", r.maxSubscriptions))
	}

	typeSet := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	r.nextSeq++
	sub := &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Handler:      handler,
		Types:        typeSet,
		Priority:     priority,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now().UTC(),
		seq:          r.nextSeq,
		active:       true,
	}

	r.byID[sub.ID] = sub
	if len(typeSet) == 0 {
		r.allEvents = insertSorted(r.allEvents, sub)
	} else {
		for t := range typeSet {
			r.byType[t] = insertSorted(r.byType[t], sub)
		}
	}

	r.logger.Debug("subscription added",
		"subscription_id", sub.ID, "subscriber_id", subscriberID,
		"priority", priority, "max_retries", maxRetries, "event_types", len(typeSet))
	return sub, nil
}

// insertSorted places sub into a slice kept sorted by priority
// descending, ties by registration order.
func insertSorted(subs []*Subscription, sub *Subscription) []*Subscription {
	i := len(subs)
	for ; i > 0; i-- {
		prev := subs[i-1]
		if prev.Priority > sub.Priority || (prev.Priority == sub.Priority && prev.seq < sub.seq) {
			break
		}
	}
	subs = append(subs, nil)
	copy(subs[i+1:], subs[i:])
	subs[i] = sub
	return subs
}

// Remove deletes a subscription from all indices. Returns false for
// unknown IDs.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	if len(sub.Types) == 0 {
		r.allEvents = removeSub(r.allEvents, id)
	} else {
		for t := range sub.Types {
			r.byType[t] = removeSub(r.byType[t], id)
			if len(r.byType[t]) == 0 {
				delete(r.byType, t)
			}
		}
	}

	r.logger.Debug("subscription removed", "subscription_id", id, "subscriber_id", sub.SubscriberID)
	return true
}

func removeSub(subs []*Subscription, id string) []*Subscription {
	for i, s := range subs {
		if s.ID == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Get returns the subscription with the given ID.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// ForEvent returns the active subscriptions that want events of type t,
// priority descending with ties in registration order. Type-specific
// and all-events subscriptions are merged; inactive records are
// filtered here so the processor never sees them.
func (r *Registry) ForEvent(t EventType) []*Subscription {
	r.mu.RLock()
	typed := r.byType[t]
	all := r.allEvents
	merged := make([]*Subscription, 0, len(typed)+len(all))

	// Both inputs are sorted; merge keeps the order stable.
	i, j := 0, 0
	for i < len(typed) && j < len(all) {
		if before(typed[i], all[j]) {
			merged = append(merged, typed[i])
			i++
		} else {
			merged = append(merged, all[j])
			j++
		}
	}
	merged = append(merged, typed[i:]...)
	merged = append(merged, all[j:]...)
	r.mu.RUnlock()

	out := merged[:0]
	for _, sub := range merged {
		if sub.IsActive() {
			out = append(out, sub)
		}
	}
	return out
}

// before reports whether a dispatches ahead of b.
func before(a, b *Subscription) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Count returns the number of registered subscriptions, active or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ActiveCount returns the number of subscriptions still receiving
// events.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			n++
		}
	}
	return n
}

// RecordFailure notes a failed attempt against the subscription's
// budget. Returns deactivated=true when this failure was terminal.
func (r *Registry) RecordFailure(id, errMsg string) (deactivated, ok bool) {
	r.mu.RLock()
	sub, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return false, false
	}

	deactivated = sub.recordFailure(errMsg)
	if deactivated {
		r.logger.Warn("subscription deactivated after exhausting retries",
			"subscription_id", id, "subscriber_id", sub.SubscriberID,
			"max_retries", sub.MaxRetries, "last_error", errMsg)
	}
	return deactivated, true
}

// RecordSuccess clears the subscription's failure streak.
func (r *Registry) RecordSuccess(id string) bool {
	r.mu.RLock()
	sub, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sub.recordSuccess()
	return true
}

// Infos snapshots every subscription for the ops surface, newest last.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	out := make([]Info, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.info())
	}
	return out
}
