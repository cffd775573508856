package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of message flowing through the bus.
// The set is closed; every type maps to exactly one wire topic.
type EventType string

const (
	EventTypeCandleUpdate       EventType = "CANDLE_UPDATE"
	EventTypeFeaturesCalculated EventType = "FEATURES_CALCULATED"
	EventTypeSMCSignal          EventType = "SMC_SIGNAL"
	EventTypeRetestSignal       EventType = "RETEST_SIGNAL"
	EventTypeTradingDecision    EventType = "TRADING_DECISION"
	EventTypeOrderFilled        EventType = "ORDER_FILLED"
	EventTypePositionUpdate     EventType = "POSITION_UPDATE"
	EventTypeSystemStatus       EventType = "SYSTEM_STATUS"
)

// Wire topics, one per event type. Versioned so payload schema changes
// can run side by side during migrations.
const (
	TopicCandles       = "candles.v1"
	TopicFeatures      = "features.v1"
	TopicSMCSignals    = "signals.smc.v1"
	TopicRetestSignals = "signals.retest.v1"
	TopicDecisions     = "decisions.v1"
	TopicOrderFills    = "orders.filled.v1"
	TopicPositions     = "positions.v1"
	TopicSystemStatus  = "system.status.v1"
)

var topicByType = map[EventType]string{
	EventTypeCandleUpdate:       TopicCandles,
	EventTypeFeaturesCalculated: TopicFeatures,
	EventTypeSMCSignal:          TopicSMCSignals,
	EventTypeRetestSignal:       TopicRetestSignals,
	EventTypeTradingDecision:    TopicDecisions,
	EventTypeOrderFilled:        TopicOrderFills,
	EventTypePositionUpdate:     TopicPositions,
	EventTypeSystemStatus:       TopicSystemStatus,
}

var typeByTopic = func() map[string]EventType {
	m := make(map[string]EventType, len(topicByType))
	for t, topic := range topicByType {
		m[topic] = t
	}
	return m
}()

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := topicByType[t]
	return ok
}

// Topic returns the wire topic for this event type, or "" for unknown
// types.
func (t EventType) Topic() string {
	return topicByType[t]
}

// TypeForTopic resolves a wire topic to its event type.
func TypeForTopic(topic string) (EventType, error) {
	t, ok := typeByTopic[topic]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return t, nil
}

// EventTypes returns all known event types.
func EventTypes() []EventType {
	return []EventType{
		EventTypeCandleUpdate,
		EventTypeFeaturesCalculated,
		EventTypeSMCSignal,
		EventTypeRetestSignal,
		EventTypeTradingDecision,
		EventTypeOrderFilled,
		EventTypePositionUpdate,
		EventTypeSystemStatus,
	}
}

// Event is a message on the bus. Payload holds the typed body; Metadata
// carries routing and provenance notes. The bus copies Metadata before
// stamping its own keys, so a published Event value is never mutated.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Symbol    string         `json:"symbol,omitempty"`
	Timeframe string         `json:"timeframe,omitempty"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh time-ordered ID and a UTC
// timestamp.
func NewEvent(eventType EventType, payload any) Event {
	return Event{
		ID:        newEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// newEventID returns a UUIDv7 so event IDs sort by creation time.
// Falls back to v4 if the system clock is unusable.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// withMetadata returns a copy of the event with the given keys set on a
// cloned metadata map.
func (e Event) withMetadata(kv map[string]any) Event {
	meta := make(map[string]any, len(e.Metadata)+len(kv))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	for k, v := range kv {
		meta[k] = v
	}
	e.Metadata = meta
	return e
}

// Handler processes one event. Handlers must respect ctx cancellation;
// the bus enforces a per-call deadline and recovers panics, but a
// handler that ignores ctx still occupies a concurrency slot until it
// returns.
type Handler func(ctx context.Context, event Event) error
