package eventbus

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Operational event types emitted by the bus itself, distinct from the
// domain events it carries. Consumers subscribe through WithObserver.
const (
	OpsEventBusStarted          = "com.onlinetrading.eventbus.started"
	OpsEventBusStopped          = "com.onlinetrading.eventbus.stopped"
	OpsEventDropped             = "com.onlinetrading.eventbus.event.dropped"
	OpsEventDeadLettered        = "com.onlinetrading.eventbus.event.deadlettered"
	OpsEventSubscriptionCreated = "com.onlinetrading.eventbus.subscription.created"
	OpsEventSubscriptionRemoved = "com.onlinetrading.eventbus.subscription.removed"
)

// OpsEventSource identifies the bus in the CloudEvents source field.
const OpsEventSource = "eventbus"

// ObserverFunc receives operational CloudEvents. It must not block;
// slow sinks should buffer internally.
type ObserverFunc func(ctx context.Context, e cloudevents.Event)

// NewOpsEvent builds an operational CloudEvent in the canonical shape:
// UUIDv7 ID, JSON data, extensions from metadata.
func NewOpsEvent(eventType string, data any, metadata map[string]any) cloudevents.Event {
	e := cloudevents.NewEvent()
	e.SetID(newEventID())
	e.SetSource(OpsEventSource)
	e.SetType(eventType)
	e.SetTime(time.Now())
	e.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = e.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		e.SetExtension(key, value)
	}
	return e
}

// emit delivers an operational event to the observer, if one is set.
// Observer panics are contained so instrumentation can never take down
// a worker.
func (b *Bus) emit(ctx context.Context, eventType string, data map[string]any) {
	if b.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("ops event observer panicked", "event_type", eventType, "panic", r)
		}
	}()
	b.observer(ctx, NewOpsEvent(eventType, data, nil))
}
