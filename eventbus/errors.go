package eventbus

import "errors"

// Bus errors.
var (
	ErrBusNotStarted        = errors.New("event bus not started")
	ErrBusAlreadyStarted    = errors.New("event bus already started")
	ErrBusShutdownTimeout   = errors.New("event bus shutdown timed out")
	ErrHandlerNil           = errors.New("event handler cannot be nil")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrUnknownTopic         = errors.New("unknown topic")
	ErrQueueFull            = errors.New("event queue full")
	ErrMaxSubscriptions     = errors.New("maximum subscription count reached")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrCircuitOpen          = errors.New("subscriber circuit breaker open")
	ErrHandlerPanic         = errors.New("event handler panicked")
)
