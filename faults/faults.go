// Package faults classifies pipeline errors and fans them out to
// logging, metrics and retry handlers. Every error reported through the
// manager carries a category, a severity and the component/operation
// pair that produced it, so downstream policy never depends on message
// text.
package faults

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies where in the pipeline an error originated.
type Category string

const (
	CategorySubscription   Category = "SUBSCRIPTION"
	CategoryProcessing     Category = "PROCESSING"
	CategoryQueue          Category = "QUEUE"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategoryNetwork        Category = "NETWORK"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryResource       Category = "RESOURCE"
	CategoryValidation     Category = "VALIDATION"
	CategoryCircuitBreaker Category = "CIRCUIT_BREAKER"
)

// Severity ranks operational impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// defaultSeverity is applied when a constructor gets no WithSeverity
// option. Queue, resource and breaker trips degrade the whole pipeline,
// configuration errors are fatal at startup, validation failures only
// affect the single message.
var defaultSeverity = map[Category]Severity{
	CategorySubscription:   SeverityMedium,
	CategoryProcessing:     SeverityMedium,
	CategoryQueue:          SeverityHigh,
	CategoryConfiguration:  SeverityHigh,
	CategoryNetwork:        SeverityMedium,
	CategoryTimeout:        SeverityMedium,
	CategoryResource:       SeverityHigh,
	CategoryValidation:     SeverityLow,
	CategoryCircuitBreaker: SeverityHigh,
}

// Context is the structured report attached to an Error.
type Context struct {
	ErrorID       string         `json:"error_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Category      Category       `json:"category"`
	Severity      Severity       `json:"severity"`
	Component     string         `json:"component"`
	Operation     string         `json:"operation"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
}

// Error is a classified pipeline error wrapping an optional cause.
type Error struct {
	Context Context
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s.%s: %s: %v",
			e.Context.Category, e.Context.Severity, e.Context.Component, e.Context.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s.%s: %s",
		e.Context.Category, e.Context.Severity, e.Context.Component, e.Context.Operation, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Option customizes an Error at construction.
type Option func(*Error)

// WithSeverity overrides the category's default severity.
func WithSeverity(s Severity) Option {
	return func(e *Error) { e.Context.Severity = s }
}

// WithMetadata attaches one metadata key to the error context.
func WithMetadata(key string, value any) Option {
	return func(e *Error) {
		if e.Context.Metadata == nil {
			e.Context.Metadata = make(map[string]any)
		}
		e.Context.Metadata[key] = value
	}
}

// WithCorrelationID links the error to the event or request that
// triggered it.
func WithCorrelationID(id string) Option {
	return func(e *Error) { e.Context.CorrelationID = id }
}

// WithRetries records how many attempts were already made and how many
// are allowed. The retry handler skips errors that exhausted their
// budget.
func WithRetries(count, max int) Option {
	return func(e *Error) {
		e.Context.RetryCount = count
		e.Context.MaxRetries = max
	}
}

// New builds a classified error. The cause may be nil.
func New(category Category, component, operation, message string, cause error, opts ...Option) *Error {
	e := &Error{
		Context: Context{
			ErrorID:   uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Category:  category,
			Severity:  defaultSeverity[category],
			Component: component,
			Operation: operation,
		},
		Message: message,
		Cause:   cause,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewSubscriptionError reports a subscription lifecycle failure.
func NewSubscriptionError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategorySubscription, component, operation, message, cause, opts...)
}

// NewProcessingError reports a handler execution failure.
func NewProcessingError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryProcessing, component, operation, message, cause, opts...)
}

// NewQueueError reports an enqueue or queue capacity failure.
func NewQueueError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryQueue, component, operation, message, cause, opts...)
}

// NewConfigurationError reports an invalid or missing configuration
// value. Configuration errors are never retried.
func NewConfigurationError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryConfiguration, component, operation, message, cause, opts...)
}

// NewNetworkError reports a connectivity failure to an upstream venue.
func NewNetworkError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryNetwork, component, operation, message, cause, opts...)
}

// NewTimeoutError reports a deadline overrun.
func NewTimeoutError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryTimeout, component, operation, message, cause, opts...)
}

// NewResourceError reports an exhausted limit such as a full queue or
// subscriber cap.
func NewResourceError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryResource, component, operation, message, cause, opts...)
}

// NewValidationError reports malformed input. Validation errors are
// never retried.
func NewValidationError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryValidation, component, operation, message, cause, opts...)
}

// NewCircuitBreakerError reports a dispatch skipped by an open breaker.
func NewCircuitBreakerError(component, operation, message string, cause error, opts ...Option) *Error {
	return New(CategoryCircuitBreaker, component, operation, message, cause, opts...)
}

// Classify returns err as a classified *Error. Unclassified errors are
// wrapped as PROCESSING/MEDIUM attributed to the given component and
// operation.
func Classify(err error, component, operation string) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return NewProcessingError(component, operation, "unclassified error", err)
}

// CategoryOf extracts the category of err, defaulting to PROCESSING for
// unclassified errors.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Context.Category
	}
	return CategoryProcessing
}

// SeverityOf extracts the severity of err, defaulting to MEDIUM.
func SeverityOf(err error) Severity {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Context.Severity
	}
	return SeverityMedium
}

// Retryable reports whether the retry handler may re-attempt the
// operation behind err. Configuration and validation failures repeat
// deterministically and critical errors need intervention, so none of
// those qualify.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Context.Category {
	case CategoryConfiguration, CategoryValidation:
		return false
	}
	if fe.Context.Severity == SeverityCritical {
		return false
	}
	if fe.Context.MaxRetries > 0 && fe.Context.RetryCount >= fe.Context.MaxRetries {
		return false
	}
	return true
}
