package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure class. Typed errors below unwrap to their
// sentinel via Is so callers can use errors.Is without knowing the concrete type.
var (
	ErrConnection        = errors.New("change source connection failed")
	ErrNotificationParse = errors.New("malformed notification")
	ErrIndexing          = errors.New("indexing failed")
	ErrValidation        = errors.New("invalid request")
	ErrGeneration        = errors.New("generation failed")
	ErrRetrieval         = errors.New("retrieval failed")

	ErrTopKNotPositive = errors.New("top_k must be positive")
	ErrEmptyQuery      = errors.New("query text is empty")
	ErrQueryTooLong    = errors.New("query text too long")
	ErrMissingID       = errors.New("record id missing")
	ErrUnknownOp       = errors.New("unknown operation")
)

// ConnectionError reports the record store being unreachable or refusing auth.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// NotificationParseError reports a payload that could not be decoded into a ChangeEvent.
type NotificationParseError struct {
	Payload string
	Err     error
}

const maxPayloadInError = 256

func (e *NotificationParseError) Error() string {
	p := e.Payload
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError] + "..."
	}
	return fmt.Sprintf("parse notification: %v (payload=%q)", e.Err, p)
}

func (e *NotificationParseError) Unwrap() error { return e.Err }

func (e *NotificationParseError) Is(target error) bool { return target == ErrNotificationParse }

// IndexingError reports a failure to embed or write a single record.
type IndexingError struct {
	RecordID string
	Stage    string
	Err      error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("index record %s: %s: %v", e.RecordID, e.Stage, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

func (e *IndexingError) Is(target error) bool { return target == ErrIndexing }

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// GenerationError reports a failed or timed-out call to the generation backend.
// StatusCode is zero when the failure happened below HTTP (transport, timeout).
type GenerationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generation: %s", e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// RetrievalError reports the query embedding or the vector search failing.
type RetrievalError struct {
	Stage string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval: %s: %v", e.Stage, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

func (e *RetrievalError) Is(target error) bool { return target == ErrRetrieval }
