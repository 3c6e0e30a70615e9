package eventcore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEventType is returned when a persisted event type name has no registry entry.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrDuplicateEvent is returned when an event id is already present in the store.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrDomainInvariantViolation is returned by Event.Apply when the event cannot be
	// applied to the current aggregate state.
	ErrDomainInvariantViolation = errors.New("domain invariant violation")

	// ErrNotFound is returned when no aggregate or projection exists for an id.
	ErrNotFound = errors.New("not found")

	// ErrTransactionAborted is returned when a unit of work is rolled back.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrStreamRevisionConflict is matched by StreamRevisionConflictError.
	ErrStreamRevisionConflict = errors.New("stream revision conflict")

	// ErrInvalidEventBatch is returned when an append mixes aggregates or is otherwise malformed.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrInvalidRevision is returned for an unsupported StreamState.
	ErrInvalidRevision = errors.New("invalid revision")
)

// UnknownEventTypeError reports an event type name missing from an aggregate's registry.
type UnknownEventTypeError struct {
	Aggregate string
	Name      string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q for aggregate %q", e.Name, e.Aggregate)
}

func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// DuplicateEventError reports an event id that was already appended.
type DuplicateEventError struct {
	EventID     uuid.UUID
	AggregateID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event %s for aggregate %q", e.EventID, e.AggregateID)
}

func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrDuplicateEvent
}

// StreamRevisionConflictError is returned when the expected stream revision does not
// match the stored one.
type StreamRevisionConflictError struct {
	Stream           string
	ExpectedRevision Revision
	ActualRevision   Revision
}

func (s StreamRevisionConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %d, actual %d)", s.Stream, s.ExpectedRevision, s.ActualRevision)
}

func (s StreamRevisionConflictError) Is(target error) bool {
	return target == ErrStreamRevisionConflict
}

// InvariantViolationError is a domain error raised from Event.Apply.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return "domain invariant violation: " + e.Reason
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrDomainInvariantViolation
}

// Violation builds an InvariantViolationError.
func Violation(format string, args ...any) error {
	return &InvariantViolationError{Reason: fmt.Sprintf(format, args...)}
}

// EventStoreError wraps a backend failure.
type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err in an EventStoreError, returning nil for a nil err.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Err: err}
}

// ErrorKind names the taxonomy bucket of err, used in failure payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_event_type"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate_event"
	case errors.Is(err, ErrDomainInvariantViolation):
		return "domain_invariant_violation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionAborted):
		return "transaction_aborted"
	case errors.Is(err, ErrStreamRevisionConflict):
		return "revision_conflict"
	default:
		return "internal"
	}
}
