package eventcore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestErrorStrings(t *testing.T) {
	id := uuid.MustParse("7b0d8a5e-2c1f-4c39-9a55-3f1a2b9c0d11")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "StreamRevisionConflictError",
			err: StreamRevisionConflictError{
				Stream:           "stream-123",
				ExpectedRevision: Revision(5),
				ActualRevision:   Revision(7),
			},
			want: `concurrency conflict on stream "stream-123": (expected version 5, actual 7)`,
		},
		{
			name: "UnknownEventTypeError",
			err:  &UnknownEventTypeError{Aggregate: "Account", Name: "Closed"},
			want: `unknown event type "Closed" for aggregate "Account"`,
		},
		{
			name: "DuplicateEventError",
			err:  &DuplicateEventError{EventID: id, AggregateID: "acc-1"},
			want: `duplicate event 7b0d8a5e-2c1f-4c39-9a55-3f1a2b9c0d11 for aggregate "acc-1"`,
		},
		{
			name: "Violation",
			err:  Violation("balance %d below zero", -5),
			want: "domain invariant violation: balance -5 below zero",
		},
		{
			name: "EventStoreError",
			err:  WrapEventStoreError(errors.New("disk full")),
			want: "eventstore error: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	reset := errors.New("connection reset")

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&UnknownEventTypeError{Aggregate: "Account", Name: "Closed"}, "unknown_event_type"},
		{fmt.Errorf("append: %w", &DuplicateEventError{}), "duplicate_event"},
		{Violation("overdraft"), "domain_invariant_violation"},
		{fmt.Errorf("account %q: %w", "a", ErrNotFound), "not_found"},
		{ErrTransactionAborted, "transaction_aborted"},
		{StreamRevisionConflictError{Stream: "s"}, "revision_conflict"},
		{WrapEventStoreError(StreamRevisionConflictError{Stream: "s"}), "revision_conflict"},
		{WrapEventStoreError(reset), "internal"},
		{reset, "internal"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.want {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapEventStoreError(t *testing.T) {
	if WrapEventStoreError(nil) != nil {
		t.Error("wrapping nil must return nil")
	}

	cause := errors.New("boom")
	err := WrapEventStoreError(cause)

	var storeErr *EventStoreError
	if !errors.As(err, &storeErr) || !errors.Is(err, cause) {
		t.Errorf("expected an EventStoreError wrapping the cause, got %v", err)
	}
}

func TestCheckRevision(t *testing.T) {
	tests := []struct {
		name    string
		state   StreamState
		current uint64
		wantErr error
	}{
		{"any on empty", Any{}, 0, nil},
		{"any on existing", Any{}, 3, nil},
		{"no stream on empty", NoStream{}, 0, nil},
		{"no stream on existing", NoStream{}, 1, ErrStreamRevisionConflict},
		{"exists on existing", StreamExists{}, 2, nil},
		{"exists on empty", StreamExists{}, 0, ErrStreamRevisionConflict},
		{"exact revision", Revision(4), 4, nil},
		{"stale revision", Revision(3), 4, ErrStreamRevisionConflict},
		{"unsupported state", nil, 0, ErrInvalidRevision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRevision("stream", tt.state, tt.current)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	var conflict StreamRevisionConflictError
	if err := CheckRevision("s", Revision(1), 2); !errors.As(err, &conflict) || conflict.ActualRevision != 2 {
		t.Errorf("expected the actual revision in the conflict, got %v", err)
	}
}

func TestExpectRevision(t *testing.T) {
	if _, ok := ExpectRevision(0).(NoStream); !ok {
		t.Errorf("version 0 should expect NoStream, got %T", ExpectRevision(0))
	}
	if got := ExpectRevision(3); got != Revision(3) {
		t.Errorf("version 3 should expect Revision(3), got %v", got)
	}
}
