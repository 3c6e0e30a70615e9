package eventcore

import (
	"context"
	"fmt"
	"time"
)

// Lifecycle is the explicit "has this aggregate been created" discriminant.
type Lifecycle uint8

const (
	// Uninitialized is the state of an Empty aggregate.
	Uninitialized Lifecycle = iota
	// Active is set by a creation event through AggregateBase.Create.
	Active
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	}
	return fmt.Sprintf("Lifecycle(%d)", uint8(l))
}

// Aggregate is implemented by embedding AggregateBase[A] in the aggregate struct A.
//
//	type Account struct {
//	    eventcore.AggregateBase[*Account]
//	    Balance int64
//	}
type Aggregate[A any] interface {
	Base() *AggregateBase[A]
}

// AggregateBase holds identity, timestamps, version and the staged events of an aggregate.
type AggregateBase[A any] struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	lifecycle Lifecycle

	// version counts the persisted events folded into this instance.
	version uint64
	events  []Event[A]
}

// Base implements Aggregate.
func (a *AggregateBase[A]) Base() *AggregateBase[A] {
	return a
}

// EntityID returns the unique identifier of the aggregate.
func (a *AggregateBase[A]) EntityID() string {
	return a.id
}

func (a *AggregateBase[A]) CreatedAt() time.Time { return a.createdAt }
func (a *AggregateBase[A]) UpdatedAt() time.Time { return a.updatedAt }
func (a *AggregateBase[A]) Lifecycle() Lifecycle { return a.lifecycle }

// IsCreated reports whether a creation event has been applied.
func (a *AggregateBase[A]) IsCreated() bool {
	return a.lifecycle == Active
}

// Version is the number of persisted events this instance was built from.
func (a *AggregateBase[A]) Version() uint64 {
	return a.version
}

// Create is called from the Apply of a creation event.
func (a *AggregateBase[A]) Create(id string, at time.Time) {
	a.id = id
	a.createdAt = at
	a.lifecycle = Active
}

// Events returns the events applied since the aggregate was loaded, in apply order.
func (a *AggregateBase[A]) Events() []Event[A] {
	out := make([]Event[A], len(a.events))
	copy(out, a.events)
	return out
}

// ClearEvents marks the staged events as persisted: the version moves forward and the
// staged list is emptied. Call it after a successful EventsStore.Update.
func (a *AggregateBase[A]) ClearEvents() {
	a.version += uint64(len(a.events))
	a.events = nil
}

// Snapshot returns a copy of the bookkeeping without the staged events.
func (a *AggregateBase[A]) Snapshot() AggregateBase[A] {
	c := *a
	c.events = nil
	return c
}

// ApplyEvent mutates aggregate with e and stages e for persistence. If Apply fails the
// staged events and the metadata of e are left untouched and the error is returned.
// An event addressed to another aggregate fails with ErrInvalidEventBatch.
func ApplyEvent[A Aggregate[A]](aggregate A, e Event[A]) error {
	base := aggregate.Base()
	original := e.Metadata()
	if base.id != "" && original.AggregateID != "" && original.AggregateID != base.id {
		return fmt.Errorf("apply %s to %q: event belongs to %q: %w", e.EventType(), base.id, original.AggregateID, ErrInvalidEventBatch)
	}
	completeMetadata(e, base.id)

	if err := Mutate(e, aggregate); err != nil {
		e.SetMetadata(original)
		return err
	}
	base.events = append(base.events, e)
	return nil
}

// AggregateType ties an aggregate constructor to its events registry.
type AggregateType[A Aggregate[A]] struct {
	Name   string
	New    func() A
	Events *EventsRegistry[A]
}

// NewAggregateType creates an AggregateType with an empty registry.
func NewAggregateType[A Aggregate[A]](name string, newFn func() A) *AggregateType[A] {
	return &AggregateType[A]{
		Name:   name,
		New:    newFn,
		Events: NewEventsRegistry[A](name),
	}
}

// Empty returns an uninitialized aggregate with no staged events.
func (t *AggregateType[A]) Empty() A {
	return t.New()
}

// Replay rebuilds an aggregate by folding history in order. Every event type is checked
// against the registry before anything is applied. On error the zero A is returned.
// Replayed events are not staged.
func (t *AggregateType[A]) Replay(history []Event[A]) (A, error) {
	var zero A

	for i, e := range history {
		if err := t.Events.check(e); err != nil {
			return zero, fmt.Errorf("replay %s: event %d: %w", t.Name, i, err)
		}
	}

	obj := t.Empty()
	for i, e := range history {
		if err := Mutate(e, obj); err != nil {
			return zero, fmt.Errorf("replay %s: event %d: %w", t.Name, i, err)
		}
	}
	obj.Base().version = uint64(len(history))
	return obj, nil
}

// ReplayIter is Replay over a lazy history.
func (t *AggregateType[A]) ReplayIter(ctx context.Context, history *Iterator[Event[A]]) (A, error) {
	var zero A

	obj := t.Empty()
	var count uint64
	for history.Next(ctx) {
		e := history.Value()
		if err := t.Events.check(e); err != nil {
			return zero, fmt.Errorf("replay %s: event %d: %w", t.Name, count, err)
		}
		if err := Mutate(e, obj); err != nil {
			return zero, fmt.Errorf("replay %s: event %d: %w", t.Name, count, err)
		}
		count++
	}
	if err := history.Err(); err != nil {
		return zero, fmt.Errorf("replay %s: %w", t.Name, err)
	}

	obj.Base().version = count
	return obj, nil
}

// ReplayRecords decodes records through the registry and replays them.
func (t *AggregateType[A]) ReplayRecords(ctx context.Context, records *Iterator[Record]) (A, error) {
	return t.ReplayIter(ctx, MapIterator(records, t.Events.Decode))
}

// Project folds one persisted record into aggregate, the way a projector catches up.
// Records at or below the aggregate's version are skipped and reported with false; a
// record that leaves a gap fails with ErrInvalidEventBatch.
func (t *AggregateType[A]) Project(aggregate A, rec Record) (bool, error) {
	base := aggregate.Base()
	if rec.Version <= base.version {
		return false, nil
	}
	if rec.Version != base.version+1 {
		return false, fmt.Errorf("project %s %q: record version %d after %d: %w", t.Name, rec.AggregateID, rec.Version, base.version, ErrInvalidEventBatch)
	}

	e, err := t.Events.Decode(rec)
	if err != nil {
		return false, fmt.Errorf("project %s %q: %w", t.Name, rec.AggregateID, err)
	}
	if err := Mutate(e, aggregate); err != nil {
		return false, fmt.Errorf("project %s %q: %w", t.Name, rec.AggregateID, err)
	}
	base.version = rec.Version
	return true, nil
}
