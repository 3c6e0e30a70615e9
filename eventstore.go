package eventcore

import (
	"context"
	"fmt"
)

// RecordStore is the backend boundary: an append-only log of Records grouped in streams.
//
// Implementations must guarantee:
//   - Records of a stream are returned in append order.
//   - An append is atomic: all records are stored or none.
//   - Concurrency control based on the expected StreamState.
//   - An event id that is already stored is rejected with a DuplicateEventError.
type RecordStore interface {
	// Append adds records to the end of stream. Each record's Version is assigned by the
	// caller and must continue the stream.
	Append(ctx context.Context, stream string, state StreamState, records []Record) (AppendResult, error)

	// Load returns the records of stream, oldest first. A stream that does not exist yields
	// an empty iterator. Each call returns a fresh iterator.
	Load(ctx context.Context, stream string) (*Iterator[Record], error)
}

// AllReader is implemented by stores that keep a global order across streams.
type AllReader interface {
	// LoadFromAll returns records whose GlobalVersion is greater than from.
	LoadFromAll(ctx context.Context, from uint64) (*Iterator[Record], error)
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful          bool
	StreamID            string
	NextExpectedVersion uint64
}

// EventsStore is the system of record for aggregates of type A.
type EventsStore[A Aggregate[A]] interface {
	// ForAggregate returns the history of the aggregate in append order.
	ForAggregate(ctx context.Context, id string) (*Iterator[Event[A]], error)

	// GetAggregate rebuilds the aggregate from its history.
	GetAggregate(ctx context.Context, id string) (A, error)

	// Update appends exactly the staged events of aggregate. It does not clear them.
	Update(ctx context.Context, aggregate A) error
}

// StreamNamer produces the stream name of an aggregate.
type StreamNamer func(aggregateType, id string) string

// DefaultStreamNamer names streams "<aggregate type>-<id>".
var DefaultStreamNamer StreamNamer = func(aggregateType, id string) string {
	return aggregateType + "-" + id
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	StreamNamer StreamNamer
}

// WithStreamNamer overrides DefaultStreamNamer for one store.
func WithStreamNamer(namer StreamNamer) StoreOption {
	return func(o *storeOptions) { o.StreamNamer = namer }
}

// Store is the canonical EventsStore on top of a RecordStore.
type Store[A Aggregate[A]] struct {
	records RecordStore
	typ     *AggregateType[A]
	namer   StreamNamer
}

// NewEventsStore binds an aggregate type to a RecordStore.
func NewEventsStore[A Aggregate[A]](records RecordStore, typ *AggregateType[A], opts ...StoreOption) *Store[A] {
	cfg := storeOptions{StreamNamer: DefaultStreamNamer}
	for _, o := range opts {
		o(&cfg)
	}
	return &Store[A]{records: records, typ: typ, namer: cfg.StreamNamer}
}

// Stream returns the stream name used for id.
func (s *Store[A]) Stream(id string) string {
	return s.namer(s.typ.Name, id)
}

// ForAggregate implements EventsStore.
func (s *Store[A]) ForAggregate(ctx context.Context, id string) (*Iterator[Event[A]], error) {
	records, err := s.records.Load(ctx, s.Stream(id))
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", s.typ.Name, id, err)
	}
	return MapIterator(records, s.typ.Events.Decode), nil
}

// GetAggregate implements EventsStore.
func (s *Store[A]) GetAggregate(ctx context.Context, id string) (A, error) {
	history, err := s.ForAggregate(ctx, id)
	if err != nil {
		var zero A
		return zero, err
	}
	return s.typ.ReplayIter(ctx, history)
}

// Update implements EventsStore. The append expects the stream to be exactly at the
// aggregate's version, so two writers racing on the same aggregate cannot both succeed.
func (s *Store[A]) Update(ctx context.Context, aggregate A) error {
	base := aggregate.Base()
	staged := base.events
	if len(staged) == 0 {
		return nil
	}

	id := base.id
	stream := s.Stream(id)
	records := make([]Record, len(staged))
	for i, e := range staged {
		rec, err := s.typ.Events.Encode(e)
		if err != nil {
			return fmt.Errorf("update %s %q: %w", s.typ.Name, id, err)
		}
		if rec.AggregateID != id {
			return fmt.Errorf("update %s %q: event %s belongs to %q: %w", s.typ.Name, id, rec.EventID, rec.AggregateID, ErrInvalidEventBatch)
		}
		rec.StreamID = stream
		rec.Version = base.version + uint64(i) + 1
		records[i] = rec
	}

	if _, err := s.records.Append(ctx, stream, ExpectRevision(base.version), records); err != nil {
		return fmt.Errorf("update %s %q: %w", s.typ.Name, id, err)
	}
	return nil
}
