package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
)

// MemoryStore is a RecordStore kept in process memory. It keeps a global order across
// streams, so it also implements eventcore.AllReader.
type MemoryStore struct {
	mu        sync.RWMutex
	global    []eventcore.Record
	events    map[string][]eventcore.Record
	ids       map[uuid.UUID]struct{}
	publisher eventcore.Publisher
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithPublisher forwards every committed batch to p after the store lock is released.
func WithPublisher(p eventcore.Publisher) Option {
	return func(m *MemoryStore) { m.publisher = p }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		events: make(map[string][]eventcore.Record),
		global: make([]eventcore.Record, 0),
		ids:    make(map[uuid.UUID]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// batch is one pending append.
type batch struct {
	stream  string
	state   eventcore.StreamState
	records []eventcore.Record
}

func (m *MemoryStore) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return eventcore.AppendResult{}, err
	}
	results, err := m.commit(ctx, []batch{{stream: stream, state: state, records: records}})
	if err != nil {
		return eventcore.AppendResult{}, err
	}
	return results[0], nil
}

// commit validates all batches against the committed state and then applies them, or
// applies none.
func (m *MemoryStore) commit(ctx context.Context, batches []batch) ([]eventcore.AppendResult, error) {
	m.mu.Lock()

	staged := make(map[string]uint64)
	seen := make(map[uuid.UUID]struct{})
	prepared := make([][]eventcore.Record, len(batches))

	for i, b := range batches {
		current := uint64(len(m.events[b.stream])) + staged[b.stream]
		records, err := m.prepare(b, current, seen)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		prepared[i] = records
		staged[b.stream] += uint64(len(records))
	}

	results := make([]eventcore.AppendResult, len(batches))
	var committed []eventcore.Record
	for i, b := range batches {
		for _, rec := range prepared[i] {
			rec.GlobalVersion = uint64(len(m.global)) + 1
			m.events[b.stream] = append(m.events[b.stream], rec)
			m.global = append(m.global, rec)
			m.ids[rec.EventID] = struct{}{}
			committed = append(committed, rec)
		}
		results[i] = eventcore.AppendResult{
			Successful:          true,
			StreamID:            b.stream,
			NextExpectedVersion: uint64(len(m.events[b.stream])),
		}
	}
	m.mu.Unlock()

	if m.publisher != nil && len(committed) > 0 {
		m.publisher.Publish(ctx, committed...)
	}
	return results, nil
}

// prepare checks one batch and returns its records with stream and version filled in.
// The caller holds m.mu.
func (m *MemoryStore) prepare(b batch, current uint64, seen map[uuid.UUID]struct{}) ([]eventcore.Record, error) {
	if err := eventcore.CheckRevision(b.stream, b.state, current); err != nil {
		return nil, err
	}

	records := make([]eventcore.Record, len(b.records))
	for i, rec := range b.records {
		if rec.StreamID == "" {
			rec.StreamID = b.stream
		}
		if rec.StreamID != b.stream {
			return nil, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				b.stream, eventcore.ErrInvalidEventBatch, i, rec.StreamID,
			)
		}

		want := current + uint64(i) + 1
		if rec.Version == 0 {
			rec.Version = want
		}
		if rec.Version != want {
			return nil, fmt.Errorf(
				"save events to stream %q: %w: event %d has version %d, want %d",
				b.stream, eventcore.ErrInvalidEventBatch, i, rec.Version, want,
			)
		}

		if _, exists := m.ids[rec.EventID]; exists {
			return nil, &eventcore.DuplicateEventError{EventID: rec.EventID, AggregateID: rec.AggregateID}
		}
		if _, exists := seen[rec.EventID]; exists {
			return nil, &eventcore.DuplicateEventError{EventID: rec.EventID, AggregateID: rec.AggregateID}
		}
		seen[rec.EventID] = struct{}{}
		records[i] = rec
	}
	return records, nil
}

// Load returns a snapshot of the stream. Later appends are not visible to the iterator.
func (m *MemoryStore) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	m.mu.RLock()
	events := append([]eventcore.Record(nil), m.events[stream]...)
	m.mu.RUnlock()

	return eventcore.NewSliceIterator(events), nil
}

// LoadFromAll returns records whose GlobalVersion is greater than version.
func (m *MemoryStore) LoadFromAll(ctx context.Context, version uint64) (*eventcore.Iterator[eventcore.Record], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if version >= uint64(len(m.global)) {
		return eventcore.NewSliceIterator[eventcore.Record](nil), nil
	}
	return eventcore.NewSliceIterator(append([]eventcore.Record(nil), m.global[version:]...)), nil
}

// Len returns the number of records in the store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.global)
}

var (
	_ eventcore.RecordStore = (*MemoryStore)(nil)
	_ eventcore.AllReader   = (*MemoryStore)(nil)
)
