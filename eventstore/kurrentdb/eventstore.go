// Package kurrentdb stores records in KurrentDB streams.
package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	"github.com/terraskye/eventcore"
)

// metadata is the envelope kept in a KurrentDB event's user metadata.
type metadata struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	By            string    `json:"by,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is a KurrentDB-backed RecordStore.
//
// KurrentDB numbers stream events from 0; records are numbered from 1, so Version is the
// event number plus one. GlobalVersion is the commit position of the event in $all, which
// increases monotonically but is not contiguous.
//
// KurrentDB treats an event id it has already written to the same stream as an idempotent
// retry and acknowledges it without writing.
type Store struct {
	client *kurrentdb.Client
	config Config
}

type Config struct {
	Publisher eventcore.Publisher
}

type Option func(*Config)

// WithPublisher forwards committed records to p.
func WithPublisher(p eventcore.Publisher) Option {
	return func(c *Config) { c.Publisher = p }
}

// NewEventStore creates a KurrentDB-backed store.
func NewEventStore(client *kurrentdb.Client, opts ...Option) *Store {
	var cfg Config
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{client: client, config: cfg}
}

// Open connects to the KurrentDB connection string, e.g. "kurrentdb://localhost:2113?tls=false".
func Open(connectionString string, opts ...Option) (*Store, error) {
	settings, err := kurrentdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("connect to kurrentdb: %w", err)
	}
	return NewEventStore(client, opts...), nil
}

// Client returns the underlying client, e.g. to subscribe with eventbus/kurrentdb.
func (s *Store) Client() *kurrentdb.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Append implements eventcore.RecordStore.
func (s *Store) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	stored, result, err := s.append(ctx, stream, state, records)
	if err != nil {
		return result, err
	}
	if p := s.config.Publisher; p != nil && len(stored) > 0 {
		p.Publish(ctx, stored...)
	}
	return result, nil
}

func (s *Store) append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) ([]eventcore.Record, eventcore.AppendResult, error) {
	if len(records) == 0 {
		return nil, eventcore.AppendResult{Successful: true, StreamID: stream}, nil
	}

	events := make([]kurrentdb.EventData, len(records))
	for i, rec := range records {
		if rec.StreamID != "" && rec.StreamID != stream {
			return nil, eventcore.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				stream, eventcore.ErrInvalidEventBatch, i, rec.StreamID)
		}
		meta, err := json.Marshal(metadata{
			AggregateType: rec.AggregateType,
			AggregateID:   rec.AggregateID,
			By:            rec.By,
			Timestamp:     rec.Timestamp,
		})
		if err != nil {
			return nil, eventcore.AppendResult{}, err
		}
		data := []byte(rec.Payload)
		if data == nil {
			data = []byte("{}")
		}
		events[i] = kurrentdb.EventData{
			EventID:     rec.EventID,
			EventType:   rec.EventType,
			ContentType: kurrentdb.ContentTypeJson,
			Data:        data,
			Metadata:    meta,
		}
	}

	result, err := s.client.AppendToStream(ctx, stream, kurrentdb.AppendToStreamOptions{
		StreamState: streamState(state),
	}, events...)
	if err != nil {
		return nil, eventcore.AppendResult{}, translate(stream, state, err)
	}

	// NextExpectedVersion is the event number of the last event written.
	last := result.NextExpectedVersion + 1
	first := last - uint64(len(records)) + 1
	stored := make([]eventcore.Record, len(records))
	for i, rec := range records {
		rec.StreamID = stream
		rec.Version = first + uint64(i)
		rec.GlobalVersion = result.CommitPosition
		stored[i] = rec
	}

	return stored, eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: last,
	}, nil
}

// streamState maps a StreamState to KurrentDB's 0-based expected revision.
func streamState(state eventcore.StreamState) kurrentdb.StreamState {
	switch s := state.(type) {
	case eventcore.NoStream:
		return kurrentdb.NoStream{}
	case eventcore.StreamExists:
		return kurrentdb.StreamExists{}
	case eventcore.Revision:
		if s == 0 {
			return kurrentdb.NoStream{}
		}
		return kurrentdb.StreamRevision{Value: uint64(s) - 1}
	default:
		return kurrentdb.Any{}
	}
}

func translate(stream string, state eventcore.StreamState, err error) error {
	var kerr *kurrentdb.Error
	if errors.As(err, &kerr) && kerr.Code() == kurrentdb.ErrorCodeWrongExpectedVersion {
		return fmt.Errorf("stream %q: expected %T %v: %w", stream, state, state, eventcore.ErrStreamRevisionConflict)
	}
	return eventcore.WrapEventStoreError(err)
}

// Load implements eventcore.RecordStore.
func (s *Store) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	streamer, err := s.client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction:      kurrentdb.Forwards,
		From:           kurrentdb.Start{},
		ResolveLinkTos: true,
	}, math.MaxInt64)
	if err != nil {
		if isNotFound(err) {
			return eventcore.NewSliceIterator[eventcore.Record](nil), nil
		}
		return nil, eventcore.WrapEventStoreError(err)
	}
	return iterate(streamer, 0), nil
}

// LoadFromAll implements eventcore.AllReader. Records at or before the commit position
// from are skipped, as are KurrentDB system events.
func (s *Store) LoadFromAll(ctx context.Context, from uint64) (*eventcore.Iterator[eventcore.Record], error) {
	opts := kurrentdb.ReadAllOptions{
		Direction:      kurrentdb.Forwards,
		From:           kurrentdb.Start{},
		ResolveLinkTos: true,
	}
	if from > 0 {
		opts.From = kurrentdb.Position{Commit: from, Prepare: from}
	}
	streamer, err := s.client.ReadAll(ctx, opts, math.MaxInt64)
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return iterate(streamer, from), nil
}

func iterate(streamer *kurrentdb.ReadStream, after uint64) *eventcore.Iterator[eventcore.Record] {
	return eventcore.NewIteratorFunc(func(ctx context.Context) (eventcore.Record, error) {
		for {
			if err := ctx.Err(); err != nil {
				streamer.Close()
				return eventcore.Record{}, err
			}

			resolved, err := streamer.Recv()
			if err != nil {
				streamer.Close()
				if errors.Is(err, io.EOF) || isNotFound(err) {
					return eventcore.Record{}, io.EOF
				}
				return eventcore.Record{}, eventcore.WrapEventStoreError(err)
			}

			ev := resolved.OriginalEvent()
			if strings.HasPrefix(ev.EventType, "$") || (after > 0 && ev.Position.Commit <= after) {
				continue
			}
			return RecordFromEvent(ev)
		}
	})
}

// RecordFromEvent converts an event read from KurrentDB into a Record.
func RecordFromEvent(ev *kurrentdb.RecordedEvent) (eventcore.Record, error) {
	var meta metadata
	if len(ev.UserMetadata) > 0 {
		if err := json.Unmarshal(ev.UserMetadata, &meta); err != nil {
			return eventcore.Record{}, eventcore.WrapEventStoreError(
				fmt.Errorf("cannot unmarshal metadata of event %s: %w", ev.EventID, err))
		}
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = ev.CreatedDate
	}
	return eventcore.Record{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		AggregateType: meta.AggregateType,
		AggregateID:   meta.AggregateID,
		StreamID:      ev.StreamID,
		Timestamp:     meta.Timestamp.UTC(),
		By:            meta.By,
		Payload:       ev.Data,
		Version:       ev.EventNumber + 1,
		GlobalVersion: ev.Position.Commit,
	}, nil
}

func isNotFound(err error) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == kurrentdb.ErrorCodeResourceNotFound
}

// UnitOfWork buffers appends and writes them on Commit, one AppendToStream per batch.
// KurrentDB has no multi-stream transactions: a unit that touches several streams can be
// left partially committed when a later batch fails.
type UnitOfWork struct {
	store *Store

	mu      sync.Mutex
	state   eventcore.UnitState
	pending []batch
}

type batch struct {
	stream  string
	state   eventcore.StreamState
	records []eventcore.Record
}

func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	return &UnitOfWork{store: s}, nil
}

func (u *UnitOfWork) State() eventcore.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Append stages records. The expected state is checked against the stream as it is now
// and checked again by KurrentDB on Commit.
func (u *UnitOfWork) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.AppendResult{}, eventcore.ErrUnitFinished
	}
	current, err := u.version(ctx, stream)
	if err != nil {
		return eventcore.AppendResult{}, err
	}
	if err := eventcore.CheckRevision(stream, state, current); err != nil {
		return eventcore.AppendResult{}, err
	}

	staged := make([]eventcore.Record, len(records))
	for i, rec := range records {
		rec.StreamID = stream
		rec.Version = current + uint64(i) + 1
		staged[i] = rec
	}
	if len(staged) > 0 {
		u.pending = append(u.pending, batch{stream: stream, state: eventcore.ExpectRevision(current), records: staged})
	}
	return eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: current + uint64(len(records)),
	}, nil
}

// version returns the stream version including records staged in u.
func (u *UnitOfWork) version(ctx context.Context, stream string) (uint64, error) {
	for i := len(u.pending) - 1; i >= 0; i-- {
		if b := u.pending[i]; b.stream == stream {
			return b.records[len(b.records)-1].Version, nil
		}
	}
	records, err := u.store.committed(ctx, stream)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Version, nil
}

// Load returns the committed records followed by the ones staged in u.
func (u *UnitOfWork) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	records, err := u.store.committed(ctx, stream)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	for _, b := range u.pending {
		if b.stream == stream {
			records = append(records, b.records...)
		}
	}
	u.mu.Unlock()
	return eventcore.NewSliceIterator(records), nil
}

func (s *Store) committed(ctx context.Context, stream string) ([]eventcore.Record, error) {
	iter, err := s.Load(ctx, stream)
	if err != nil {
		return nil, err
	}
	return iter.All(ctx)
}

func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.state != eventcore.UnitPending {
		u.mu.Unlock()
		return eventcore.ErrUnitFinished
	}
	pending := u.pending
	u.pending = nil
	u.state = eventcore.UnitRolledBack
	u.mu.Unlock()

	var written []eventcore.Record
	for _, b := range pending {
		stored, _, err := u.store.append(ctx, b.stream, b.state, b.records)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		written = append(written, stored...)
	}

	u.mu.Lock()
	u.state = eventcore.UnitCommitted
	u.mu.Unlock()

	if p := u.store.config.Publisher; p != nil && len(written) > 0 {
		p.Publish(ctx, written...)
	}
	return nil
}

func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.ErrUnitFinished
	}
	u.state = eventcore.UnitRolledBack
	u.pending = nil
	return nil
}

var (
	_ eventcore.RecordStore = (*Store)(nil)
	_ eventcore.AllReader   = (*Store)(nil)
	_ eventcore.RecordStore = (*UnitOfWork)(nil)
	_ eventcore.UnitOfWork  = (*UnitOfWork)(nil)
)
