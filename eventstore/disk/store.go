// Package disk stores records as JSON files, one directory per stream.
//
// Layout under the base directory:
//
//	streams/<stream>/<version>.json   the record, stream name path-escaped
//	all/<global position>.json        symlink into streams/, the global order
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
)

// Store is a file-backed RecordStore. An in-memory index of stream versions and event
// ids is rebuilt from the files when the store is opened; only one process may write to
// a directory at a time.
//
// A crash between writing a record and linking it into all/ leaves the record in its
// stream but out of the global order.
type Store struct {
	dir       string
	logger    *slog.Logger
	publisher eventcore.Publisher

	mu       sync.RWMutex
	versions map[string]uint64
	ids      map[uuid.UUID]struct{}
	global   uint64
}

type Option func(*Store)

// WithPublisher forwards committed records to p.
func WithPublisher(p eventcore.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets a logger for the store. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open prepares dir and indexes the records already in it.
func Open(dir string, opts ...Option) (*Store, error) {
	for _, sub := range []string{"streams", "all"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	s := &Store{
		dir:      dir,
		logger:   slog.New(slog.DiscardHandler),
		versions: make(map[string]uint64),
		ids:      make(map[uuid.UUID]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.index(); err != nil {
		return nil, fmt.Errorf("index %s: %w", dir, err)
	}
	return s, nil
}

func (s *Store) index() error {
	streams, err := os.ReadDir(filepath.Join(s.dir, "streams"))
	if err != nil {
		return err
	}
	for _, d := range streams {
		if !d.IsDir() {
			continue
		}
		stream, err := url.PathUnescape(d.Name())
		if err != nil {
			return err
		}
		records, err := s.readStream(stream)
		if err != nil {
			return err
		}
		for _, rec := range records {
			s.ids[rec.EventID] = struct{}{}
		}
		s.versions[stream] = uint64(len(records))
	}

	all, err := os.ReadDir(filepath.Join(s.dir, "all"))
	if err != nil {
		return err
	}
	for _, d := range all {
		if pos, ok := position(d.Name()); ok && pos > s.global {
			s.global = pos
		}
	}
	s.logger.Debug("disk store indexed", "dir", s.dir, "streams", len(s.versions), "global_position", s.global)
	return nil
}

func (s *Store) streamDir(stream string) string {
	return filepath.Join(s.dir, "streams", url.PathEscape(stream))
}

func position(name string) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
	return n, err == nil
}

type batch struct {
	stream  string
	state   eventcore.StreamState
	records []eventcore.Record
}

// Append implements eventcore.RecordStore.
func (s *Store) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return eventcore.AppendResult{}, err
	}
	results, err := s.commit(ctx, []batch{{stream: stream, state: state, records: records}})
	if err != nil {
		return eventcore.AppendResult{}, err
	}
	return results[0], nil
}

// commit validates all batches against the index and then writes them.
func (s *Store) commit(ctx context.Context, batches []batch) ([]eventcore.AppendResult, error) {
	s.mu.Lock()

	staged := make(map[string]uint64)
	seen := make(map[uuid.UUID]struct{})
	prepared := make([][]eventcore.Record, len(batches))
	for i, b := range batches {
		records, err := s.prepare(b, s.versions[b.stream]+staged[b.stream], seen)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		prepared[i] = records
		staged[b.stream] += uint64(len(records))
	}

	results := make([]eventcore.AppendResult, len(batches))
	var committed []eventcore.Record
	for i, b := range batches {
		for _, rec := range prepared[i] {
			rec.GlobalVersion = s.global + 1
			if err := s.write(rec); err != nil {
				s.mu.Unlock()
				return nil, eventcore.WrapEventStoreError(err)
			}
			s.global++
			s.versions[b.stream] = rec.Version
			s.ids[rec.EventID] = struct{}{}
			committed = append(committed, rec)
		}
		results[i] = eventcore.AppendResult{
			Successful:          true,
			StreamID:            b.stream,
			NextExpectedVersion: s.versions[b.stream],
		}
	}
	s.mu.Unlock()

	if s.publisher != nil && len(committed) > 0 {
		s.publisher.Publish(ctx, committed...)
	}
	return results, nil
}

// prepare checks one batch and returns its records with stream and version filled in.
// The caller holds s.mu.
func (s *Store) prepare(b batch, current uint64, seen map[uuid.UUID]struct{}) ([]eventcore.Record, error) {
	if err := eventcore.CheckRevision(b.stream, b.state, current); err != nil {
		return nil, err
	}

	records := make([]eventcore.Record, len(b.records))
	for i, rec := range b.records {
		if rec.StreamID == "" {
			rec.StreamID = b.stream
		}
		if rec.StreamID != b.stream {
			return nil, fmt.Errorf("save events to stream %q: %w: event %d has different stream ID %q",
				b.stream, eventcore.ErrInvalidEventBatch, i, rec.StreamID)
		}
		want := current + uint64(i) + 1
		if rec.Version == 0 {
			rec.Version = want
		}
		if rec.Version != want {
			return nil, fmt.Errorf("save events to stream %q: %w: event %d has version %d, want %d",
				b.stream, eventcore.ErrInvalidEventBatch, i, rec.Version, want)
		}
		if _, exists := s.ids[rec.EventID]; exists {
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

// write stores rec in its stream directory and links it into the global order.
func (s *Store) write(rec eventcore.Record) error {
	dir := s.streamDir(rec.StreamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%010d.json", rec.Version))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	allDir := filepath.Join(s.dir, "all")
	rel, err := filepath.Rel(allDir, path)
	if err != nil {
		return err
	}
	return os.Symlink(rel, filepath.Join(allDir, fmt.Sprintf("%020d.json", rec.GlobalVersion)))
}

func readRecord(path string) (eventcore.Record, error) {
	var rec eventcore.Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, nil
}

func (s *Store) readStream(stream string) ([]eventcore.Record, error) {
	dir := s.streamDir(stream)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []eventcore.Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Load implements eventcore.RecordStore.
func (s *Store) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	s.mu.RLock()
	records, err := s.readStream(stream)
	s.mu.RUnlock()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	return eventcore.NewSliceIterator(records), nil
}

// LoadFromAll implements eventcore.AllReader. Files are read lazily.
func (s *Store) LoadFromAll(ctx context.Context, from uint64) (*eventcore.Iterator[eventcore.Record], error) {
	allDir := filepath.Join(s.dir, "all")
	s.mu.RLock()
	entries, err := os.ReadDir(allDir)
	s.mu.RUnlock()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}

	idx := 0
	return eventcore.NewIteratorFunc(func(ctx context.Context) (eventcore.Record, error) {
		for idx < len(entries) {
			e := entries[idx]
			idx++
			pos, ok := position(e.Name())
			if !ok || pos <= from {
				continue
			}
			rec, err := readRecord(filepath.Join(allDir, e.Name()))
			if err != nil {
				return eventcore.Record{}, eventcore.WrapEventStoreError(err)
			}
			return rec, nil
		}
		return eventcore.Record{}, io.EOF
	}), nil
}

// UnitOfWork stages appends and writes them on Commit after checking every batch again.
type UnitOfWork struct {
	store *Store

	mu      sync.Mutex
	state   eventcore.UnitState
	pending []batch
}

func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &UnitOfWork{store: s}, nil
}

func (u *UnitOfWork) State() eventcore.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UnitOfWork) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.AppendResult{}, eventcore.ErrUnitFinished
	}

	seen := make(map[uuid.UUID]struct{})
	var staged uint64
	for _, b := range u.pending {
		if b.stream == stream {
			staged += uint64(len(b.records))
		}
		for _, rec := range b.records {
			seen[rec.EventID] = struct{}{}
		}
	}

	u.store.mu.RLock()
	current := u.store.versions[stream] + staged
	prepared, err := u.store.prepare(batch{stream: stream, state: state, records: records}, current, seen)
	u.store.mu.RUnlock()
	if err != nil {
		return eventcore.AppendResult{}, err
	}

	u.pending = append(u.pending, batch{stream: stream, state: state, records: prepared})
	return eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: current + uint64(len(prepared)),
	}, nil
}

// Load returns the committed records of stream followed by the ones staged in u.
func (u *UnitOfWork) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.store.mu.RLock()
	records, err := u.store.readStream(stream)
	u.store.mu.RUnlock()
	if err != nil {
		return nil, eventcore.WrapEventStoreError(err)
	}
	for _, b := range u.pending {
		if b.stream == stream {
			records = append(records, b.records...)
		}
	}
	return eventcore.NewSliceIterator(records), nil
}

func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.ErrUnitFinished
	}
	pending := u.pending
	u.pending = nil

	for i, b := range pending {
		if len(b.records) == 0 {
			continue
		}
		if b.state == (eventcore.Any{}) {
			records := make([]eventcore.Record, len(b.records))
			for j, rec := range b.records {
				rec.Version = 0
				records[j] = rec
			}
			pending[i].records = records
			continue
		}
		pending[i].state = eventcore.ExpectRevision(b.records[0].Version - 1)
	}

	if _, err := u.store.commit(ctx, pending); err != nil {
		u.state = eventcore.UnitRolledBack
		return err
	}
	u.state = eventcore.UnitCommitted
	return nil
}

func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != eventcore.UnitPending {
		return eventcore.ErrUnitFinished
	}
	u.pending = nil
	u.state = eventcore.UnitRolledBack
	return nil
}

var (
	_ eventcore.RecordStore = (*Store)(nil)
	_ eventcore.AllReader   = (*Store)(nil)
	_ eventcore.RecordStore = (*UnitOfWork)(nil)
	_ eventcore.UnitOfWork  = (*UnitOfWork)(nil)
)
