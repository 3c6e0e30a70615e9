// Package sqlite provides a SQLite RecordStore and UnitOfWork built on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/terraskye/eventcore"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config contains configuration for the SQLite event store.
type Config struct {
	// Table is the name of the events table.
	Table string

	// PageSize is how many rows an iterator fetches per query.
	PageSize int

	Logger    *slog.Logger
	Publisher eventcore.Publisher
}

// Option is a functional option for configuring a Store.
type Option func(*Config)

// WithTable sets a custom events table name.
func WithTable(name string) Option {
	return func(c *Config) { c.Table = name }
}

func WithPageSize(n int) Option {
	return func(c *Config) { c.PageSize = n }
}

// WithLogger sets a logger for the store. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithPublisher forwards committed records to p.
func WithPublisher(p eventcore.Publisher) Option {
	return func(c *Config) { c.Publisher = p }
}

// Store is a SQLite-backed RecordStore. Appends made directly on the Store run in their
// own transaction; use Begin to group several appends.
type Store struct {
	db     *sql.DB
	config Config
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, opts ...Option) *Store {
	cfg := Config{
		Table:    "events",
		PageSize: 256,
		Logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}
	return &Store{db: db, config: cfg}
}

// Open opens (or creates) the database file at path and migrates it. Transactions take
// the write lock when they begin, so units of work on one file are serialized.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the events table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	t := s.config.Table
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT    NOT NULL,
			event_type      TEXT    NOT NULL,
			aggregate_type  TEXT    NOT NULL,
			aggregate_id    TEXT    NOT NULL,
			stream_id       TEXT    NOT NULL,
			version         INTEGER NOT NULL,
			occurred_at     TEXT    NOT NULL,
			actor           TEXT    NOT NULL DEFAULT '',
			payload         BLOB    NOT NULL,
			CONSTRAINT %[1]s_event_id_key UNIQUE (event_id),
			CONSTRAINT %[1]s_stream_version_key UNIQUE (stream_id, version)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_aggregate_idx ON %[1]s (aggregate_type, aggregate_id);
	`, t)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", t, err)
	}
	return nil
}

// Append implements eventcore.RecordStore.
func (s *Store) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	uow, err := s.Begin(ctx)
	if err != nil {
		return eventcore.AppendResult{}, err
	}
	result, err := uow.Append(ctx, stream, state, records)
	if err != nil {
		_ = uow.Rollback(ctx)
		return eventcore.AppendResult{}, err
	}
	if err := uow.Commit(ctx); err != nil {
		return eventcore.AppendResult{}, err
	}
	return result, nil
}

// Load implements eventcore.RecordStore.
func (s *Store) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	return s.load(s.db, stream), nil
}

// LoadFromAll implements eventcore.AllReader.
func (s *Store) LoadFromAll(ctx context.Context, from uint64) (*eventcore.Iterator[eventcore.Record], error) {
	return s.loadAll(s.db, from), nil
}

const columns = `global_position, event_id, event_type, aggregate_type, aggregate_id,
	stream_id, version, occurred_at, actor, payload`

func (s *Store) load(db DBTX, stream string) *eventcore.Iterator[eventcore.Record] {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE stream_id = ? AND version > ? ORDER BY version ASC LIMIT ?`,
		columns, s.config.Table)
	return s.paged(db, 0,
		func(cursor uint64) (string, []any) { return query, []any{stream, cursor, s.config.PageSize} },
		func(rec eventcore.Record) uint64 { return rec.Version })
}

func (s *Store) loadAll(db DBTX, from uint64) *eventcore.Iterator[eventcore.Record] {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE global_position > ? ORDER BY global_position ASC LIMIT ?`,
		columns, s.config.Table)
	return s.paged(db, from,
		func(cursor uint64) (string, []any) { return query, []any{cursor, s.config.PageSize} },
		func(rec eventcore.Record) uint64 { return rec.GlobalVersion })
}

// paged returns an iterator that reads one page at a time, resuming after the cursor of
// the last record seen. No rows are held open between pages.
func (s *Store) paged(db DBTX, cursor uint64, next func(cursor uint64) (string, []any), cursorOf func(eventcore.Record) uint64) *eventcore.Iterator[eventcore.Record] {
	var (
		page []eventcore.Record
		done bool
	)
	return eventcore.NewIteratorFunc(func(ctx context.Context) (eventcore.Record, error) {
		if err := ctx.Err(); err != nil {
			return eventcore.Record{}, err
		}
		if len(page) == 0 && !done {
			query, args := next(cursor)
			var err error
			if page, err = s.query(ctx, db, query, args...); err != nil {
				return eventcore.Record{}, err
			}
			done = len(page) < s.config.PageSize
		}
		if len(page) == 0 {
			return eventcore.Record{}, io.EOF
		}
		rec := page[0]
		page = page[1:]
		cursor = cursorOf(rec)
		return rec, nil
	})
}

func (s *Store) query(ctx context.Context, db DBTX, query string, args ...any) ([]eventcore.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.config.Table, err)
	}
	defer rows.Close()

	var records []eventcore.Record
	for rows.Next() {
		var (
			rec        eventcore.Record
			eventID    string
			occurredAt string
			payload    []byte
		)
		if err := rows.Scan(&rec.GlobalVersion, &eventID, &rec.EventType, &rec.AggregateType, &rec.AggregateID,
			&rec.StreamID, &rec.Version, &occurredAt, &rec.By, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.config.Table, err)
		}
		if rec.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", occurredAt, err)
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

// appendRecords writes records at the end of stream inside tx and returns them as stored.
func (s *Store) appendRecords(ctx context.Context, tx DBTX, stream string, state eventcore.StreamState, records []eventcore.Record) ([]eventcore.Record, eventcore.AppendResult, error) {
	var current uint64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE stream_id = ?`, s.config.Table),
		stream,
	).Scan(&current)
	if err != nil {
		return nil, eventcore.AppendResult{}, fmt.Errorf("check current version of %q: %w", stream, err)
	}

	if err := eventcore.CheckRevision(stream, state, current); err != nil {
		s.config.Logger.ErrorContext(ctx, "expected version validation failed",
			"stream_id", stream, "current_version", current, "error", err)
		return nil, eventcore.AppendResult{}, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, stream_id,
		version, occurred_at, actor, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.Table)

	stored := make([]eventcore.Record, len(records))
	for i, rec := range records {
		if rec.StreamID == "" {
			rec.StreamID = stream
		}
		if rec.StreamID != stream {
			return nil, eventcore.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				stream, eventcore.ErrInvalidEventBatch, i, rec.StreamID)
		}
		want := current + uint64(i) + 1
		if rec.Version == 0 {
			rec.Version = want
		}
		if rec.Version != want {
			return nil, eventcore.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has version %d, want %d",
				stream, eventcore.ErrInvalidEventBatch, i, rec.Version, want)
		}
		payload := []byte(rec.Payload)
		if payload == nil {
			payload = []byte("{}")
		}

		res, err := tx.ExecContext(ctx, insert,
			rec.EventID.String(), rec.EventType, rec.AggregateType, rec.AggregateID, rec.StreamID,
			rec.Version, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.By, payload)
		if err != nil {
			return nil, eventcore.AppendResult{}, s.translate(ctx, err, rec)
		}
		position, err := res.LastInsertId()
		if err != nil {
			return nil, eventcore.AppendResult{}, fmt.Errorf("failed to get last insert id: %w", err)
		}
		rec.GlobalVersion = uint64(position)
		stored[i] = rec
	}

	s.config.Logger.DebugContext(ctx, "events appended",
		"stream_id", stream, "event_count", len(records),
		"version_range", fmt.Sprintf("%d-%d", current+1, current+uint64(len(records))))

	return stored, eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: current + uint64(len(records)),
	}, nil
}

// translate maps unique constraint violations to the eventcore error taxonomy.
func (s *Store) translate(ctx context.Context, err error, rec eventcore.Record) error {
	if !IsUniqueViolation(err) {
		return fmt.Errorf("insert event %s: %w", rec.EventID, err)
	}
	if strings.Contains(err.Error(), "event_id") {
		s.config.Logger.WarnContext(ctx, "duplicate event rejected", "event_id", rec.EventID)
		return &eventcore.DuplicateEventError{EventID: rec.EventID, AggregateID: rec.AggregateID}
	}
	s.config.Logger.ErrorContext(ctx, "optimistic concurrency conflict",
		"stream_id", rec.StreamID, "version", rec.Version)
	return fmt.Errorf("stream %q: version %d was written concurrently: %w", rec.StreamID, rec.Version, eventcore.ErrStreamRevisionConflict)
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UnitOfWork wraps a *sql.Tx. Records appended through it become visible to other
// readers and are published only after Commit.
type UnitOfWork struct {
	store *Store
	tx    *sql.Tx

	mu      sync.Mutex
	state   eventcore.UnitState
	pending []eventcore.Record
}

// Begin starts a unit of work.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &UnitOfWork{store: s, tx: tx}, nil
}

// Tx exposes the transaction, e.g. to update a SQL read model atomically with the events.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
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
	if len(records) == 0 {
		return eventcore.AppendResult{Successful: true, StreamID: stream}, nil
	}

	// A failed append must not leave part of its batch in the transaction.
	if _, err := u.tx.ExecContext(ctx, `SAVEPOINT append_batch`); err != nil {
		return eventcore.AppendResult{}, fmt.Errorf("savepoint: %w", err)
	}
	stored, result, err := u.store.appendRecords(ctx, u.tx, stream, state, records)
	if err != nil {
		if _, rbErr := u.tx.ExecContext(ctx, `ROLLBACK TO append_batch`); rbErr != nil {
			return eventcore.AppendResult{}, errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		if _, relErr := u.tx.ExecContext(ctx, `RELEASE append_batch`); relErr != nil {
			return eventcore.AppendResult{}, errors.Join(err, fmt.Errorf("release savepoint: %w", relErr))
		}
		return eventcore.AppendResult{}, err
	}
	if _, err := u.tx.ExecContext(ctx, `RELEASE append_batch`); err != nil {
		return eventcore.AppendResult{}, fmt.Errorf("release savepoint: %w", err)
	}
	u.pending = append(u.pending, stored...)
	return result, nil
}

func (u *UnitOfWork) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	return u.store.load(u.tx, stream), nil
}

func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.state != eventcore.UnitPending {
		u.mu.Unlock()
		return eventcore.ErrUnitFinished
	}
	err := u.tx.Commit()
	if err != nil {
		u.state = eventcore.UnitRolledBack
		u.pending = nil
		u.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	u.state = eventcore.UnitCommitted
	pending := u.pending
	u.pending = nil
	u.mu.Unlock()

	if p := u.store.config.Publisher; p != nil && len(pending) > 0 {
		p.Publish(ctx, pending...)
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
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

var (
	_ eventcore.RecordStore = (*Store)(nil)
	_ eventcore.AllReader   = (*Store)(nil)
	_ eventcore.RecordStore = (*UnitOfWork)(nil)
	_ eventcore.UnitOfWork  = (*UnitOfWork)(nil)
)
