// Package postgres provides a PostgreSQL RecordStore and UnitOfWork built on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terraskye/eventcore"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config contains configuration for the PostgreSQL event store.
type Config struct {
	// Table is the name of the events table.
	Table string

	// PageSize is how many rows an iterator fetches per query.
	PageSize int

	Logger    *slog.Logger
	Publisher eventcore.Publisher
}

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

// Store is a PostgreSQL-backed RecordStore.
//
// Global positions come from an identity column. Concurrent transactions may commit them
// out of order, so LoadFromAll readers can observe a position before a lower one is
// visible.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// New wraps an existing pool. Call Migrate before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
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
	return &Store{pool: pool, config: cfg}
}

// Open connects to dsn and migrates the events table.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := New(pool, opts...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the events table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	t := s.config.Table
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			global_position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			event_id        UUID        NOT NULL,
			event_type      TEXT        NOT NULL,
			aggregate_type  TEXT        NOT NULL,
			aggregate_id    TEXT        NOT NULL,
			stream_id       TEXT        NOT NULL,
			version         BIGINT      NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			actor           TEXT        NOT NULL DEFAULT '',
			payload         JSONB       NOT NULL,
			CONSTRAINT %[1]s_event_id_key UNIQUE (event_id),
			CONSTRAINT %[1]s_stream_version_key UNIQUE (stream_id, version)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_aggregate_idx ON %[1]s (aggregate_type, aggregate_id);
	`, t)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
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
	return s.load(s.pool, stream), nil
}

// LoadFromAll implements eventcore.AllReader.
func (s *Store) LoadFromAll(ctx context.Context, from uint64) (*eventcore.Iterator[eventcore.Record], error) {
	return s.loadAll(s.pool, from), nil
}

const columns = `global_position, event_id, event_type, aggregate_type, aggregate_id,
	stream_id, version, occurred_at, actor, payload`

func (s *Store) load(db DBTX, stream string) *eventcore.Iterator[eventcore.Record] {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE stream_id = $1 AND version > $2 ORDER BY version ASC LIMIT $3`,
		columns, s.config.Table)
	return s.paged(db, 0,
		func(cursor uint64) (string, []any) { return query, []any{stream, int64(cursor), s.config.PageSize} },
		func(rec eventcore.Record) uint64 { return rec.Version })
}

func (s *Store) loadAll(db DBTX, from uint64) *eventcore.Iterator[eventcore.Record] {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE global_position > $1 ORDER BY global_position ASC LIMIT $2`,
		columns, s.config.Table)
	return s.paged(db, from,
		func(cursor uint64) (string, []any) { return query, []any{int64(cursor), s.config.PageSize} },
		func(rec eventcore.Record) uint64 { return rec.GlobalVersion })
}

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
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []eventcore.Record
	for rows.Next() {
		var (
			rec               eventcore.Record
			position, version int64
			payload           []byte
		)
		if err := rows.Scan(&position, &rec.EventID, &rec.EventType, &rec.AggregateType, &rec.AggregateID,
			&rec.StreamID, &version, &rec.Timestamp, &rec.By, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		rec.GlobalVersion = uint64(position)
		rec.Version = uint64(version)
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) appendRecords(ctx context.Context, tx DBTX, stream string, state eventcore.StreamState, records []eventcore.Record) ([]eventcore.Record, eventcore.AppendResult, error) {
	var current int64
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE stream_id = $1`, s.config.Table),
		stream,
	).Scan(&current)
	if err != nil {
		return nil, eventcore.AppendResult{}, fmt.Errorf("check current version of %q: %w", stream, err)
	}

	if err := eventcore.CheckRevision(stream, state, uint64(current)); err != nil {
		s.config.Logger.ErrorContext(ctx, "expected version validation failed",
			"stream_id", stream, "current_version", current, "error", err)
		return nil, eventcore.AppendResult{}, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, stream_id,
		version, occurred_at, actor, payload) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING global_position`, s.config.Table)

	stored := make([]eventcore.Record, len(records))
	b := &pgx.Batch{}
	for i, rec := range records {
		if rec.StreamID == "" {
			rec.StreamID = stream
		}
		if rec.StreamID != stream {
			return nil, eventcore.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				stream, eventcore.ErrInvalidEventBatch, i, rec.StreamID)
		}
		want := uint64(current) + uint64(i) + 1
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
		b.Queue(insert, rec.EventID, rec.EventType, rec.AggregateType, rec.AggregateID, rec.StreamID,
			int64(rec.Version), rec.Timestamp.UTC(), rec.By, payload)
		stored[i] = rec
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()

	for i := range stored {
		var position int64
		if err := br.QueryRow().Scan(&position); err != nil {
			return nil, eventcore.AppendResult{}, s.translate(ctx, err, stored[i])
		}
		stored[i].GlobalVersion = uint64(position)
	}
	if err := br.Close(); err != nil {
		return nil, eventcore.AppendResult{}, fmt.Errorf("failed to insert event batch: %w", err)
	}

	s.config.Logger.DebugContext(ctx, "events appended",
		"stream_id", stream, "event_count", len(records),
		"version_range", fmt.Sprintf("%d-%d", current+1, current+int64(len(records))))

	return stored, eventcore.AppendResult{
		Successful:          true,
		StreamID:            stream,
		NextExpectedVersion: uint64(current) + uint64(len(records)),
	}, nil
}

func (s *Store) translate(ctx context.Context, err error, rec eventcore.Record) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return fmt.Errorf("insert event %s: %w", rec.EventID, err)
	}
	if pgErr.ConstraintName == s.config.Table+"_event_id_key" {
		s.config.Logger.WarnContext(ctx, "duplicate event rejected", "event_id", rec.EventID)
		return &eventcore.DuplicateEventError{EventID: rec.EventID, AggregateID: rec.AggregateID}
	}
	s.config.Logger.ErrorContext(ctx, "optimistic concurrency conflict",
		"stream_id", rec.StreamID, "version", rec.Version, "constraint", pgErr.ConstraintName)
	return fmt.Errorf("stream %q: version %d was written concurrently: %w", rec.StreamID, rec.Version, eventcore.ErrStreamRevisionConflict)
}

// UnitOfWork wraps a pgx.Tx. Records appended through it become visible to other readers
// and are published only after Commit.
type UnitOfWork struct {
	store *Store
	tx    pgx.Tx

	mu      sync.Mutex
	state   eventcore.UnitState
	pending []eventcore.Record
}

// Begin starts a unit of work.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{store: s, tx: tx}, nil
}

// Tx exposes the transaction, e.g. to update a SQL read model atomically with the events.
func (u *UnitOfWork) Tx() pgx.Tx {
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

	// Nested pgx transactions are savepoints; a failed append is undone alone.
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return eventcore.AppendResult{}, fmt.Errorf("savepoint: %w", err)
	}
	stored, result, err := u.store.appendRecords(ctx, sp, stream, state, records)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return eventcore.AppendResult{}, errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return eventcore.AppendResult{}, err
	}
	if err := sp.Commit(ctx); err != nil {
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
	if err := u.tx.Commit(ctx); err != nil {
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
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

var (
	_ DBTX                  = (*pgxpool.Pool)(nil)
	_ DBTX                  = (pgx.Tx)(nil)
	_ eventcore.RecordStore = (*Store)(nil)
	_ eventcore.AllReader   = (*Store)(nil)
	_ eventcore.RecordStore = (*UnitOfWork)(nil)
	_ eventcore.UnitOfWork  = (*UnitOfWork)(nil)
)
