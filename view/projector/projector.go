// Package projector keeps a view of an aggregate type up to date with committed records.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/terraskye/eventcore"
)

// Projector folds committed records of one aggregate type into a WritableView.
//
// Records at or below the projected version are skipped, so redelivery is harmless.
// A record that leaves a gap is rejected with ErrInvalidEventBatch, unless a source is
// configured, in which case the projection is rebuilt from the stream.
type Projector[A eventcore.Aggregate[A]] struct {
	typ    *eventcore.AggregateType[A]
	view   eventcore.View[A]
	source eventcore.RecordStore
	namer  eventcore.StreamNamer
	retry  func() backoff.BackOff
	logger *slog.Logger
}

// Option configures a Projector.
type Option func(*options)

type options struct {
	Source      eventcore.RecordStore
	StreamNamer eventcore.StreamNamer
	Retry       func() backoff.BackOff
	Logger      *slog.Logger
}

// WithSource lets the projector rebuild a projection from the store when it sees a gap.
func WithSource(source eventcore.RecordStore, namer eventcore.StreamNamer) Option {
	return func(o *options) {
		o.Source = source
		o.StreamNamer = namer
	}
}

// WithRetryStrategy sets how failing view reads and writes are retried.
func WithRetryStrategy(strategy func() backoff.BackOff) Option {
	return func(o *options) { o.Retry = strategy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.Logger = logger }
}

// New creates a Projector writing to view.
func New[A eventcore.Aggregate[A]](typ *eventcore.AggregateType[A], view eventcore.View[A], opts ...Option) *Projector[A] {
	cfg := &options{
		StreamNamer: eventcore.DefaultStreamNamer,
		Retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, 5)
		},
		Logger: slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}
	return &Projector[A]{
		typ:    typ,
		view:   view,
		source: cfg.Source,
		namer:  cfg.StreamNamer,
		retry:  cfg.Retry,
		logger: cfg.Logger.With("projection", typ.Name),
	}
}

// Handle implements eventcore.RecordHandler. Records of other aggregate types are ignored.
func (p *Projector[A]) Handle(ctx context.Context, rec eventcore.Record) error {
	if rec.AggregateType != p.typ.Name {
		return nil
	}

	err := backoff.Retry(func() error {
		return p.project(ctx, rec)
	}, backoff.WithContext(p.retry(), ctx))

	if errors.Is(err, eventcore.ErrInvalidEventBatch) && p.source != nil {
		p.logger.WarnContext(ctx, "gap in projection, rebuilding from stream",
			"aggregateId", rec.AggregateID, "version", rec.Version)
		return p.Rebuild(ctx, rec.AggregateID)
	}
	return err
}

func (p *Projector[A]) project(ctx context.Context, rec eventcore.Record) error {
	current, err := p.view.Get(ctx, rec.AggregateID)
	insert := false
	switch {
	case errors.Is(err, eventcore.ErrNotFound):
		current = p.typ.Empty()
		insert = true
	case err != nil:
		return err
	}

	applied, err := p.typ.Project(current, rec)
	if err != nil {
		return backoff.Permanent(err)
	}
	if !applied {
		p.logger.DebugContext(ctx, "record already projected",
			"aggregateId", rec.AggregateID, "version", rec.Version)
		return nil
	}

	if insert {
		return p.view.Insert(ctx, current)
	}
	return p.view.Update(ctx, current)
}

// Rebuild replays the whole stream of id from the source and stores the result.
func (p *Projector[A]) Rebuild(ctx context.Context, id string) error {
	if p.source == nil {
		return fmt.Errorf("rebuild %s %q: projector has no source", p.typ.Name, id)
	}

	records, err := p.source.Load(ctx, p.namer(p.typ.Name, id))
	if err != nil {
		return fmt.Errorf("rebuild %s %q: %w", p.typ.Name, id, err)
	}
	obj, err := p.typ.ReplayRecords(ctx, records)
	if err != nil {
		return fmt.Errorf("rebuild %s %q: %w", p.typ.Name, id, err)
	}
	if !obj.Base().IsCreated() {
		return nil
	}
	return p.view.Update(ctx, obj)
}

// CatchUp projects every record after position from reader and returns the global
// version of the last record handled.
func (p *Projector[A]) CatchUp(ctx context.Context, reader eventcore.AllReader, position uint64) (uint64, error) {
	records, err := reader.LoadFromAll(ctx, position)
	if err != nil {
		return position, err
	}
	for records.Next(ctx) {
		rec := records.Value()
		if err := p.Handle(eventcore.WithRecord(ctx, rec), rec); err != nil {
			return position, err
		}
		position = rec.GlobalVersion
	}
	return position, records.Err()
}
