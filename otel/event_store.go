package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventcore"
)

// TelemetryStore traces the appends and loads of a RecordStore.
type TelemetryStore struct {
	next eventcore.RecordStore
	cfg  *config
}

// WithEventStoreTelemetry wraps next.
func WithEventStoreTelemetry(next eventcore.RecordStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStore) Append(ctx context.Context, stream string, state eventcore.StreamState, records []eventcore.Record) (eventcore.AppendResult, error) {
	ctx, span := tracer.Start(ctx, "EventStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrStreamID.String(stream),
			AttrStreamState.String(fmt.Sprintf("%T(%v)", state, state)),
			AttrEventCount.Int(len(records)),
		)...),
	)
	defer span.End()

	start := time.Now()
	result, err := t.next.Append(ctx, stream, state, records)
	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")))

	if err != nil {
		kind := eventcore.ErrorKind(err)
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append"), AttrErrorType.String(kind)))
		span.SetAttributes(AttrErrorType.String(kind))
		if expected(err) {
			span.SetStatus(codes.Ok, err.Error())
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}

	EventsAppended.Add(ctx, int64(len(records)))
	span.SetAttributes(AttrStreamVersion.Int64(int64(result.NextExpectedVersion)))
	return result, nil
}

func (t *TelemetryStore) Load(ctx context.Context, stream string) (*eventcore.Iterator[eventcore.Record], error) {
	iter, err := t.next.Load(ctx, stream)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("load")))
		return iter, err
	}
	return t.trace(ctx, "EventStore.Load", iter, AttrStreamID.String(stream)), nil
}

// LoadFromAll forwards to the wrapped store when it implements eventcore.AllReader.
func (t *TelemetryStore) LoadFromAll(ctx context.Context, from uint64) (*eventcore.Iterator[eventcore.Record], error) {
	all, ok := t.next.(eventcore.AllReader)
	if !ok {
		return nil, fmt.Errorf("%T cannot read all records", t.next)
	}
	iter, err := all.LoadFromAll(ctx, from)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("load_all")))
		return iter, err
	}
	return t.trace(ctx, "EventStore.LoadFromAll", iter, AttrEventGlobalPos.Int64(int64(from))), nil
}

// trace wraps iter in a span that starts with the first read and ends with the last.
func (t *TelemetryStore) trace(ctx context.Context, name string, iter *eventcore.Iterator[eventcore.Record], attrs ...attribute.KeyValue) *eventcore.Iterator[eventcore.Record] {
	var (
		span      trace.Span
		startedAt time.Time
		count     int64
	)

	return eventcore.NewIteratorFunc(func(readCtx context.Context) (eventcore.Record, error) {
		if span == nil {
			startedAt = time.Now()
			_, span = tracer.Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(t.cfg.attributes(ctx, attrs...)...),
			)
		}

		if !iter.Next(readCtx) {
			span.SetAttributes(AttrEventCount.Int64(count))
			EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()),
				metric.WithAttributes(AttrOperation.String("load")))

			err := iter.Err()
			if err == nil {
				span.End()
				return eventcore.Record{}, io.EOF
			}
			EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("load")))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return eventcore.Record{}, err
		}

		count++
		EventsLoaded.Add(ctx, 1)
		return iter.Value(), nil
	})
}

// Tx is a unit of work that stores records, as returned by the backends' Begin.
type Tx interface {
	eventcore.UnitOfWork
	eventcore.RecordStore
}

// TelemetryUnit traces a unit of work: its appends and loads like TelemetryStore, and
// how it finished.
type TelemetryUnit struct {
	*TelemetryStore
	tx Tx
}

// Begin wraps a backend begin function so that every unit it starts is traced.
//
//	begin := account.Begin(otel.Begin(store.Begin))
func Begin[T Tx](begin func(ctx context.Context) (T, error), options ...Option) func(ctx context.Context) (*TelemetryUnit, error) {
	return func(ctx context.Context) (*TelemetryUnit, error) {
		tx, err := begin(ctx)
		if err != nil {
			return nil, err
		}
		return &TelemetryUnit{TelemetryStore: WithEventStoreTelemetry(tx, options...), tx: tx}, nil
	}
}

func (u *TelemetryUnit) State() eventcore.UnitState {
	return u.tx.State()
}

func (u *TelemetryUnit) Commit(ctx context.Context) error {
	return u.finish(ctx, "commit", u.tx.Commit)
}

func (u *TelemetryUnit) Rollback(ctx context.Context) error {
	return u.finish(ctx, "rollback", u.tx.Rollback)
}

func (u *TelemetryUnit) finish(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "UnitOfWork."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := fn(ctx)
	outcome := u.tx.State().String()
	span.SetAttributes(AttrOutcome.String(outcome))
	UnitsFinished.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(outcome)))
	if err != nil {
		if expected(err) {
			span.SetStatus(codes.Ok, err.Error())
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

var (
	_ eventcore.RecordStore = (*TelemetryStore)(nil)
	_ eventcore.AllReader   = (*TelemetryStore)(nil)
	_ Tx                    = (*TelemetryUnit)(nil)
)
