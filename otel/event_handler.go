package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventcore"
)

// WithRecordTelemetry traces every record the named handler receives.
//
//	bus.Subscribe(ctx, "accounts", otel.WithRecordTelemetry("accounts", projector))
func WithRecordTelemetry(name string, next eventcore.RecordHandler, options ...Option) eventcore.RecordHandler {
	cfg := newConfig(options)

	return eventcore.RecordHandlerFunc(func(ctx context.Context, rec eventcore.Record) error {
		attrs := cfg.attributes(ctx,
			AttrHandlerName.String(name),
			AttrEventType.String(rec.EventType),
			AttrEventID.String(rec.EventID.String()),
			AttrStreamID.String(rec.StreamID),
			AttrEventStreamPos.Int64(int64(rec.Version)),
			AttrEventGlobalPos.Int64(int64(rec.GlobalVersion)),
		)

		ctx, span := tracer.Start(ctx, fmt.Sprintf("events.handle %s", rec.EventType),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		metricAttrs := metric.WithAttributes(
			AttrHandlerName.String(name),
			AttrEventType.String(rec.EventType),
		)

		startTime := time.Now()
		err := next.Handle(ctx, rec)
		EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttrs)

		if err != nil {
			EventBusErrors.Add(ctx, 1, metricAttrs)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}

		EventBusHandled.Add(ctx, 1, metricAttrs)
		span.SetStatus(codes.Ok, "")
		return nil
	})
}

// TelemetryPublisher traces each Publish of the wrapped publisher.
type TelemetryPublisher struct {
	next eventcore.Publisher
	cfg  *config
}

// WithPublisherTelemetry wraps next.
func WithPublisherTelemetry(next eventcore.Publisher, options ...Option) *TelemetryPublisher {
	return &TelemetryPublisher{next: next, cfg: newConfig(options)}
}

func (t *TelemetryPublisher) Publish(ctx context.Context, records ...eventcore.Record) {
	if len(records) == 0 {
		return
	}

	types := make([]string, 0, len(records))
	for _, rec := range records {
		types = append(types, rec.EventType)
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("events.publish %s", records[0].StreamID),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrStreamID.String(records[0].StreamID),
			AttrEventCount.Int(len(records)),
			attribute.StringSlice(string(AttrEventType), types),
		)...),
	)
	defer span.End()

	t.next.Publish(ctx, records...)
	EventBusPublished.Add(ctx, int64(len(records)))
}

var _ eventcore.Publisher = (*TelemetryPublisher)(nil)
