package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/io-da/query"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithQueryTelemetry wraps a query.Handler with tracing and the query metrics.
//
//	handler := otel.WithQueryTelemetry(queryhandler.New(account.Type.Name, view))
func WithQueryTelemetry(next query.Handler, options ...Option) query.Handler {
	return &telemetryQueryHandler{next: next, cfg: newConfig(options)}
}

type telemetryQueryHandler struct {
	next query.Handler
	cfg  *config
}

func (h *telemetryQueryHandler) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	queryType := fmt.Sprintf("%T", qry)
	typeAttr := metric.WithAttributes(AttrQueryType.String(queryType))

	ctx, span := tracer.Start(ctx, fmt.Sprintf("query.handle %s", queryType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(h.cfg.attributes(ctx,
			AttrQueryType.String(queryType),
			AttrQueryID.String(string(qry.ID())),
		)...),
	)
	defer span.End()

	startTime := time.Now()
	err := h.next.Handle(ctx, qry, res)
	QueriesDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		QueriesFailed.Add(ctx, 1, typeAttr)
		return err
	}

	span.SetStatus(codes.Ok, "")
	QueriesHandled.Add(ctx, 1, typeAttr)
	return nil
}
