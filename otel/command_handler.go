package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventcore"
)

// WithCommandTelemetry returns command bus middleware that traces every command and
// records the command metrics.
//
// A command that returns a failure Result still counts as failed, but only unexpected
// errors mark the span as an error: domain rule violations, unknown aggregates and
// revision conflicts are recorded as span events. Revision conflicts are counted in
// ConcurrencyConflicts, once per attempt.
//
//	bus.Use(otel.WithCommandTelemetry[*account.Unit]())
func WithCommandTelemetry[U eventcore.UnitOfWork](opts ...Option) eventcore.Middleware[U] {
	cfg := newConfig(opts)

	return func(next eventcore.CommandHandler[U]) eventcore.CommandHandler[U] {
		return func(ctx context.Context, cmd eventcore.Command[U], uow U) (eventcore.Result, error) {
			commandType := eventcore.CommandName(cmd)
			typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

			ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(cfg.attributes(ctx,
					AttrCommandType.String(commandType),
					AttrAggregateID.String(eventcore.AggregateIDOf(cmd)),
				)...),
			)
			defer span.End()

			CommandsInFlight.Add(ctx, 1, typeAttr)
			defer CommandsInFlight.Add(ctx, -1, typeAttr)

			startTime := time.Now()
			result, err := next(ctx, cmd, uow)
			CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

			if err != nil {
				kind := eventcore.ErrorKind(err)
				span.SetAttributes(AttrErrorType.String(kind))
				CommandsFailed.Add(ctx, 1, metric.WithAttributes(
					AttrCommandType.String(commandType),
					AttrErrorType.String(kind),
				))
				if kind == "revision_conflict" {
					ConcurrencyConflicts.Add(ctx, 1, typeAttr)
				}
				if expected(err) {
					span.AddEvent(kind)
					span.SetStatus(codes.Ok, err.Error())
				} else {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return result, err
			}

			if !result.OK() {
				span.AddEvent("command_rejected")
				CommandsFailed.Add(ctx, 1, metric.WithAttributes(
					AttrCommandType.String(commandType),
					AttrErrorType.String(fmt.Sprint(result.Value()["error"])),
				))
				return result, nil
			}

			span.SetStatus(codes.Ok, "")
			CommandsHandled.Add(ctx, 1, typeAttr)
			return result, nil
		}
	}
}
