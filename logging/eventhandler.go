package logging

import (
	"context"
	"log/slog"

	"github.com/terraskye/eventcore"
)

func WithLoggingMiddleware(logger *slog.Logger, next eventcore.RecordHandler) eventcore.RecordHandler {
	return eventcore.RecordHandlerFunc(func(ctx context.Context, rec eventcore.Record) error {
		ctx = eventcore.WithRecord(ctx, rec)
		l := logger.With(
			"stream-id", eventcore.StreamIDFromContext(ctx),
			"event-type", eventcore.EventTypeFromContext(ctx),
			"version", eventcore.VersionFromContext(ctx),
			"global-version", eventcore.GlobalVersionFromContext(ctx),
			"aggregateId", eventcore.AggregateIDFromContext(ctx),
			"by", eventcore.ByFromContext(ctx),
		)

		l.DebugContext(ctx, "event processing started")

		err := next.Handle(ctx, rec)

		if err != nil {
			l.ErrorContext(ctx, "error processing event", "error", err)
		} else {
			l.DebugContext(ctx, "event processed successfully")
		}

		return err
	})
}
