package eventcore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

// Define constants for context keys
const (
	streamIDKey      ctxKey = "streamID"
	aggregateIDKey   ctxKey = "aggregateID"
	eventIDKey       ctxKey = "eventID"
	eventTypeKey     ctxKey = "eventType"
	versionKey       ctxKey = "version"
	globalVersionKey ctxKey = "global_version"
	timestampKey     ctxKey = "timestamp"
	byKey            ctxKey = "by"
)

// WithRecord adds the context of a Record to the context. Record handlers receive a
// context prepared this way.
func WithRecord(ctx context.Context, rec Record) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, rec.StreamID)
	ctx = context.WithValue(ctx, aggregateIDKey, rec.AggregateID)
	ctx = context.WithValue(ctx, eventIDKey, rec.EventID)
	ctx = context.WithValue(ctx, eventTypeKey, rec.EventType)
	ctx = context.WithValue(ctx, versionKey, rec.Version)
	ctx = context.WithValue(ctx, globalVersionKey, rec.GlobalVersion)
	ctx = context.WithValue(ctx, timestampKey, rec.Timestamp)
	ctx = context.WithValue(ctx, byKey, rec.By)
	return ctx
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

func uint64FromContext(ctx context.Context, key ctxKey) uint64 {
	if v, ok := ctx.Value(key).(uint64); ok {
		return v
	}
	return 0
}

// AggregateIDFromContext returns the AggregateID or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, aggregateIDKey)
}

// StreamIDFromContext returns the StreamID or "" if not present
func StreamIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, streamIDKey)
}

// EventTypeFromContext returns the event type name or "" if not present
func EventTypeFromContext(ctx context.Context) string {
	return stringFromContext(ctx, eventTypeKey)
}

// ByFromContext returns the actor recorded on the event or "" if not present
func ByFromContext(ctx context.Context) string {
	return stringFromContext(ctx, byKey)
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// VersionFromContext returns the Version or 0 if not present
func VersionFromContext(ctx context.Context) uint64 {
	return uint64FromContext(ctx, versionKey)
}

// GlobalVersionFromContext returns the GlobalVersion or 0 if not present
func GlobalVersionFromContext(ctx context.Context) uint64 {
	return uint64FromContext(ctx, globalVersionKey)
}

// TimestampFromContext returns the event timestamp or zero time if not present
func TimestampFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timestampKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
