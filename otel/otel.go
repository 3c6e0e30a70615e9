// Package otel instruments commands, stores, record handlers and queries with
// OpenTelemetry traces and metrics.
package otel

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventcore"
)

const (
	instrumentationName = "github.com/terraskye/eventcore"

	// InstrumentationVersion is reported with every meter and tracer.
	InstrumentationVersion = "0.1.0"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventcore.command.type")
	AttrAggregateID = attribute.Key("eventcore.aggregate.id")

	// Stream attributes
	AttrStreamID      = attribute.Key("eventcore.stream.id")
	AttrStreamVersion = attribute.Key("eventcore.stream.version")
	AttrStreamState   = attribute.Key("eventcore.stream.expected_state")

	// Event attributes
	AttrEventType      = attribute.Key("eventcore.event.type")
	AttrEventID        = attribute.Key("eventcore.event.id")
	AttrEventCount     = attribute.Key("eventcore.events.count")
	AttrEventGlobalPos = attribute.Key("eventcore.event.global_position")
	AttrEventStreamPos = attribute.Key("eventcore.event.stream_position")

	// Query attributes
	AttrQueryType = attribute.Key("eventcore.query.type")
	AttrQueryID   = attribute.Key("eventcore.query.id")

	// Subscriber attributes
	AttrHandlerName = attribute.Key("eventcore.handler.name")

	// Error attributes
	AttrErrorType = attribute.Key("eventcore.error.type")

	// Operation attributes
	AttrOperation = attribute.Key("eventcore.operation")
	AttrOutcome   = attribute.Key("eventcore.unit.outcome")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventcore.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventcore.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventcore.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventcore.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Record metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Number of records appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventcore.events.loaded",
		metric.WithDescription("Number of records loaded from streams"),
		metric.WithUnit("{event}"),
	)

	// Publisher and handler metrics
	EventBusPublished, _ = meter.Int64Counter(
		"eventcore.eventbus.published",
		metric.WithDescription("Number of records published"),
		metric.WithUnit("{event}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"eventcore.eventbus.handled",
		metric.WithDescription("Number of records handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"eventcore.eventbus.errors",
		metric.WithDescription("Number of record handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"eventcore.eventbus.duration",
		metric.WithDescription("Record handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Query metrics
	QueriesHandled, _ = meter.Int64Counter(
		"eventcore.queries.handled",
		metric.WithDescription("Total number of queries handled"),
		metric.WithUnit("{query}"),
	)

	QueriesDuration, _ = meter.Float64Histogram(
		"eventcore.queries.duration",
		metric.WithDescription("Query handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	QueriesFailed, _ = meter.Int64Counter(
		"eventcore.queries.failed",
		metric.WithDescription("Number of failed queries"),
		metric.WithUnit("{query}"),
	)

	// Store metrics
	EventStoreDuration, _ = meter.Float64Histogram(
		"eventcore.eventstore.duration",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventcore.eventstore.errors",
		metric.WithDescription("Number of store errors"),
		metric.WithUnit("{error}"),
	)

	UnitsFinished, _ = meter.Int64Counter(
		"eventcore.units.finished",
		metric.WithDescription("Number of units of work committed or rolled back"),
		metric.WithUnit("{unit}"),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventcore.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
)

// expected reports errors that are part of normal operation: domain rule violations,
// unknown aggregates and lost optimistic races. Spans keep an OK status for them.
func expected(err error) bool {
	return errors.Is(err, eventcore.ErrDomainInvariantViolation) ||
		errors.Is(err, eventcore.ErrNotFound) ||
		errors.Is(err, eventcore.ErrStreamRevisionConflict)
}
