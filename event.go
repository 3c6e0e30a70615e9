package eventcore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Metadata is the envelope of an event. It is stored next to the payload, never inside it.
type Metadata struct {
	EventID     uuid.UUID
	AggregateID string
	Timestamp   time.Time
	By          string
}

// Event is an immutable fact bound to one aggregate type A.
//
// Apply mutates the domain fields of the aggregate. It must be idempotent, must not touch
// identity or timestamp bookkeeping other than through AggregateBase.Create, and must
// validate before writing anything: when it returns an error the aggregate is expected to
// be unchanged.
type Event[A any] interface {
	EventType() string
	Metadata() Metadata
	SetMetadata(m Metadata)
	Apply(aggregate A) error
}

// EventBase carries the envelope of a concrete event. Embed it in every event struct;
// its state is invisible to encoding/json so payloads only hold the declared fields.
type EventBase struct {
	meta Metadata
}

// NewEventBase returns an envelope with a fresh event id and the current time.
func NewEventBase(aggregateID, by string) EventBase {
	return EventBase{meta: Metadata{
		EventID:     uuid.New(),
		AggregateID: aggregateID,
		Timestamp:   now().UTC(),
		By:          by,
	}}
}

func (b EventBase) Metadata() Metadata      { return b.meta }
func (b EventBase) EventID() uuid.UUID      { return b.meta.EventID }
func (b EventBase) AggregateID() string     { return b.meta.AggregateID }
func (b EventBase) Timestamp() time.Time    { return b.meta.Timestamp }
func (b EventBase) By() string              { return b.meta.By }
func (b *EventBase) SetMetadata(m Metadata) { b.meta = m }

// Mutate sets the aggregate's updated-at time to the event timestamp and then applies
// the event. If Apply fails the previous updated-at time is restored.
func Mutate[A Aggregate[A]](e Event[A], aggregate A) error {
	base := aggregate.Base()
	previous := base.updatedAt

	base.updatedAt = e.Metadata().Timestamp
	if err := e.Apply(aggregate); err != nil {
		base.updatedAt = previous
		return fmt.Errorf("apply %s: %w", e.EventType(), err)
	}
	return nil
}

// Fields returns the serialized fields of e, without its envelope.
func Fields[A any](e Event[A]) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}
	return data, nil
}

// completeMetadata fills in the envelope fields a caller left unset.
func completeMetadata[A any](e Event[A], aggregateID string) {
	m := e.Metadata()
	changed := false
	if m.EventID == uuid.Nil {
		m.EventID = uuid.New()
		changed = true
	}
	if m.AggregateID == "" {
		m.AggregateID = aggregateID
		changed = true
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now().UTC()
		changed = true
	}
	if changed {
		e.SetMetadata(m)
	}
}
