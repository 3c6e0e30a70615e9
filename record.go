package eventcore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted form of an event: the envelope, the type name used to resolve
// it through an EventsRegistry, and the payload fields.
type Record struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	StreamID      string          `json:"stream_id"`
	Timestamp     time.Time       `json:"timestamp"`
	By            string          `json:"by"`
	Payload       json.RawMessage `json:"payload"`

	// Version is the 1-based position of the record within its stream.
	Version uint64 `json:"version"`

	// GlobalVersion is assigned by stores that keep a global order, 0 otherwise.
	GlobalVersion uint64 `json:"global_version,omitempty"`
}

// Metadata returns the envelope stored in the record.
func (r Record) Metadata() Metadata {
	return Metadata{
		EventID:     r.EventID,
		AggregateID: r.AggregateID,
		Timestamp:   r.Timestamp,
		By:          r.By,
	}
}

// Encode converts e into a Record. The event type must be registered.
func (r *EventsRegistry[A]) Encode(e Event[A]) (Record, error) {
	name := e.EventType()
	if err := r.check(e); err != nil {
		return Record{}, err
	}

	payload, err := Fields(e)
	if err != nil {
		return Record{}, err
	}

	m := e.Metadata()
	return Record{
		EventID:       m.EventID,
		EventType:     name,
		AggregateType: r.aggregate,
		AggregateID:   m.AggregateID,
		Timestamp:     m.Timestamp,
		By:            m.By,
		Payload:       payload,
	}, nil
}

// Decode resolves rec.EventType through the registry and rebuilds the event.
func (r *EventsRegistry[A]) Decode(rec Record) (Event[A], error) {
	ev, err := r.New(rec.EventType)
	if err != nil {
		return nil, err
	}

	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, ev); err != nil {
			return nil, fmt.Errorf("cannot unmarshal event %q: %w", rec.EventType, err)
		}
	}
	ev.SetMetadata(rec.Metadata())
	return ev, nil
}
