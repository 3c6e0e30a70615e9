package eventcore_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
)

func TestAggregateType_Empty(t *testing.T) {
	c := counterType.Empty()

	if c.IsCreated() || c.Lifecycle() != eventcore.Uninitialized {
		t.Error("an empty aggregate must not be created")
	}
	if c.EntityID() != "" || c.Version() != 0 || len(c.Events()) != 0 {
		t.Errorf("unexpected empty aggregate: %+v", c)
	}
}

func TestAggregateType_Replay(t *testing.T) {
	c, err := counterType.Replay([]eventcore.Event[*Counter]{created("c-1", 1), added("c-1", 2), added("c-1", 3)})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !c.IsCreated() || c.EntityID() != "c-1" {
		t.Errorf("expected created counter c-1, got %q", c.EntityID())
	}
	if c.Value != 6 || c.Version() != 3 {
		t.Errorf("value %d version %d, want 6 and 3", c.Value, c.Version())
	}
	if len(c.Events()) != 0 {
		t.Error("replayed events must not be staged")
	}

	tests := []struct {
		name    string
		history []eventcore.Event[*Counter]
		wantErr error
	}{
		{"unknown event type", []eventcore.Event[*Counter]{created("c-1", 1), &unregistered{}}, eventcore.ErrUnknownEventType},
		{"name registered for another type", []eventcore.Event[*Counter]{created("c-1", 1), &impostor{N: 1}}, eventcore.ErrUnknownEventType},
		{"invariant violation", []eventcore.Event[*Counter]{created("c-1", 1), added("c-1", -1)}, eventcore.ErrDomainInvariantViolation},
		{"no creation event", []eventcore.Event[*Counter]{added("c-1", 1)}, eventcore.ErrDomainInvariantViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := counterType.Replay(tt.history)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != nil {
				t.Error("a failed replay must not return an aggregate")
			}
		})
	}
}

func TestApplyEvent_StagesDelta(t *testing.T) {
	c := counterType.Empty()

	if err := eventcore.ApplyEvent(c, created("c-1", 10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eventcore.ApplyEvent(c, added("", 5)); err != nil {
		t.Fatalf("add: %v", err)
	}

	delta := c.Events()
	if len(delta) != 2 || delta[0].EventType() != "Created" || delta[1].EventType() != "Added" {
		t.Fatalf("unexpected delta: %v", delta)
	}
	if delta[1].Metadata().AggregateID != "c-1" {
		t.Error("missing aggregate id must be taken from the aggregate")
	}
	if !c.UpdatedAt().Equal(delta[1].Metadata().Timestamp) {
		t.Error("updated-at must follow the last event")
	}

	before := *c
	err := eventcore.ApplyEvent(c, added("c-1", 0))
	if !errors.Is(err, eventcore.ErrDomainInvariantViolation) {
		t.Fatalf("expected a violation, got %v", err)
	}
	if c.Value != before.Value || len(c.Events()) != 2 || !c.UpdatedAt().Equal(before.UpdatedAt()) {
		t.Error("a failed apply must leave the aggregate unchanged")
	}

	c.ClearEvents()
	if c.Version() != 2 || len(c.Events()) != 0 {
		t.Errorf("after ClearEvents: version %d, %d staged", c.Version(), len(c.Events()))
	}
}

// impostor claims a registered event type name but is a different Go type.
type impostor struct {
	eventcore.EventBase

	N int `json:"n"`
}

func (*impostor) EventType() string { return "Added" }

func (e *impostor) Apply(c *Counter) error {
	c.Value += e.N
	return nil
}

func TestApplyEvent_RejectedEventKeepsMetadata(t *testing.T) {
	c := counterType.Empty()
	if err := eventcore.ApplyEvent(c, created("c-1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	e := &Added{N: 0}
	if err := eventcore.ApplyEvent(c, e); !errors.Is(err, eventcore.ErrDomainInvariantViolation) {
		t.Fatalf("expected a violation, got %v", err)
	}
	if m := e.Metadata(); m.EventID != uuid.Nil || m.AggregateID != "" || !m.Timestamp.IsZero() {
		t.Errorf("a rejected event must come back unmodified, got %+v", m)
	}
}

func TestApplyEvent_ForeignAggregate(t *testing.T) {
	c := counterType.Empty()
	if err := eventcore.ApplyEvent(c, created("c-1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := eventcore.ApplyEvent(c, added("c-2", 5))
	if !errors.Is(err, eventcore.ErrInvalidEventBatch) {
		t.Fatalf("expected ErrInvalidEventBatch, got %v", err)
	}
	if c.Value != 1 || len(c.Events()) != 1 {
		t.Errorf("the counter must be unchanged, value %d with %d staged", c.Value, len(c.Events()))
	}
}

func TestAggregateType_Project(t *testing.T) {
	var records []eventcore.Record
	for i, e := range []eventcore.Event[*Counter]{created("c-1", 1), added("c-1", 2), added("c-1", 3)} {
		rec, err := counterType.Events.Encode(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		rec.Version = uint64(i + 1)
		records = append(records, rec)
	}

	c := counterType.Empty()
	for _, rec := range records[:2] {
		if ok, err := counterType.Project(c, rec); !ok || err != nil {
			t.Fatalf("project v%d: %v %v", rec.Version, ok, err)
		}
	}

	if ok, err := counterType.Project(c, records[0]); ok || err != nil {
		t.Errorf("redelivered record must be skipped, got %v %v", ok, err)
	}

	gap := records[2]
	gap.Version = 5
	if _, err := counterType.Project(c, gap); !errors.Is(err, eventcore.ErrInvalidEventBatch) {
		t.Errorf("expected ErrInvalidEventBatch for a gap, got %v", err)
	}

	if ok, err := counterType.Project(c, records[2]); !ok || err != nil {
		t.Fatalf("project v3: %v %v", ok, err)
	}
	if c.Value != 6 || c.Version() != 3 {
		t.Errorf("value %d version %d, want 6 and 3", c.Value, c.Version())
	}
}
