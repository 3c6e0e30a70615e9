package eventcore_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/terraskye/eventcore"
)

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		if msg, _ := r.(string); !strings.Contains(msg, contains) {
			t.Errorf("panic %q does not mention %q", r, contains)
		}
	}()
	fn()
}

func TestEventsRegistry_Register(t *testing.T) {
	reg := eventcore.NewEventsRegistry[*Counter]("Counter")
	reg.Register(func() eventcore.Event[*Counter] { return &Created{} })
	reg.RegisterByName("Incremented", func() eventcore.Event[*Counter] { return &Added{} })

	if got := reg.Names(); len(got) != 2 || got[0] != "Created" || got[1] != "Incremented" {
		t.Errorf("Names() = %v", got)
	}
	if !reg.Has("Incremented") || reg.Has("Added") {
		t.Error("RegisterByName must use the given name")
	}

	mustPanic(t, "already registered", func() {
		reg.Register(func() eventcore.Event[*Counter] { return &Created{} })
	})
	mustPanic(t, "nil factory", func() {
		reg.Register(nil)
	})
	mustPanic(t, "returned nil", func() {
		reg.Register(func() eventcore.Event[*Counter] { return (*Added)(nil) })
	})

	reg.Seal()
	if !reg.Sealed() {
		t.Fatal("expected the registry to be sealed")
	}
	mustPanic(t, "sealed", func() {
		reg.Register(func() eventcore.Event[*Counter] { return &Added{} })
	})
}

func TestEventsRegistry_UnknownEventType(t *testing.T) {
	_, err := counterType.Events.New("Reset")

	if !errors.Is(err, eventcore.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	var unknown *eventcore.UnknownEventTypeError
	if !errors.As(err, &unknown) || unknown.Name != "Reset" || unknown.Aggregate != "Counter" {
		t.Errorf("unexpected error details: %+v", unknown)
	}

	if _, err := counterType.Events.Decode(eventcore.Record{EventType: "Reset"}); !errors.Is(err, eventcore.ErrUnknownEventType) {
		t.Errorf("Decode: expected ErrUnknownEventType, got %v", err)
	}
}

type unregistered struct {
	eventcore.EventBase
}

func (*unregistered) EventType() string      { return "Unregistered" }
func (*unregistered) Apply(c *Counter) error { return nil }

func TestEventsRegistry_EncodeDecode(t *testing.T) {
	e := added("c-1", 3)

	rec, err := counterType.Events.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.EventType != "Added" || rec.AggregateType != "Counter" || rec.AggregateID != "c-1" || rec.By != "test" {
		t.Errorf("unexpected envelope: %+v", rec)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload) != 1 || payload["n"] != float64(3) {
		t.Errorf("payload must hold only the event fields, got %s", rec.Payload)
	}

	decoded, err := counterType.Events.Decode(rec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*Added)
	if !ok || got.N != 3 || got.EventID() != e.EventID() || !got.Timestamp().Equal(e.Timestamp()) {
		t.Errorf("decoded %+v, want %+v", decoded, e)
	}

	if _, err := counterType.Events.Encode(&unregistered{}); !errors.Is(err, eventcore.ErrUnknownEventType) {
		t.Errorf("encoding an unregistered event: got %v", err)
	}
	if _, err := counterType.Events.Encode(&impostor{N: 1}); !errors.Is(err, eventcore.ErrUnknownEventType) {
		t.Errorf("encoding an event of an unregistered Go type: got %v", err)
	}
}
