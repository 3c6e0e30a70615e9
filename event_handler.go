package eventcore

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler reacts to a decoded event of aggregate type A.
type EventHandler[A any] interface {
	Handle(ctx context.Context, event Event[A]) error
}

// EventHandlerFunc adapts a function to EventHandler. It receives every event it is
// given; use OnEvent for a handler bound to one event type.
type EventHandlerFunc[A any] func(ctx context.Context, event Event[A]) error

func (f EventHandlerFunc[A]) Handle(ctx context.Context, event Event[A]) error {
	return f(ctx, event)
}

type typedEventHandler[A any, E Event[A]] func(ctx context.Context, ev E) error

// EventName returns the event type handled by h. Event types are expected to answer
// EventType on their zero value.
func (h typedEventHandler[A, E]) EventName() string {
	var zero E
	return zero.EventType()
}

func (h typedEventHandler[A, E]) Handle(ctx context.Context, event Event[A]) error {
	ev, ok := event.(E)
	if !ok {
		return fmt.Errorf("handler for %s received %T", h.EventName(), event)
	}
	return h(ctx, ev)
}

// OnEvent creates a handler for the single event type E.
//
//	p := NewEventGroupProcessor(account.Type.Events,
//	    OnEvent[*account.Account](func(ctx context.Context, ev *account.Opened) error { ... }),
//	    OnEvent[*account.Account](func(ctx context.Context, ev *account.Withdrawn) error { ... }),
//	)
func OnEvent[A any, E Event[A]](fn func(ctx context.Context, ev E) error) EventHandler[A] {
	return typedEventHandler[A, E](fn)
}

// EventGroupProcessor is a RecordHandler that decodes records of one aggregate type and
// routes them to typed handlers by event type. Records nobody handles are skipped.
type EventGroupProcessor[A any] struct {
	events   *EventsRegistry[A]
	handlers map[string]EventHandler[A]
}

// NewEventGroupProcessor builds a processor from handlers created with OnEvent.
//
// Panics:
//   - If a handler was not created with OnEvent.
//   - If two handlers claim the same event type.
//   - If a handled event type is not registered in events.
func NewEventGroupProcessor[A any](events *EventsRegistry[A], handlers ...EventHandler[A]) *EventGroupProcessor[A] {
	m := make(map[string]EventHandler[A], len(handlers))
	for _, h := range handlers {
		u, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Sprintf("%s events: handler %T is not bound to an event type", events.Aggregate(), h))
		}

		name := u.EventName()
		if _, exists := m[name]; exists {
			panic(fmt.Sprintf("%s events: duplicate handler for %s", events.Aggregate(), name))
		}
		if !events.Has(name) {
			panic(fmt.Sprintf("%s events: handler for unregistered event %s", events.Aggregate(), name))
		}
		m[name] = h
	}

	return &EventGroupProcessor[A]{events: events, handlers: m}
}

// Handle decodes rec and passes it to the handler registered for its event type.
func (p *EventGroupProcessor[A]) Handle(ctx context.Context, rec Record) error {
	if rec.AggregateType != "" && rec.AggregateType != p.events.Aggregate() {
		return nil
	}
	h, ok := p.handlers[rec.EventType]
	if !ok {
		return nil
	}

	ev, err := p.events.Decode(rec)
	if err != nil {
		return err
	}
	return h.Handle(ctx, ev)
}

// StreamFilter returns the sorted event types handled by p.
func (p *EventGroupProcessor[A]) StreamFilter() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filter reports whether rec would reach one of p's handlers. It fits the bus
// subscription filters.
func (p *EventGroupProcessor[A]) Filter(rec Record) bool {
	if rec.AggregateType != p.events.Aggregate() {
		return false
	}
	_, ok := p.handlers[rec.EventType]
	return ok
}
