package eventcore

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// EventsRegistry maps event type names to constructors for a single aggregate type.
// It is populated during program initialization, optionally sealed, and read from then on.
//
// Example Usage:
//
//	var accountEvents = NewEventsRegistry[*Account]("account")
//
//	var _ = accountEvents.Register(func() Event[*Account] { return &Deposited{} })
type EventsRegistry[A any] struct {
	aggregate string

	mu        sync.RWMutex
	factories map[string]func() Event[A]
	types     map[string]reflect.Type
	sealed    bool
}

// NewEventsRegistry creates an empty registry for the named aggregate type.
func NewEventsRegistry[A any](aggregate string) *EventsRegistry[A] {
	return &EventsRegistry[A]{
		aggregate: aggregate,
		factories: make(map[string]func() Event[A]),
		types:     make(map[string]reflect.Type),
	}
}

// Aggregate returns the name of the aggregate type this registry belongs to.
func (r *EventsRegistry[A]) Aggregate() string {
	return r.aggregate
}

// Register records factory under the EventType() of the event it builds and returns
// factory unchanged.
//
// Panics:
//   - If the factory is nil or returns nil.
//   - If the name is already registered.
//   - If the registry is sealed.
func (r *EventsRegistry[A]) Register(factory func() Event[A]) func() Event[A] {
	if factory == nil {
		panic(fmt.Sprintf("%s events: cannot register nil factory", r.aggregate))
	}
	ev := factory()
	if isNil(ev) {
		panic(fmt.Sprintf("%s events: factory returned nil", r.aggregate))
	}
	r.RegisterByName(ev.EventType(), factory)
	return factory
}

// RegisterByName records factory under a name independent of EventType().
// It panics under the same conditions as Register.
func (r *EventsRegistry[A]) RegisterByName(name string, factory func() Event[A]) {
	if factory == nil {
		panic(fmt.Sprintf("%s events: cannot register nil factory for %s", r.aggregate, name))
	}
	ev := factory()
	if isNil(ev) {
		panic(fmt.Sprintf("%s events: factory returned nil for %s", r.aggregate, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("%s events: registry is sealed, cannot register %s", r.aggregate, name))
	}
	if existing, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("%s events: event already registered: %s (%T), refusing %T",
			r.aggregate, name, existing(), ev))
	}

	r.factories[name] = factory
	r.types[name] = reflect.TypeOf(ev)
}

// Seal ends the registration phase. Any further registration panics.
func (r *EventsRegistry[A]) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *EventsRegistry[A]) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Has reports whether name is registered.
func (r *EventsRegistry[A]) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.factories[name]
	r.mu.RUnlock()
	return ok
}

// check reports whether e is the Go type registered under its EventType().
func (r *EventsRegistry[A]) check(e Event[A]) error {
	name := e.EventType()
	r.mu.RLock()
	typ, ok := r.types[name]
	r.mu.RUnlock()

	unknown := &UnknownEventTypeError{Aggregate: r.aggregate, Name: name}
	if !ok {
		return unknown
	}
	if got := reflect.TypeOf(e); got != typ {
		return fmt.Errorf("%w: registered as %s, got %s", unknown, typ, got)
	}
	return nil
}

// Names returns the registered event type names in sorted order.
func (r *EventsRegistry[A]) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// New creates a fresh zero event registered under name.
func (r *EventsRegistry[A]) New(name string) (Event[A], error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownEventTypeError{Aggregate: r.aggregate, Name: name}
	}
	return factory(), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
