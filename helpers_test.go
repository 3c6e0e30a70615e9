package eventcore_test

import (
	"github.com/terraskye/eventcore"
)

// Counter is the aggregate used by the tests of this package.
type Counter struct {
	eventcore.AggregateBase[*Counter]

	Value int
}

var counterType = eventcore.NewAggregateType("Counter", func() *Counter { return &Counter{} })

var (
	_ = counterType.Events.Register(func() eventcore.Event[*Counter] { return &Created{} })
	_ = counterType.Events.Register(func() eventcore.Event[*Counter] { return &Added{} })
)

type Created struct {
	eventcore.EventBase

	Start int `json:"start"`
}

func (*Created) EventType() string { return "Created" }

func (e *Created) Apply(c *Counter) error {
	if c.IsCreated() {
		return eventcore.Violation("counter %s already exists", c.EntityID())
	}
	c.Create(e.AggregateID(), e.Timestamp())
	c.Value = e.Start
	return nil
}

type Added struct {
	eventcore.EventBase

	N int `json:"n"`
}

func (*Added) EventType() string { return "Added" }

func (e *Added) Apply(c *Counter) error {
	if !c.IsCreated() {
		return eventcore.Violation("counter does not exist")
	}
	if e.N <= 0 {
		return eventcore.Violation("cannot add %d", e.N)
	}
	c.Value += e.N
	return nil
}

func created(id string, start int) *Created {
	return &Created{EventBase: eventcore.NewEventBase(id, "test"), Start: start}
}

func added(id string, n int) *Added {
	return &Added{EventBase: eventcore.NewEventBase(id, "test"), N: n}
}
