package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventbus/memory"
)

type collector struct {
	mu      sync.Mutex
	records []eventcore.Record
	streams []string
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 100)}
}

func (c *collector) Handle(ctx context.Context, rec eventcore.Record) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.streams = append(c.streams, eventcore.StreamIDFromContext(ctx))
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []eventcore.Record {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for record %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventcore.Record(nil), c.records...)
}

func record(aggregateType string, version uint64) eventcore.Record {
	return eventcore.Record{
		EventID:       uuid.New(),
		EventType:     "Deposited",
		AggregateType: aggregateType,
		AggregateID:   "acc-1",
		StreamID:      aggregateType + "-acc-1",
		Version:       version,
	}
}

func TestEventBus_DeliversInOrder(t *testing.T) {
	bus := memory.NewEventBus(1)
	defer bus.Close()

	c := newCollector()
	if err := bus.Subscribe(t.Context(), "projector", memory.All, c); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(t.Context(), record("Account", 1), record("Account", 2), record("Account", 3))

	got := c.wait(t, 3)
	for i, rec := range got {
		if rec.Version != uint64(i+1) {
			t.Errorf("record %d has version %d", i, rec.Version)
		}
	}
	if c.streams[0] != "Account-acc-1" {
		t.Errorf("handler context stream = %q", c.streams[0])
	}
}

func TestEventBus_Filter(t *testing.T) {
	bus := memory.NewEventBus(10)
	defer bus.Close()

	c := newCollector()
	_ = bus.Subscribe(t.Context(), "accounts", memory.ForAggregateType("Account"), c)

	bus.Publish(t.Context(), record("Order", 1), record("Account", 1))

	got := c.wait(t, 1)
	if len(got) != 1 || got[0].AggregateType != "Account" {
		t.Errorf("unexpected records: %+v", got)
	}
}

func TestEventBus_DuplicateName(t *testing.T) {
	bus := memory.NewEventBus(10)
	defer bus.Close()

	_ = bus.Subscribe(t.Context(), "projector", memory.All, newCollector())
	err := bus.Subscribe(t.Context(), "projector", memory.All, newCollector())
	if !errors.Is(err, memory.ErrAlreadySubscribed) {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestEventBus_HandlerErrors(t *testing.T) {
	bus := memory.NewEventBus(10)
	defer bus.Close()

	boom := errors.New("boom")
	_ = bus.Subscribe(t.Context(), "failing", memory.All, eventcore.RecordHandlerFunc(func(ctx context.Context, rec eventcore.Record) error {
		return boom
	}))

	bus.Publish(t.Context(), record("Account", 1))

	select {
	case err := <-bus.Errors():
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handler error")
	}
}

func TestEventBus_UnsubscribeOnContextDone(t *testing.T) {
	bus := memory.NewEventBus(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(t.Context())
	_ = bus.Subscribe(ctx, "short-lived", memory.All, newCollector())
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		if err := bus.Subscribe(t.Context(), "short-lived", memory.All, newCollector()); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after its context ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBus_Closed(t *testing.T) {
	bus := memory.NewEventBus(10)
	_ = bus.Close()

	if err := bus.Subscribe(t.Context(), "late", memory.All, newCollector()); !errors.Is(err, memory.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	bus.Publish(t.Context(), record("Account", 1))
}
