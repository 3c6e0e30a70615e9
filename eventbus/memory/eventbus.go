package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/terraskye/eventcore"
)

var (
	ErrClosed            = errors.New("eventbus is closed")
	ErrAlreadySubscribed = errors.New("subscriber already registered")
)

type subscriber struct {
	name    string
	filter  func(eventcore.Record) bool
	handler eventcore.RecordHandler
	records chan eventcore.Record
	done    chan struct{}
	cancel  context.CancelFunc
}

// EventBus fans committed records out to named subscribers. Each subscriber has its own
// worker, so it sees records in publish order. A full subscriber queue makes Publish
// wait, so no record is dropped.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	errs       chan error
	wg         sync.WaitGroup
	bufferSize int
}

// NewEventBus constructs a new bus with a given subscriber buffer size.
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		bufferSize: bufferSize,
	}
}

// All matches every record.
func All(eventcore.Record) bool { return true }

// ForAggregateType matches the records of one aggregate type.
func ForAggregateType(name string) func(eventcore.Record) bool {
	return func(rec eventcore.Record) bool { return rec.AggregateType == name }
}

// Subscribe registers a handler with a filter and name. The subscriber is removed when
// ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, name string, filter func(eventcore.Record) bool, handler eventcore.RecordHandler) error {
	if filter == nil || handler == nil {
		return errors.New("filter and handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("handler %q: %w", name, ErrAlreadySubscribed)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		name:    name,
		filter:  filter,
		handler: handler,
		records: make(chan eventcore.Record, b.bufferSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	b.subs[name] = s

	// Start worker
	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s)

	// Automatically remove when caller's ctx finishes
	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name, s)
		case <-s.done:
		}
	}()

	return nil
}

// Errors returns the channel on which handler errors are reported. Errors are dropped
// when nobody reads it.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close shuts down the bus and waits for all workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for name, s := range b.subs {
		close(s.done)
		close(s.records)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	// Wait until all workers finish
	b.wg.Wait()

	close(b.errs)

	return nil
}

// runSubscriber processes records for a single handler.
func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()
	defer s.cancel()

	for rec := range s.records {
		if err := s.handler.Handle(eventcore.WithRecord(ctx, rec), rec); err != nil {
			select {
			case b.errs <- fmt.Errorf("handler %q: record %s: %w", s.name, rec.EventID, err):
			default:
				// Drop error if channel full
			}
		}
	}
}

func (b *EventBus) removeSubscriber(name string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.subs[name]; !ok || current != s {
		return
	}
	delete(b.subs, name)
	close(s.done)
	close(s.records)
}

// Publish sends records to all matching subscribers. It implements eventcore.Publisher.
func (b *EventBus) Publish(ctx context.Context, records ...eventcore.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, rec := range records {
		for _, s := range b.subs {
			if !s.filter(rec) {
				continue
			}
			select {
			case s.records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ eventcore.Publisher = (*EventBus)(nil)
