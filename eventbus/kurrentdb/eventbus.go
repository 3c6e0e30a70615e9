// Package kurrentdb delivers records to handlers through KurrentDB $all subscriptions.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	"github.com/terraskye/eventcore"
	store "github.com/terraskye/eventcore/eventstore/kurrentdb"
)

var (
	ErrClosed            = errors.New("eventbus is closed")
	ErrAlreadySubscribed = errors.New("subscriber already registered")
)

// SubscriberOption configures the $all subscription behind one subscriber.
type SubscriberOption func(*kurrentdb.SubscribeToAllOptions)

type subscriber struct {
	name    string
	opt     kurrentdb.SubscribeToAllOptions
	handler eventcore.RecordHandler
	cancel  context.CancelFunc
}

// EventBus runs one catch-up subscription per subscriber. Unlike the in-memory bus it
// does not need a Publisher: records reach subscribers once KurrentDB has stored them.
type EventBus struct {
	db     *kurrentdb.Client
	subs   map[string]*subscriber
	mu     sync.RWMutex
	closed bool
	errs   chan error
	wg     sync.WaitGroup
}

func NewEventBus(db *kurrentdb.Client) *EventBus {
	return &EventBus{
		db:   db,
		subs: make(map[string]*subscriber),
		errs: make(chan error, 64),
	}
}

// Subscribe starts delivering records to handler. By default the subscription starts at
// the end of $all; use WithFromStart or WithFromPosition to catch up. The subscriber is
// removed when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, name string, handler eventcore.RecordHandler, opts ...SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, exists := b.subs[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("subscriber %q: %w", name, ErrAlreadySubscribed)
	}

	workerCtx, cancel := context.WithCancel(context.Background())

	opt := kurrentdb.SubscribeToAllOptions{
		From: kurrentdb.End{},
		Filter: &kurrentdb.SubscriptionFilter{
			Type:  kurrentdb.EventFilterType,
			Regex: "^[^$]",
		},
	}
	for _, o := range opts {
		o(&opt)
	}

	sub := &subscriber{name: name, handler: handler, cancel: cancel, opt: opt}
	b.subs[name] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.runSubscriber(workerCtx, sub)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	subscription, err := b.db.SubscribeToAll(ctx, s.opt)
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		return
	}
	defer subscription.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		event := subscription.Recv()

		if event.SubscriptionDropped != nil {
			if ctx.Err() == nil {
				b.report(fmt.Errorf("subscriber %q dropped: %w", s.name, event.SubscriptionDropped.Error))
			}
			return
		}
		if event.EventAppeared == nil {
			continue
		}

		ev := event.EventAppeared.OriginalEvent()
		if strings.HasPrefix(ev.EventType, "$") {
			continue
		}
		rec, err := store.RecordFromEvent(ev)
		if err != nil {
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
			continue
		}

		if err := s.handler.Handle(eventcore.WithRecord(ctx, rec), rec); err != nil {
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		}
	}
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
		sub.cancel()
	}
	b.mu.Unlock()
}

// Errors reports subscription and handler failures.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

// WithFromStart replays $all from the beginning before following new records.
func WithFromStart() SubscriberOption {
	return func(opts *kurrentdb.SubscribeToAllOptions) {
		opts.From = kurrentdb.Start{}
	}
}

// WithFromPosition resumes after a commit position previously seen as Record.GlobalVersion.
func WithFromPosition(position uint64) SubscriberOption {
	return func(opts *kurrentdb.SubscribeToAllOptions) {
		opts.From = kurrentdb.Position{Commit: position, Prepare: position}
	}
}

// WithFilterEvents only delivers records whose event type starts with one of prefixes.
func WithFilterEvents(prefixes []string) SubscriberOption {
	return func(opts *kurrentdb.SubscribeToAllOptions) {
		opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.EventFilterType,
			Prefixes: prefixes,
		}
	}
}

// WithFilterStream only delivers records from streams starting with one of prefixes,
// e.g. "Account-" for the streams named by eventcore.DefaultStreamNamer.
func WithFilterStream(prefixes []string) SubscriberOption {
	return func(opts *kurrentdb.SubscribeToAllOptions) {
		opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: prefixes,
		}
	}
}
