// Package file is a durable event bus: every subscriber has a spool directory that
// published records are written to, and a worker that hands them to the subscriber in
// order and deletes each file once it was handled.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/terraskye/eventcore"
)

var (
	ErrClosed            = errors.New("eventbus is closed")
	ErrAlreadySubscribed = errors.New("subscriber already registered")
)

type subscriber struct {
	name    string
	dir     string
	handler eventcore.RecordHandler
	filter  func(eventcore.Record) bool
	cancel  context.CancelFunc
}

// EventBus spools records under root. Records that a handler fails on stay in the spool
// and are retried, so a subscriber sees every record at least once, and in order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	root   string
	closed bool
	wg     sync.WaitGroup
	errs   chan error
	seq    atomic.Uint64

	// RetryInterval is how long a worker waits before retrying a failed record.
	RetryInterval time.Duration
}

// NewEventBus constructs the bus in root dir.
func NewEventBus(root string) (*EventBus, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	return &EventBus{
		root:          root,
		subs:          make(map[string]*subscriber),
		errs:          make(chan error, 64),
		RetryInterval: time.Second,
	}, nil
}

// Subscribe registers a subscriber. Records left in its spool by an earlier process are
// delivered first. The subscriber is removed when ctx is done; its spool is kept.
func (b *EventBus) Subscribe(ctx context.Context, name string, filter func(eventcore.Record) bool, handler eventcore.RecordHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if filter == nil {
		filter = func(eventcore.Record) bool { return true }
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q: %w", name, ErrAlreadySubscribed)
	}

	dir := filepath.Join(b.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		name:    name,
		dir:     dir,
		handler: handler,
		filter:  filter,
		cancel:  cancel,
	}
	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Publish implements eventcore.Publisher by writing records to the spool of every
// matching subscriber.
func (b *EventBus) Publish(ctx context.Context, records ...eventcore.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			b.report(fmt.Errorf("encode record %s: %w", rec.EventID, err))
			continue
		}
		name := fmt.Sprintf("%020d-%010d.json", time.Now().UnixNano(), b.seq.Add(1))

		for _, s := range b.subs {
			if !s.filter(rec) {
				continue
			}
			path := filepath.Join(s.dir, name)
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, data, 0o644); err != nil {
				b.report(fmt.Errorf("subscriber %q: spool record %s: %w", s.name, rec.EventID, err))
				continue
			}
			if err := os.Rename(tmp, path); err != nil {
				b.report(fmt.Errorf("subscriber %q: spool record %s: %w", s.name, rec.EventID, err))
			}
		}
	}
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		b.report(fmt.Errorf("subscriber %q: watch %s: %w", s.name, s.dir, err))
		return
	}

	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 || strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if !b.drain(ctx, s) {
				retry.Reset(b.RetryInterval)
			}

		case <-retry.C:
			if !b.drain(ctx, s) {
				retry.Reset(b.RetryInterval)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		}
	}
}

// drain handles the spooled records in order. It stops at the first failure so that
// later records are not handled before it, and reports whether the spool was emptied.
func (b *EventBus) drain(ctx context.Context, s *subscriber) bool {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
		return false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if ctx.Err() != nil {
			return true
		}
		if err := b.processFile(ctx, s, filepath.Join(s.dir, e.Name())); err != nil {
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
			return false
		}
	}
	return true
}

// processFile handles a single spooled record and deletes it on success.
func (b *EventBus) processFile(ctx context.Context, s *subscriber, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var rec eventcore.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A record that cannot be decoded would block the spool forever.
		_ = os.Rename(path, path+".bad")
		return fmt.Errorf("decode %s: %w", path, err)
	}

	if err := s.handler.Handle(eventcore.WithRecord(ctx, rec), rec); err != nil {
		return err
	}
	return os.Remove(path)
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// Errors reports spool and handler failures.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		s.cancel()
	}
}

// Close shuts down the bus and waits for workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

var _ eventcore.Publisher = (*EventBus)(nil)
