// Package memory keeps projections of aggregates in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/terraskye/eventcore"
)

// Projection is an aggregate that a view can copy, so callers never share state with it.
type Projection[A any] interface {
	eventcore.Aggregate[A]
	Clone() A
}

// View is an eventcore.View backed by a map. Writes are version guarded: a write that is
// not newer than the stored projection is ignored, so redelivered records are harmless.
type View[A Projection[A]] struct {
	name string

	mu    sync.RWMutex
	items map[string]A
}

// NewView creates an empty view. name only appears in errors.
func NewView[A Projection[A]](name string) *View[A] {
	return &View[A]{name: name, items: make(map[string]A)}
}

// Get implements eventcore.ReadView.
func (v *View[A]) Get(ctx context.Context, id string) (A, error) {
	v.mu.RLock()
	obj, ok := v.items[id]
	v.mu.RUnlock()

	if !ok {
		var zero A
		return zero, fmt.Errorf("%s %q: %w", v.name, id, eventcore.ErrNotFound)
	}
	return obj.Clone(), nil
}

// Insert implements eventcore.WritableView.
func (v *View[A]) Insert(ctx context.Context, obj A) error {
	return v.upsert(obj)
}

// Update implements eventcore.WritableView.
func (v *View[A]) Update(ctx context.Context, obj A) error {
	return v.upsert(obj)
}

func (v *View[A]) upsert(obj A) error {
	base := obj.Base()
	id := base.EntityID()
	if id == "" {
		return fmt.Errorf("%s: cannot store a projection without id: %w", v.name, eventcore.ErrInvalidEventBatch)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if current, ok := v.items[id]; ok && current.Base().Version() >= base.Version() {
		return nil
	}
	v.items[id] = obj.Clone()
	return nil
}

// List returns a copy of every stored projection, ordered by id.
func (v *View[A]) List(ctx context.Context) []A {
	v.mu.RLock()
	out := make([]A, 0, len(v.items))
	for _, obj := range v.items {
		out = append(out, obj.Clone())
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Base().EntityID() < out[j].Base().EntityID()
	})
	return out
}
