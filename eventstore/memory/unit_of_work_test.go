package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/memory"
)

func TestUnitOfWork_CommitApplies(t *testing.T) {
	pub := &recordingPublisher{}
	store := memory.NewMemoryStore(memory.WithPublisher(pub))

	uow, err := store.Begin(t.Context())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := uow.Append(t.Context(), "order-1", eventcore.NoStream{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := uow.Append(t.Context(), "order-1", eventcore.Revision(1), []eventcore.Record{newRecord("order-1", "ItemAdded", nil)}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	if store.Len() != 0 {
		t.Fatalf("expected staged records to be invisible before commit, got %d", store.Len())
	}
	if staged := collectAll(t, mustLoad(t, uow, "order-1")); len(staged) != 2 {
		t.Fatalf("expected the unit to read its own 2 records, got %d", len(staged))
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected nothing published before commit")
	}

	if err := uow.Commit(t.Context()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if uow.State() != eventcore.UnitCommitted {
		t.Errorf("expected committed, got %s", uow.State())
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 records, got %d", store.Len())
	}
	if len(pub.published) != 2 {
		t.Errorf("expected 2 published records, got %d", len(pub.published))
	}
}

func TestUnitOfWork_RollbackDiscards(t *testing.T) {
	store := memory.NewMemoryStore()
	uow, _ := store.Begin(t.Context())

	_, _ = uow.Append(t.Context(), "order-1", eventcore.Any{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)})

	if err := uow.Rollback(t.Context()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected no records, got %d", store.Len())
	}
	if uow.State() != eventcore.UnitRolledBack {
		t.Errorf("expected rolled back, got %s", uow.State())
	}
	if err := uow.Commit(t.Context()); !errors.Is(err, eventcore.ErrUnitFinished) {
		t.Errorf("expected ErrUnitFinished, got %v", err)
	}
	if _, err := uow.Append(t.Context(), "order-1", eventcore.Any{}, nil); !errors.Is(err, eventcore.ErrUnitFinished) {
		t.Errorf("expected ErrUnitFinished, got %v", err)
	}
}

func TestUnitOfWork_CommitDetectsLostRace(t *testing.T) {
	store := memory.NewMemoryStore()

	first, _ := store.Begin(t.Context())
	second, _ := store.Begin(t.Context())

	for _, uow := range []*memory.UnitOfWork{first, second} {
		if _, err := uow.Append(t.Context(), "order-1", eventcore.NoStream{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := first.Commit(t.Context()); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	err := second.Commit(t.Context())
	if !errors.Is(err, eventcore.ErrStreamRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
	if second.State() != eventcore.UnitRolledBack {
		t.Errorf("expected failed commit to roll back, got %s", second.State())
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 record, got %d", store.Len())
	}
}

func TestUnitOfWork_CommitIsAtomic(t *testing.T) {
	store := memory.NewMemoryStore()
	existing := newRecord("order-2", "OrderCreated", nil)
	_, _ = store.Append(t.Context(), "order-2", eventcore.Any{}, []eventcore.Record{existing})

	uow, _ := store.Begin(t.Context())
	_, _ = uow.Append(t.Context(), "order-1", eventcore.NoStream{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)})
	_, _ = uow.Append(t.Context(), "order-3", eventcore.NoStream{}, []eventcore.Record{newRecord("order-3", "OrderCreated", nil)})

	// Another writer takes order-3 before the unit commits.
	_, _ = store.Append(t.Context(), "order-3", eventcore.NoStream{}, []eventcore.Record{newRecord("order-3", "OrderCreated", nil)})

	if err := uow.Commit(t.Context()); err == nil {
		t.Fatal("expected commit to fail")
	}
	if got := collectAll(t, mustLoad(t, store, "order-1")); len(got) != 0 {
		t.Errorf("expected order-1 untouched, got %d records", len(got))
	}
}

func TestUnitOfWork_Within(t *testing.T) {
	store := memory.NewMemoryStore()
	begin := func(ctx context.Context) (*memory.UnitOfWork, error) { return store.Begin(ctx) }

	err := eventcore.Within(t.Context(), begin, func(ctx context.Context, uow *memory.UnitOfWork) error {
		_, err := uow.Append(ctx, "order-1", eventcore.Any{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)})
		return err
	})
	if !errors.Is(err, eventcore.ErrTransactionAborted) {
		t.Fatalf("expected ErrTransactionAborted, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected uncommitted unit to leave the store empty, got %d", store.Len())
	}

	err = eventcore.Within(t.Context(), begin, func(ctx context.Context, uow *memory.UnitOfWork) error {
		if _, err := uow.Append(ctx, "order-1", eventcore.Any{}, []eventcore.Record{newRecord("order-1", "OrderCreated", nil)}); err != nil {
			return err
		}
		return uow.Commit(ctx)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 record, got %d", store.Len())
	}
}
