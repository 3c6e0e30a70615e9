package memory_test

import (
	"errors"
	"testing"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/examples/account"
	"github.com/terraskye/eventcore/view/memory"
)

var _ eventcore.View[*account.Account] = (*memory.View[*account.Account])(nil)

func TestView_GetMissing(t *testing.T) {
	view := memory.NewView[*account.Account]("accounts")

	_, err := view.Get(t.Context(), "acc-1")
	if !errors.Is(err, eventcore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestView_VersionGuard(t *testing.T) {
	view := memory.NewView[*account.Account]("accounts")

	acc, _ := account.Open("acc-1", "alice", 100, "test")
	acc.ClearEvents()
	_ = acc.Deposit(10, "test")
	acc.ClearEvents()
	if err := view.Insert(t.Context(), acc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale, _ := account.Open("acc-1", "alice", 100, "test")
	stale.ClearEvents()
	if err := view.Update(t.Context(), stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := view.Get(t.Context(), "acc-1")
	if got.Balance != 110 {
		t.Errorf("stale write replaced the projection: balance %d", got.Balance)
	}
}

func TestView_ReturnsCopies(t *testing.T) {
	view := memory.NewView[*account.Account]("accounts")

	acc, _ := account.Open("acc-1", "alice", 100, "test")
	acc.ClearEvents()
	_ = view.Insert(t.Context(), acc)

	acc.Balance = 0
	got, _ := view.Get(t.Context(), "acc-1")
	got.Balance = -1

	again, _ := view.Get(t.Context(), "acc-1")
	if again.Balance != 100 {
		t.Errorf("balance = %d, want 100", again.Balance)
	}
	if len(view.List(t.Context())) != 1 {
		t.Errorf("expected one projection")
	}
}

func TestView_RejectsMissingID(t *testing.T) {
	view := memory.NewView[*account.Account]("accounts")

	if err := view.Insert(t.Context(), account.Type.Empty()); err == nil {
		t.Error("expected an error for a projection without id")
	}
}

func TestView_ListOrderedByID(t *testing.T) {
	view := memory.NewView[*account.Account]("accounts")

	for _, id := range []string{"acc-3", "acc-1", "acc-2"} {
		acc, _ := account.Open(id, "alice", 1, "test")
		acc.ClearEvents()
		if err := view.Insert(t.Context(), acc); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	var ids []string
	for _, acc := range view.List(t.Context()) {
		ids = append(ids, acc.EntityID())
	}
	if len(ids) != 3 || ids[0] != "acc-1" || ids[1] != "acc-2" || ids[2] != "acc-3" {
		t.Errorf("ids %v", ids)
	}
}
