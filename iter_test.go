package eventcore_test

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/terraskye/eventcore"
)

func TestIteratorBasic(t *testing.T) {
	items := []int{1, 2, 3}
	i := 0

	iter := eventcore.NewIteratorFunc(func(ctx context.Context) (int, error) {
		if i >= len(items) {
			return 0, io.EOF
		}
		val := items[i]
		i++
		return val, nil
	})

	var got []int

	for iter.Next(t.Context()) {
		got = append(got, iter.Value())
	}

	if iter.Err() != nil {
		t.Fatalf("unexpected error: %v", iter.Err())
	}

	if len(got) != len(items) {
		t.Fatalf("expected %v items, got %v", len(items), len(got))
	}

	for i := range items {
		if got[i] != items[i] {
			t.Errorf("index %d: expected %v got %v", i, items[i], got[i])
		}
	}
}

func TestIteratorEOF(t *testing.T) {
	iter := eventcore.NewIteratorFunc(func(ctx context.Context) (int, error) {
		return 0, io.EOF
	})

	if iter.Next(t.Context()) {
		t.Fatal("expected no items")
	}
	if iter.Err() != nil {
		t.Fatalf("io.EOF must not be reported, got %v", iter.Err())
	}
}

func TestIteratorError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	iter := eventcore.NewIteratorFunc(func(ctx context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, boom
		}
		return calls, nil
	})

	got, err := iter.All(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected the item before the error, got %v", got)
	}
	if iter.Next(t.Context()) || calls != 2 {
		t.Error("a stopped iterator must not call its function again")
	}
}

func TestSliceIteratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	iter := eventcore.NewSliceIterator([]string{"a", "b"})

	if !iter.Next(ctx) || iter.Value() != "a" {
		t.Fatal("expected the first item")
	}
	cancel()

	if iter.Next(ctx) {
		t.Fatal("expected iteration to stop")
	}
	if !errors.Is(iter.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", iter.Err())
	}
}

func TestMapIterator(t *testing.T) {
	strs := eventcore.MapIterator(eventcore.NewSliceIterator([]int{1, 2, 3}), func(i int) (string, error) {
		return strconv.Itoa(i * 10), nil
	})

	got, err := strs.All(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[2] != "30" {
		t.Errorf("got %v", got)
	}

	bad := eventcore.MapIterator(eventcore.NewSliceIterator([]int{1, 2}), func(i int) (string, error) {
		if i == 2 {
			return "", eventcore.ErrUnknownEventType
		}
		return "ok", nil
	})
	if _, err := bad.All(t.Context()); !errors.Is(err, eventcore.ErrUnknownEventType) {
		t.Errorf("expected the mapping error, got %v", err)
	}
}
