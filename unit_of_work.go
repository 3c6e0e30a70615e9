package eventcore

import (
	"context"
	"errors"
	"fmt"
)

// UnitState is the outcome of a unit of work.
type UnitState uint8

const (
	UnitPending UnitState = iota
	UnitCommitted
	UnitRolledBack
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "pending"
	case UnitCommitted:
		return "committed"
	case UnitRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("UnitState(%d)", uint8(s))
}

// ErrUnitFinished is returned by Commit or Rollback on a unit that already finished.
var ErrUnitFinished = errors.New("unit of work already finished")

// UnitOfWork is a transactional boundary around a sequence of mutations.
//
// Commit makes all work durable and Rollback discards it. After either call the unit is
// finished: State no longer reports UnitPending and further calls return ErrUnitFinished.
// A failed Commit leaves the unit rolled back.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	State() UnitState
}

// Within runs fn inside a unit of work obtained from begin.
//
// The scope policy is rollback unless committed: fn must call Commit itself. Whenever
// the scope is left with the unit still pending (fn returned an error, returned nil
// without committing, or panicked) the unit is rolled back. A nil return from fn without
// a commit is reported as ErrTransactionAborted. Panics are re-raised after the rollback.
func Within[U UnitOfWork](ctx context.Context, begin func(ctx context.Context) (U, error), fn func(ctx context.Context, uow U) error) (err error) {
	uow, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			if uow.State() == UnitPending {
				_ = uow.Rollback(ctx)
			}
			panic(r)
		}
	}()

	fnErr := fn(ctx, uow)

	switch uow.State() {
	case UnitCommitted:
		return fnErr
	case UnitPending:
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			fnErr = errors.Join(fnErr, fmt.Errorf("rollback: %w", rbErr))
		}
	}

	if fnErr != nil {
		return fnErr
	}
	return ErrTransactionAborted
}
