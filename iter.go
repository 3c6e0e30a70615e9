package eventcore

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, pull-based sequence. The producing function returns io.EOF
// once the sequence is exhausted; any other error stops iteration and is reported by Err.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function that produces the next item.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator iterates over a copy-free view of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	index := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= len(items) {
			return zero, io.EOF
		}
		item := items[index]
		index++
		return item, nil
	})
}

// Next advances the iterator. It returns false when the sequence ends or fails.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}

	item, err := it.nextFunc(ctx)
	if err != nil {
		var zero T
		it.current = zero
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}

	it.current = item
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped iteration, or nil when it ended normally.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items in a slice.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}

// MapIterator lazily converts the items of it with fn. An error from fn stops iteration.
func MapIterator[T, U any](it *Iterator[T], fn func(T) (U, error)) *Iterator[U] {
	return NewIteratorFunc(func(ctx context.Context) (U, error) {
		var zero U
		if !it.Next(ctx) {
			if err := it.Err(); err != nil {
				return zero, err
			}
			return zero, io.EOF
		}
		return fn(it.Value())
	})
}
