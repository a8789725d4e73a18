package stream

import (
	"context"
	"errors"

	"github.com/NetPo4ki/scopelab/chanx"
	"github.com/NetPo4ki/scopelab/scope"
)

// ToSlice collects every value.
func (s Stream[T]) ToSlice(ctx context.Context) ([]T, error) {
	var out []T
	err := s.Collect(ctx, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// First returns the first value and stops the upstream.
func (s Stream[T]) First(ctx context.Context) (T, error) {
	var (
		out   T
		found bool
	)
	stop := &abortError{op: "first"}
	err := s.Collect(ctx, func(v T) error {
		out, found = v, true
		return stop
	})
	switch {
	case errors.Is(err, stop):
		return out, nil
	case err != nil:
		return out, err
	case !found:
		return out, ErrNoElements
	}
	return out, nil
}

func (s Stream[T]) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.Collect(ctx, func(T) error {
		n++
		return nil
	})
	return n, err
}

// Reduce folds the values with fn, starting from the first one.
func (s Stream[T]) Reduce(ctx context.Context, fn func(acc, v T) T) (T, error) {
	var (
		acc  T
		seen bool
	)
	err := s.Collect(ctx, func(v T) error {
		if !seen {
			acc, seen = v, true
			return nil
		}
		acc = fn(acc, v)
		return nil
	})
	if err == nil && !seen {
		err = ErrNoElements
	}
	return acc, err
}

// Fold accumulates the values of s into init with fn.
func Fold[T, R any](ctx context.Context, s Stream[T], init R, fn func(acc R, v T) R) (R, error) {
	acc := init
	err := s.Collect(ctx, func(v T) error {
		acc = fn(acc, v)
		return nil
	})
	return acc, err
}

// LaunchIn collects s in a new task of sc, discarding the values. Side
// effects belong in OnEach.
func (s Stream[T]) LaunchIn(sc *scope.Scope, opts ...scope.LaunchOption) *scope.Task {
	return sc.Launch(func(ctx context.Context) error {
		return s.Collect(ctx, func(T) error { return nil })
	}, opts...)
}

// ProduceIn collects s in a producer task of sc that sends every value into
// the returned channel.
func (s Stream[T]) ProduceIn(sc *scope.Scope, capacity int, opts ...scope.LaunchOption) *chanx.Channel[T] {
	return chanx.Produce(sc, capacity, func(ctx context.Context, out *chanx.Channel[T]) error {
		return s.Collect(ctx, func(v T) error { return out.Send(ctx, v) })
	}, opts...)
}
