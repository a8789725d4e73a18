// Package stream implements cold streams and hot shared streams on top of
// the scope package.
//
// A Stream is a template: nothing runs until a terminal operation such as
// Collect is called, and each terminal call is an independent run of the
// whole pipeline in the caller's task. Shared and State are hot: they exist
// independently of their collectors and broadcast every value to all of them.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/NetPo4ki/scopelab/scope"
)

// ErrNoElements is returned by First and Reduce on an empty stream.
var ErrNoElements = errors.New("stream: no elements")

// Emitter hands one value downstream. It returns the downstream error,
// which the producer is expected to return unchanged.
type Emitter[T any] func(v T) error

// Stream is a cold, sequential source of T.
type Stream[T any] struct {
	run func(ctx context.Context, emit Emitter[T]) error
}

// New builds a stream from a producer body. Each emit checks for
// cancellation first, so a cancelled collector stops the producer at its
// next emit.
func New[T any](fn func(ctx context.Context, emit Emitter[T]) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return fn(ctx, func(v T) error {
			if err := scope.EnsureActive(ctx); err != nil {
				return err
			}
			return emit(v)
		})
	}}
}

// Of emits values in order.
func Of[T any](values ...T) Stream[T] { return FromSlice(values) }

// FromSlice emits the elements of values in order.
func FromSlice[T any](values []T) Stream[T] {
	return New(func(_ context.Context, emit Emitter[T]) error {
		for _, v := range values {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ticker emits 0, 1, 2, ... with period between values. It never completes.
func Ticker(period time.Duration) Stream[int] {
	return New(func(ctx context.Context, emit Emitter[int]) error {
		for i := 0; ; i++ {
			if err := scope.Delay(ctx, period); err != nil {
				return err
			}
			if err := emit(i); err != nil {
				return err
			}
		}
	})
}

// Collect runs the stream and calls fn with every value.
func (s Stream[T]) Collect(ctx context.Context, fn func(T) error) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, fn)
}

