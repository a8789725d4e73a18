package stream

import (
	"context"
	"errors"

	"github.com/NetPo4ki/scopelab/scope"
)

// Map returns a stream of fn applied to every value.
func Map[T, R any](s Stream[T], fn func(ctx context.Context, v T) (R, error)) Stream[R] {
	return Stream[R]{run: func(ctx context.Context, emit Emitter[R]) error {
		return s.Collect(ctx, func(v T) error {
			r, err := fn(ctx, v)
			if err != nil {
				return err
			}
			return emit(r)
		})
	}}
}

// Transform lets fn emit any number of values for each upstream value.
func Transform[T, R any](s Stream[T], fn func(ctx context.Context, v T, emit Emitter[R]) error) Stream[R] {
	return Stream[R]{run: func(ctx context.Context, emit Emitter[R]) error {
		return s.Collect(ctx, func(v T) error { return fn(ctx, v, emit) })
	}}
}

// Distinct drops values equal to the one emitted just before them.
func Distinct[T comparable](s Stream[T]) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		var (
			last T
			seen bool
		)
		return s.Collect(ctx, func(v T) error {
			if seen && v == last {
				return nil
			}
			last, seen = v, true
			return emit(v)
		})
	}}
}

func (s Stream[T]) Filter(pred func(T) bool) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return s.Collect(ctx, func(v T) error {
			if !pred(v) {
				return nil
			}
			return emit(v)
		})
	}}
}

// abortError stops an upstream run early. Every operator run allocates its
// own, so nested operators never mistake each other's signal.
type abortError struct{ op string }

func (e *abortError) Error() string { return "stream: " + e.op + " finished early" }

// Take emits the first n values and then stops the upstream.
func (s Stream[T]) Take(n int) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		if n <= 0 {
			return nil
		}
		stop := &abortError{op: "take"}
		count := 0
		err := s.Collect(ctx, func(v T) error {
			count++
			if err := emit(v); err != nil {
				return err
			}
			if count >= n {
				return stop
			}
			return nil
		})
		if errors.Is(err, stop) {
			return nil
		}
		return err
	}}
}

// TakeWhile emits values while pred holds and stops at the first that fails it.
func (s Stream[T]) TakeWhile(pred func(T) bool) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		stop := &abortError{op: "takeWhile"}
		err := s.Collect(ctx, func(v T) error {
			if !pred(v) {
				return stop
			}
			return emit(v)
		})
		if errors.Is(err, stop) {
			return nil
		}
		return err
	}}
}

// Drop skips the first n values.
func (s Stream[T]) Drop(n int) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		skipped := 0
		return s.Collect(ctx, func(v T) error {
			if skipped < n {
				skipped++
				return nil
			}
			return emit(v)
		})
	}}
}

// OnEach calls fn with every value before passing it on.
func (s Stream[T]) OnEach(fn func(ctx context.Context, v T) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return s.Collect(ctx, func(v T) error {
			if err := fn(ctx, v); err != nil {
				return err
			}
			return emit(v)
		})
	}}
}

// OnStart runs fn before the upstream starts; fn may emit values of its own.
func (s Stream[T]) OnStart(fn func(ctx context.Context, emit Emitter[T]) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		if err := fn(ctx, emit); err != nil {
			return err
		}
		return s.Collect(ctx, emit)
	}}
}

// OnCompletion calls fn once the run ends, with nil on normal completion and
// the terminating error otherwise. The error itself is passed on unchanged.
func (s Stream[T]) OnCompletion(fn func(ctx context.Context, cause error)) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		err := s.Collect(ctx, emit)
		fn(ctx, err)
		return err
	}}
}

// tracked wraps emit so that a downstream failure can be told apart from an
// upstream one.
func tracked[T any](emit Emitter[T], down *error) Emitter[T] {
	return func(v T) error {
		if err := emit(v); err != nil {
			*down = err
			return err
		}
		return nil
	}
}

func passThrough(err, down error) bool {
	return (down != nil && errors.Is(err, down)) || scope.IsCancellation(err)
}

// Catch hands upstream failures to fn, which may emit recovery values and
// returns the error to terminate with, or nil to complete normally.
// Failures raised downstream of Catch and cancellation are not caught.
func (s Stream[T]) Catch(fn func(ctx context.Context, err error, emit Emitter[T]) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		var down error
		err := s.Collect(ctx, tracked(emit, &down))
		if err == nil || passThrough(err, down) {
			return err
		}
		return fn(ctx, err, emit)
	}}
}

// RetryWhen resubscribes to the upstream after a failure for as long as pred
// returns true. attempt counts from zero. pred may suspend, for example to
// back off with scope.Delay.
func (s Stream[T]) RetryWhen(pred func(ctx context.Context, err error, attempt int) bool) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		for attempt := 0; ; attempt++ {
			var down error
			err := s.Collect(ctx, tracked(emit, &down))
			if err == nil || passThrough(err, down) {
				return err
			}
			if !pred(ctx, err, attempt) {
				return err
			}
		}
	}}
}

// Retry resubscribes at most n times, and only while pred accepts the
// failure. A nil pred accepts every failure.
func (s Stream[T]) Retry(n int, pred func(ctx context.Context, err error) bool) Stream[T] {
	return s.RetryWhen(func(ctx context.Context, err error, attempt int) bool {
		return attempt < n && (pred == nil || pred(ctx, err))
	})
}
