package scope

import "context"

// Deferred is a task that produces a value.
type Deferred[T any] struct {
	*Task
	value T
}

// Async starts fn in s and returns a handle to its result. A failure of fn
// is returned by Await and also propagates through s like any task failure.
func Async[T any](s *Scope, fn func(ctx context.Context) (T, error), opts ...LaunchOption) *Deferred[T] {
	d := &Deferred[T]{}
	d.Task = s.Launch(func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		d.value = v
		return nil
	}, opts...)
	return d
}

// Await waits for the result, starting a lazy task.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := d.Join(ctx); err != nil {
		return zero, err
	}
	if err := d.Err(); err != nil {
		return zero, err
	}
	return d.value, nil
}

// AwaitAll waits for every deferred in order and returns the values. It stops
// at the first error.
func AwaitAll[T any](ctx context.Context, ds ...*Deferred[T]) ([]T, error) {
	out := make([]T, 0, len(ds))
	for _, d := range ds {
		v, err := d.Await(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
