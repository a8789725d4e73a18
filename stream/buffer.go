package stream

import (
	"context"
	"errors"

	"github.com/NetPo4ki/scopelab/chanx"
	"github.com/NetPo4ki/scopelab/scope"
)

// Overflow is what a buffer does with a value that does not fit.
type Overflow int

const (
	// Suspend makes the sender wait for room.
	Suspend Overflow = iota
	// DropOldest evicts the oldest buffered value.
	DropOldest
	// DropLatest discards the value being sent.
	DropLatest
)

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "DROP_OLDEST"
	case DropLatest:
		return "DROP_LATEST"
	default:
		return "SUSPEND"
	}
}

// Buffer runs the upstream in its own task, decoupled from the collector by
// a buffer of the given capacity. With a drop policy the capacity is at
// least one.
func (s Stream[T]) Buffer(capacity int, overflow Overflow) Stream[T] {
	if overflow != Suspend && capacity < 1 {
		capacity = 1
	}
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return relay(ctx, emit, capacity, nil, func(ctx context.Context, out *chanx.Channel[T]) error {
			return s.Collect(ctx, func(v T) error { return offer(ctx, out, v, overflow) })
		})
	}}
}

// Conflate keeps only the latest value for a slow collector.
func (s Stream[T]) Conflate() Stream[T] { return s.Buffer(1, DropOldest) }

// FlowOn runs the upstream on d. Values reach the collector on its own
// dispatcher through a buffer of DefaultBuffer values.
func (s Stream[T]) FlowOn(d *scope.Dispatcher) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return relay(ctx, emit, DefaultBuffer, d, func(ctx context.Context, out *chanx.Channel[T]) error {
			return s.Collect(ctx, func(v T) error { return out.Send(ctx, v) })
		})
	}}
}

func offer[T any](ctx context.Context, ch *chanx.Channel[T], v T, overflow Overflow) error {
	switch overflow {
	case DropLatest:
		if err := ch.TrySend(v); err != nil && !errors.Is(err, chanx.ErrFull) {
			return err
		}
		return nil
	case DropOldest:
		for {
			err := ch.TrySend(v)
			if !errors.Is(err, chanx.ErrFull) {
				return err
			}
			_, _ = ch.TryReceive()
		}
	default:
		return ch.Send(ctx, v)
	}
}
