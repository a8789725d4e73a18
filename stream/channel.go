package stream

import (
	"context"
	"errors"

	"github.com/NetPo4ki/scopelab/chanx"
	"github.com/NetPo4ki/scopelab/scope"
)

// DefaultBuffer is the channel capacity used by ChannelStream, Callback and
// FlowOn.
const DefaultBuffer = 64

// ErrMissingAwaitClose is returned when a Callback body returns while its
// channel is still open.
var ErrMissingAwaitClose = errors.New("stream: callback body returned without AwaitClose")

// FromChannel streams the values received from ch until it is closed.
// Collecting consumes ch: a failing collector cancels it.
func FromChannel[T any](ch *chanx.Channel[T]) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return ch.ConsumeEach(ctx, emit)
	}}
}

// ChannelStream runs fn as a producer that may send from several tasks at
// once: tasks launched with the context fn receives are joined before the
// stream completes.
func ChannelStream[T any](fn func(ctx context.Context, out *chanx.Channel[T]) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return relay(ctx, emit, DefaultBuffer, nil, fn)
	}}
}

// Callback adapts a callback API. fn registers a callback that delivers with
// out.TrySend and closes out when the source is done, then calls AwaitClose
// to keep the stream open and unregister on exit.
func Callback[T any](fn func(ctx context.Context, out *chanx.Channel[T]) error) Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return relay(ctx, emit, DefaultBuffer, nil, func(ctx context.Context, out *chanx.Channel[T]) error {
			err := fn(ctx, out)
			if err == nil && !out.IsClosed() {
				return ErrMissingAwaitClose
			}
			return err
		})
	}}
}

// AwaitClose suspends until ch is closed or ctx is cancelled and then calls
// cleanup.
func AwaitClose[T any](ctx context.Context, ch *chanx.Channel[T], cleanup func()) error {
	if cleanup != nil {
		defer cleanup()
	}
	return scope.Suspend(ctx, func() error {
		select {
		case <-ch.Closed():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// relay runs produce in a producer task, on d when it is not nil, and emits
// what it sends from the collecting side. A producer failure is returned
// after the producer is joined.
func relay[T any](ctx context.Context, emit Emitter[T], capacity int, d *scope.Dispatcher,
	produce func(ctx context.Context, out *chanx.Channel[T]) error) error {
	return scope.Run(ctx, func(ctx context.Context) error {
		var opts []scope.LaunchOption
		if d != nil {
			opts = append(opts, scope.WithDispatcher(d))
		}
		ch := chanx.Produce(scope.From(ctx), capacity, produce, append(opts, scope.WithCaller(ctx))...)
		return ch.ConsumeEach(ctx, emit)
	})
}
