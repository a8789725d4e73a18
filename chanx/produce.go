package chanx

import (
	"context"

	"github.com/NetPo4ki/scopelab/scope"
)

// Produce launches fn in s as a producer writing into a new channel of the
// given capacity. The channel closes when the producer task and its children
// are done; a failed or cancelled producer closes it with its error.
// Cancelling the channel cancels the producer.
func Produce[T any](s *scope.Scope, capacity int, fn func(ctx context.Context, out *Channel[T]) error, opts ...scope.LaunchOption) *Channel[T] {
	ch := New[T](capacity)
	t := s.Launch(func(ctx context.Context) error { return fn(ctx, ch) }, opts...)
	ch.mu.Lock()
	ch.onCancel = t.Cancel
	ch.mu.Unlock()
	go func() {
		<-t.Done()
		if err := t.Err(); err != nil {
			ch.CloseWithCause(err)
			return
		}
		ch.Close()
	}()
	return ch
}
