// Package chanx provides a closable channel whose blocking operations are
// suspension points of the scope package: a task blocked in Send or Receive
// gives its dispatcher worker back until the operation can proceed.
package chanx

import (
	"context"
	"errors"
	"sync"

	"github.com/NetPo4ki/scopelab/scope"
)

var (
	// ErrClosedForSend is returned by Send on a closed channel.
	ErrClosedForSend = errors.New("chanx: channel was closed")
	// ErrClosedForReceive is returned by Receive once a closed channel is drained.
	ErrClosedForReceive = errors.New("chanx: channel was closed for receive")
	// ErrFull is returned by TrySend when the value cannot be accepted now.
	ErrFull = errors.New("chanx: channel is full")
	// ErrEmpty is returned by TryReceive when no value is ready.
	ErrEmpty = errors.New("chanx: channel is empty")
)

// Channel is a FIFO channel of T. A capacity of zero makes it a rendezvous
// channel: every Send waits for a matching Receive.
type Channel[T any] struct {
	data   chan T
	closed chan struct{}

	mu        sync.Mutex
	cause     error
	cancelled bool
	onCancel  func(error)
}

// New returns a channel with the given buffer capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel[T]{data: make(chan T, capacity), closed: make(chan struct{})}
}

// Send delivers v, suspending while the buffer is full or, for a rendezvous
// channel, until a receiver takes it.
func (c *Channel[T]) Send(ctx context.Context, v T) error {
	if c.IsClosed() {
		return c.sendErr()
	}
	select {
	case c.data <- v:
		return nil
	default:
	}
	return scope.Suspend(ctx, func() error {
		select {
		case c.data <- v:
			return nil
		case <-c.closed:
			return c.sendErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// TrySend delivers v only if that is possible without waiting.
func (c *Channel[T]) TrySend(v T) error {
	if c.IsClosed() {
		return c.sendErr()
	}
	select {
	case c.data <- v:
		return nil
	default:
		return ErrFull
	}
}

// Receive takes the next value, suspending until one is available. A closed
// channel keeps yielding buffered values, then ErrClosedForReceive or the
// cause passed to CloseWithCause.
func (c *Channel[T]) Receive(ctx context.Context) (T, error) {
	select {
	case v := <-c.data:
		return v, nil
	default:
	}
	var out T
	err := scope.Suspend(ctx, func() error {
		select {
		case v := <-c.data:
			out = v
			return nil
		case <-c.closed:
			select {
			case v := <-c.data:
				out = v
				return nil
			default:
				return c.receiveErr()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return out, err
}

// TryReceive takes a value only if one is ready.
func (c *Channel[T]) TryReceive() (T, error) {
	select {
	case v := <-c.data:
		return v, nil
	default:
	}
	var zero T
	if c.IsClosed() {
		return zero, c.receiveErr()
	}
	return zero, ErrEmpty
}

// Close stops further sends. It reports whether this call closed the channel.
func (c *Channel[T]) Close() bool { return c.CloseWithCause(nil) }

// CloseWithCause closes the channel; receivers get cause after draining the
// buffer instead of ErrClosedForReceive.
func (c *Channel[T]) CloseWithCause(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
	}
	c.cause = cause
	close(c.closed)
	return true
}

// Cancel closes the channel, discards buffered values and stops the
// producer if the channel came from Produce.
func (c *Channel[T]) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	c.mu.Lock()
	c.cancelled = true
	onCancel := c.onCancel
	c.mu.Unlock()
	c.CloseWithCause(&scope.CancelledError{Cause: cause})
	for drained := false; !drained; {
		select {
		case <-c.data:
		default:
			drained = true
		}
	}
	if onCancel != nil {
		onCancel(cause)
	}
}

// Closed is closed once the channel is closed for sending.
func (c *Channel[T]) Closed() <-chan struct{} { return c.closed }

func (c *Channel[T]) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Len reports the number of buffered values.
func (c *Channel[T]) Len() int { return len(c.data) }

func (c *Channel[T]) Cap() int { return cap(c.data) }

// ConsumeEach receives every value and calls fn with it until the channel is
// closed. An error from fn cancels the channel and is returned.
func (c *Channel[T]) ConsumeEach(ctx context.Context, fn func(T) error) error {
	for {
		v, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosedForReceive) {
				return nil
			}
			c.Cancel(err)
			return err
		}
		if err := fn(v); err != nil {
			c.Cancel(err)
			return err
		}
	}
}

func (c *Channel[T]) sendErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled && c.cause != nil {
		return c.cause
	}
	return ErrClosedForSend
}

func (c *Channel[T]) receiveErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause != nil {
		return c.cause
	}
	return ErrClosedForReceive
}
