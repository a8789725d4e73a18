package stream

import (
	"context"
	"math"
	"sync"

	"github.com/NetPo4ki/scopelab/scope"
)

type sharedConfig struct {
	replay   int
	extra    int
	overflow Overflow
}

type SharedOption func(*sharedConfig)

// WithReplay keeps the last n values for new collectors.
func WithReplay(n int) SharedOption { return func(c *sharedConfig) { c.replay = n } }

// WithExtraBuffer adds n buffer slots on top of the replay cache for slow
// collectors.
func WithExtraBuffer(n int) SharedOption { return func(c *sharedConfig) { c.extra = n } }

// WithOverflow sets what Emit does when the slowest collector is a full
// buffer behind. The default is Suspend.
func WithOverflow(o Overflow) SharedOption { return func(c *sharedConfig) { c.overflow = o } }

// Shared is a hot stream that broadcasts every emitted value to all of its
// active collectors. Collect never completes on its own.
//
// Values live in one buffer indexed by emission order; every collector keeps
// its own position in it. The buffer holds at most replay+extra values
// beyond what every collector has already taken.
type Shared[T any] struct {
	replay   int
	capacity int
	overflow Overflow

	mu     sync.Mutex
	head   int64
	items  []T
	floor  int64
	subs   map[*subscriber]struct{}
	change chan struct{}
	count  *State[int]
}

type subscriber struct {
	next int64
}

// NewShared returns an empty shared stream. Without options it has no
// buffer: Emit returns once every collector has taken the value.
// It panics on negative sizes, or on a drop policy without any buffer.
func NewShared[T any](opts ...SharedOption) *Shared[T] {
	var cfg sharedConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.replay < 0 || cfg.extra < 0 {
		panic("stream: negative replay or extra buffer")
	}
	if cfg.overflow != Suspend && cfg.replay+cfg.extra == 0 {
		panic("stream: " + cfg.overflow.String() + " needs replay or extra buffer")
	}
	return &Shared[T]{
		replay:   cfg.replay,
		capacity: cfg.replay + cfg.extra,
		overflow: cfg.overflow,
		subs:     make(map[*subscriber]struct{}),
		change:   make(chan struct{}),
	}
}

// Emit broadcasts v. It suspends while the slowest collector is a full
// buffer behind, unless a drop policy applies. Without collectors it never
// suspends and v only lands in the replay cache.
func (f *Shared[T]) Emit(ctx context.Context, v T) error {
	for {
		f.mu.Lock()
		pos, ok, wait := f.offerLocked(v)
		f.mu.Unlock()
		if ok {
			if f.capacity == 0 && pos >= 0 {
				return f.awaitTaken(ctx, pos)
			}
			return nil
		}
		if err := waitChange(ctx, wait); err != nil {
			return err
		}
	}
}

// TryEmit broadcasts v if that is possible without suspending.
func (f *Shared[T]) TryEmit(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity == 0 && len(f.subs) > 0 {
		return false
	}
	_, ok, _ := f.offerLocked(v)
	return ok
}

// offerLocked appends v when the buffer allows it. pos is the index v got,
// or -1 when v was dropped; wait is set when the caller must wait for room.
func (f *Shared[T]) offerLocked(v T) (pos int64, ok bool, wait <-chan struct{}) {
	if m, has := f.minIndexLocked(); has {
		limit := int64(max(f.capacity, 1))
		if f.end()-m >= limit {
			switch f.overflow {
			case DropLatest:
				return -1, true, nil
			case DropOldest:
				oldest := f.end() - limit + 1
				for s := range f.subs {
					if s.next < oldest {
						s.next = oldest
					}
				}
			default:
				return 0, false, f.change
			}
		}
	}
	pos = f.end()
	f.items = append(f.items, v)
	f.trimLocked()
	f.broadcastLocked()
	return pos, true, nil
}

// awaitTaken waits until every collector has moved past pos.
func (f *Shared[T]) awaitTaken(ctx context.Context, pos int64) error {
	for {
		f.mu.Lock()
		m, has := f.minIndexLocked()
		wait := f.change
		f.mu.Unlock()
		if !has || m > pos {
			return nil
		}
		if err := waitChange(ctx, wait); err != nil {
			return err
		}
	}
}

// Collect calls fn with every value emitted while it is subscribed, starting
// with the replay cache. It returns only with ctx's error or fn's error.
func (f *Shared[T]) Collect(ctx context.Context, fn func(T) error) error {
	sub := f.subscribe()
	defer f.unsubscribe(sub)
	for {
		if err := scope.EnsureActive(ctx); err != nil {
			return err
		}
		f.mu.Lock()
		if sub.next < f.head {
			sub.next = f.head
		}
		if sub.next < f.end() {
			v := f.items[sub.next-f.head]
			sub.next++
			f.trimLocked()
			f.broadcastLocked()
			f.mu.Unlock()
			if err := fn(v); err != nil {
				return err
			}
			continue
		}
		wait := f.change
		f.mu.Unlock()
		if err := waitChange(ctx, wait); err != nil {
			return err
		}
	}
}

// Stream exposes f as a Stream for use with operators.
func (f *Shared[T]) Stream() Stream[T] {
	return Stream[T]{run: func(ctx context.Context, emit Emitter[T]) error {
		return f.Collect(ctx, emit)
	}}
}

// ReplayCache returns a copy of the values a new collector would replay.
func (f *Shared[T]) ReplayCache() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.replayStartLocked()
	return append([]T(nil), f.items[start-f.head:]...)
}

// ResetReplayCache empties the replay cache. Values still buffered for slow
// collectors are kept for them.
func (f *Shared[T]) ResetReplayCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floor = f.end()
	f.trimLocked()
}

// SubscriptionCount is a State holding the number of active collectors.
func (f *Shared[T]) SubscriptionCount() *State[int] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == nil {
		f.count = NewState(len(f.subs))
	}
	return f.count
}

func (f *Shared[T]) subscribe() *subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &subscriber{next: f.replayStartLocked()}
	f.subs[s] = struct{}{}
	f.countLocked()
	return s
}

func (f *Shared[T]) unsubscribe(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
	f.trimLocked()
	f.broadcastLocked()
	f.countLocked()
}

func (f *Shared[T]) countLocked() {
	if f.count != nil {
		f.count.Set(len(f.subs))
	}
}

func (f *Shared[T]) end() int64 { return f.head + int64(len(f.items)) }

func (f *Shared[T]) replayStartLocked() int64 {
	return max(f.end()-int64(f.replay), f.floor, f.head)
}

func (f *Shared[T]) minIndexLocked() (int64, bool) {
	if len(f.subs) == 0 {
		return 0, false
	}
	m := int64(math.MaxInt64)
	for s := range f.subs {
		m = min(m, s.next)
	}
	return m, true
}

// trimLocked drops values that are neither replayable nor pending for a
// collector.
func (f *Shared[T]) trimLocked() {
	keep := f.replayStartLocked()
	if m, has := f.minIndexLocked(); has {
		keep = min(keep, m)
	}
	if drop := keep - f.head; drop > 0 {
		clear(f.items[:drop])
		f.items = f.items[drop:]
		f.head = keep
	}
}

func (f *Shared[T]) broadcastLocked() {
	close(f.change)
	f.change = make(chan struct{})
}

func waitChange(ctx context.Context, wait <-chan struct{}) error {
	return scope.Suspend(ctx, func() error {
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
