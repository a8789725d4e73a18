package stream

import (
	"context"
	"sync"
	"time"

	"github.com/NetPo4ki/scopelab/scope"
)

// Started decides when the upstream of ShareIn and StateIn runs.
type Started interface {
	control(ctx context.Context, count *State[int], c sharingControl) error
	String() string
}

type sharingControl interface {
	start()
	stop()
	reset()
}

var (
	// Eagerly starts the upstream at once and keeps it running until the
	// scope is cancelled.
	Eagerly Started = eagerly{}
	// Lazily starts the upstream with the first collector and keeps it
	// running until the scope is cancelled.
	Lazily Started = lazily{}
)

// WhileSubscribed runs the upstream while there are collectors. It stops
// stopTimeout after the last one leaves and resets the replay cache
// replayExpiration after that. A negative replayExpiration keeps the cache.
func WhileSubscribed(stopTimeout, replayExpiration time.Duration) Started {
	return whileSubscribed{stop: stopTimeout, expire: replayExpiration}
}

type eagerly struct{}

func (eagerly) control(_ context.Context, _ *State[int], c sharingControl) error {
	c.start()
	return nil
}

func (eagerly) String() string { return "Eagerly" }

type lazily struct{}

func (lazily) control(ctx context.Context, count *State[int], c sharingControl) error {
	_, err := count.Stream().Filter(func(n int) bool { return n > 0 }).First(ctx)
	if err != nil {
		return err
	}
	c.start()
	return nil
}

func (lazily) String() string { return "Lazily" }

type whileSubscribed struct {
	stop   time.Duration
	expire time.Duration
}

func (w whileSubscribed) control(ctx context.Context, count *State[int], c sharingControl) error {
	var pending *scope.Task
	return count.Collect(ctx, func(n int) error {
		if pending != nil {
			pending.Cancel(nil)
			pending = nil
		}
		if n > 0 {
			c.start()
			return nil
		}
		pending = scope.Launch(ctx, func(ctx context.Context) error {
			if err := scope.Delay(ctx, w.stop); err != nil {
				return err
			}
			c.stop()
			if w.expire < 0 {
				return nil
			}
			if err := scope.Delay(ctx, w.expire); err != nil {
				return err
			}
			c.reset()
			return nil
		})
		return nil
	})
}

func (w whileSubscribed) String() string {
	return "WhileSubscribed(" + w.stop.String() + ", " + w.expire.String() + ")"
}

// sharing runs one upstream collection at a time as a child of the
// controlling task.
type sharing[T any] struct {
	ctx     context.Context
	src     Stream[T]
	sink    func(ctx context.Context, v T) error
	resetFn func()

	mu   sync.Mutex
	task *scope.Task
}

func (sh *sharing[T]) start() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.task != nil {
		return
	}
	sh.task = scope.Launch(sh.ctx, func(ctx context.Context) error {
		return sh.src.Collect(ctx, func(v T) error { return sh.sink(ctx, v) })
	})
}

func (sh *sharing[T]) stop() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.task != nil {
		sh.task.Cancel(nil)
		sh.task = nil
	}
}

func (sh *sharing[T]) reset() {
	if sh.resetFn != nil {
		sh.resetFn()
	}
}

func launchSharing[T any](sc *scope.Scope, started Started, count *State[int], sh *sharing[T]) {
	sc.Launch(func(ctx context.Context) error {
		sh.ctx = ctx
		return started.control(ctx, count, sh)
	})
}

// ShareIn turns the cold src into a Shared running in sc with the given
// replay cache.
func ShareIn[T any](sc *scope.Scope, src Stream[T], started Started, replay int) *Shared[T] {
	f := NewShared[T](WithReplay(replay), WithExtraBuffer(max(DefaultBuffer-replay, 0)))
	launchSharing(sc, started, f.SubscriptionCount(), &sharing[T]{src: src, sink: f.Emit, resetFn: f.ResetReplayCache})
	return f
}

// StateIn turns the cold src into a State running in sc. Resetting the
// replay cache under WhileSubscribed restores initial.
func StateIn[T comparable](sc *scope.Scope, src Stream[T], started Started, initial T) *State[T] {
	st := NewState(initial)
	sink := func(_ context.Context, v T) error {
		st.Set(v)
		return nil
	}
	launchSharing(sc, started, st.SubscriptionCount(), &sharing[T]{src: src, sink: sink, resetFn: func() { st.Set(initial) }})
	return st
}
