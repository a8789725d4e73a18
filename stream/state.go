package stream

import (
	"context"
	"sync"
)

// State is a hot stream that always has a value. Collectors get the current
// value first and then every change; a slow collector skips to the latest
// value. Setting an equal value is not a change.
type State[T comparable] struct {
	mu     sync.Mutex
	value  T
	shared *Shared[T]
}

func NewState[T comparable](initial T) *State[T] {
	s := &State[T]{value: initial, shared: NewShared[T](WithReplay(1), WithOverflow(DropOldest))}
	s.shared.TryEmit(initial)
	return s
}

func (s *State[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == s.value {
		return
	}
	s.value = v
	s.shared.TryEmit(v)
}

// CompareAndSet sets v only if the current value equals old.
func (s *State[T]) CompareAndSet(old, v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != old {
		return false
	}
	if v != old {
		s.value = v
		s.shared.TryEmit(v)
	}
	return true
}

// Update replaces the value with fn applied to it, retrying if the value
// changes concurrently.
func (s *State[T]) Update(fn func(T) T) {
	for {
		cur := s.Value()
		if s.CompareAndSet(cur, fn(cur)) {
			return
		}
	}
}

// Collect calls fn with the current value and then with every change.
func (s *State[T]) Collect(ctx context.Context, fn func(T) error) error {
	return s.Stream().Collect(ctx, fn)
}

func (s *State[T]) Stream() Stream[T] { return Distinct(s.shared.Stream()) }

// SubscriptionCount is a State holding the number of active collectors.
func (s *State[T]) SubscriptionCount() *State[int] { return s.shared.SubscriptionCount() }
