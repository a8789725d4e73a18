package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NetPo4ki/scopelab/scope"
)

// waitCount blocks until the subscription count reaches n.
func waitCount(t *testing.T, count *State[int], n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := count.Stream().Filter(func(c int) bool { return c == n }).First(ctx); err != nil {
		t.Fatalf("subscription count never reached %d: %v", n, err)
	}
}

type collected[T any] struct {
	mu     sync.Mutex
	values []T
}

func (c *collected[T]) add(v T) error {
	c.mu.Lock()
	c.values = append(c.values, v)
	c.mu.Unlock()
	return nil
}

func (c *collected[T]) get() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...)
}

func TestSharedReplayToLateCollector(t *testing.T) {
	t.Parallel()
	f := NewShared[int](WithReplay(3))
	for i := 1; i <= 5; i++ {
		if err := f.Emit(context.Background(), i); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	got, err := f.Stream().Take(3).ToSlice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("late collector got %v, want [3 4 5]", got)
	}
	if cache := f.ReplayCache(); len(cache) != 3 {
		t.Fatalf("replay cache %v", cache)
	}
	f.ResetReplayCache()
	if cache := f.ReplayCache(); len(cache) != 0 {
		t.Fatalf("replay cache after reset %v", cache)
	}
}

func TestSharedBroadcastsToAllCollectors(t *testing.T) {
	t.Parallel()
	f := NewShared[string]()
	s := scope.New(context.Background(), scope.Supervisor)
	var a, b collected[string]
	s.Go(func(ctx context.Context) error { return f.Stream().Take(2).Collect(ctx, a.add) })
	s.Go(func(ctx context.Context) error { return f.Stream().Take(2).Collect(ctx, b.add) })
	waitCount(t, f.SubscriptionCount(), 2)
	for _, v := range []string{"x", "y"} {
		if err := f.Emit(context.Background(), v); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.get()) != 2 || len(b.get()) != 2 {
		t.Fatalf("a=%v b=%v", a.get(), b.get())
	}
	waitCount(t, f.SubscriptionCount(), 0)
}

func TestSharedWithoutCollectorsNeverSuspends(t *testing.T) {
	t.Parallel()
	f := NewShared[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := f.Emit(ctx, i); err != nil {
			t.Fatalf("Emit without collectors: %v", err)
		}
	}
	if len(f.ReplayCache()) != 0 {
		t.Fatal("no replay configured, cache should be empty")
	}
}

func TestSharedSuspendWaitsForSlowCollector(t *testing.T) {
	t.Parallel()
	f := NewShared[int](WithExtraBuffer(1))
	s := scope.New(context.Background(), scope.Supervisor)
	s.Go(func(ctx context.Context) error {
		return f.Stream().Take(3).Collect(ctx, func(int) error {
			return scope.Delay(ctx, 30*time.Millisecond)
		})
	})
	waitCount(t, f.SubscriptionCount(), 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := f.Emit(context.Background(), i); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("emitter was not held back by the slow collector (%v)", elapsed)
	}
	_ = s.Wait()
}

func TestSharedDropPolicies(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		overflow Overflow
		want     int
	}{
		{DropOldest, 5},
		{DropLatest, 1},
	} {
		t.Run(tc.overflow.String(), func(t *testing.T) {
			t.Parallel()
			f := NewShared[int](WithExtraBuffer(1), WithOverflow(tc.overflow))
			release := make(chan struct{})
			var got collected[int]
			s := scope.New(context.Background(), scope.Supervisor)
			s.Go(func(ctx context.Context) error {
				return f.Stream().Take(2).Collect(ctx, func(v int) error {
					_ = got.add(v)
					<-release
					return nil
				})
			})
			waitCount(t, f.SubscriptionCount(), 1)
			if err := f.Emit(context.Background(), 0); err != nil {
				t.Fatalf("Emit: %v", err)
			}
			for len(got.get()) == 0 {
				time.Sleep(time.Millisecond)
			}
			for i := 1; i <= 5; i++ {
				if !f.TryEmit(i) {
					t.Fatalf("TryEmit(%d) suspended under %s", i, tc.overflow)
				}
			}
			close(release)
			_ = s.Wait()
			values := got.get()
			if len(values) != 2 || values[1] != tc.want {
				t.Fatalf("collector saw %v, want second value %d", values, tc.want)
			}
		})
	}
}

func TestStateDistinctAndConflated(t *testing.T) {
	t.Parallel()
	st := NewState("idle")
	st.Set("idle")
	if st.Value() != "idle" {
		t.Fatalf("Value = %q", st.Value())
	}
	if st.CompareAndSet("busy", "done") {
		t.Fatal("CompareAndSet with a stale value must fail")
	}
	if !st.CompareAndSet("idle", "busy") || st.Value() != "busy" {
		t.Fatalf("CompareAndSet failed, value %q", st.Value())
	}
	counter := NewState(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter.Update(func(n int) int { return n + 1 })
		}()
	}
	wg.Wait()
	if counter.Value() != 50 {
		t.Fatalf("Update lost increments: %d", counter.Value())
	}
	first, err := st.Stream().First(context.Background())
	if err != nil || first != "busy" {
		t.Fatalf("new collector got (%q, %v), want current value", first, err)
	}
}

func TestShareInWhileSubscribed(t *testing.T) {
	t.Parallel()
	var starts collected[int]
	src := New(func(ctx context.Context, emit Emitter[int]) error {
		_ = starts.add(1)
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
			if err := scope.Delay(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		}
	})
	s := scope.New(context.Background(), scope.FailFast)
	f := ShareIn(s, src, WhileSubscribed(20*time.Millisecond, 0), 1)
	time.Sleep(20 * time.Millisecond)
	if len(starts.get()) != 0 {
		t.Fatal("upstream started without collectors")
	}
	if _, err := f.Stream().Take(2).ToSlice(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if cache := f.ReplayCache(); len(cache) != 0 {
		t.Fatalf("replay cache should expire after stop, got %v", cache)
	}
	if _, err := f.Stream().First(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if n := len(starts.get()); n != 2 {
		t.Fatalf("upstream started %d times, want 2", n)
	}
	s.Cancel(nil)
	_ = s.Wait()
}

func TestShareInEagerlyAndStateIn(t *testing.T) {
	t.Parallel()
	s := scope.New(context.Background(), scope.FailFast)
	f := ShareIn(s, Of(1, 2, 3), Eagerly, 3)
	deadline := time.Now().Add(time.Second)
	for len(f.ReplayCache()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cache := f.ReplayCache(); len(cache) != 3 || cache[2] != 3 {
		t.Fatalf("eager share did not fill the cache: %v", cache)
	}

	st := StateIn(s, Of("loading", "ready"), Lazily, "initial")
	if st.Value() != "initial" {
		t.Fatalf("Lazily started before the first collector: %q", st.Value())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := st.Stream().Filter(func(v string) bool { return v == "ready" }).First(ctx); err != nil {
		t.Fatalf("state never became ready: %v", err)
	}
	s.Cancel(nil)
	_ = s.Wait()
}
