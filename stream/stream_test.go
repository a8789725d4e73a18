package stream

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/NetPo4ki/scopelab/chanx"
	"github.com/NetPo4ki/scopelab/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestColdStreamRunsPerCollect(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(func(_ context.Context, emit Emitter[int]) error {
		runs.Add(1)
		for i := 1; i <= 3; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	first, err := s.ToSlice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.ToSlice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("producer ran %d times, want 2", runs.Load())
	}
	if len(first) != 3 || len(second) != 3 || first[2] != second[2] {
		t.Fatalf("runs differ: %v vs %v", first, second)
	}
}

func TestOperatorChain(t *testing.T) {
	t.Parallel()
	upper := Map(Of("a", "b", "c", "c", "d"), func(_ context.Context, v string) (string, error) {
		return strings.ToUpper(v), nil
	})
	got, err := Distinct(upper).Filter(func(v string) bool { return v != "B" }).Drop(1).Take(2).ToSlice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, "") != "CD" {
		t.Fatalf("got %v", got)
	}
}

func TestTakeStopsUpstream(t *testing.T) {
	t.Parallel()
	var emitted atomic.Int32
	got, err := Ticker(time.Millisecond).OnEach(func(context.Context, int) error {
		emitted.Add(1)
		return nil
	}).Take(3).ToSlice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || emitted.Load() != 3 {
		t.Fatalf("got %v after %d emissions", got, emitted.Load())
	}
}

func TestTransformAndFold(t *testing.T) {
	t.Parallel()
	words := Transform(Of(1, 2), func(_ context.Context, v int, emit Emitter[string]) error {
		if err := emit(strings.Repeat("x", v)); err != nil {
			return err
		}
		return emit("|")
	})
	joined, err := Fold(context.Background(), words, "", func(acc, v string) string { return acc + v })
	if err != nil || joined != "x|xx|" {
		t.Fatalf("Fold = (%q, %v)", joined, err)
	}
	sum, err := Of(1, 2, 3, 4).Reduce(context.Background(), func(a, b int) int { return a + b })
	if err != nil || sum != 10 {
		t.Fatalf("Reduce = (%d, %v)", sum, err)
	}
	if _, err := Of[int]().Reduce(context.Background(), func(a, b int) int { return a + b }); !errors.Is(err, ErrNoElements) {
		t.Fatalf("Reduce on empty stream = %v", err)
	}
	if _, err := Of[int]().First(context.Background()); !errors.Is(err, ErrNoElements) {
		t.Fatalf("First on empty stream = %v", err)
	}
	if n, err := Of(1, 2, 3).TakeWhile(func(v int) bool { return v < 3 }).Count(context.Background()); err != nil || n != 2 {
		t.Fatalf("Count = (%d, %v)", n, err)
	}
}

func TestOnStartAndOnCompletion(t *testing.T) {
	t.Parallel()
	var cause atomic.Value
	s := Of(2, 3).OnStart(func(_ context.Context, emit Emitter[int]) error {
		return emit(1)
	}).OnCompletion(func(_ context.Context, err error) {
		cause.Store(err == nil)
	})
	got, err := s.ToSlice(context.Background())
	if err != nil || len(got) != 3 || got[0] != 1 {
		t.Fatalf("ToSlice = (%v, %v)", got, err)
	}
	if ok, _ := cause.Load().(bool); !ok {
		t.Fatal("OnCompletion should see a nil cause")
	}
}

func TestCatchHandlesUpstreamOnly(t *testing.T) {
	t.Parallel()
	upstreamErr := errors.New("upstream")
	failing := New(func(_ context.Context, emit Emitter[int]) error {
		if err := emit(1); err != nil {
			return err
		}
		return upstreamErr
	})
	got, err := failing.Catch(func(_ context.Context, err error, emit Emitter[int]) error {
		if !errors.Is(err, upstreamErr) {
			t.Errorf("caught %v", err)
		}
		return emit(-1)
	}).ToSlice(context.Background())
	if err != nil || len(got) != 2 || got[1] != -1 {
		t.Fatalf("recovered run = (%v, %v)", got, err)
	}

	downstreamErr := errors.New("downstream")
	var caught atomic.Bool
	err = Of(1, 2).Catch(func(_ context.Context, err error, _ Emitter[int]) error {
		caught.Store(true)
		return nil
	}).Collect(context.Background(), func(int) error { return downstreamErr })
	if !errors.Is(err, downstreamErr) {
		t.Fatalf("downstream failure should pass through, got %v", err)
	}
	if caught.Load() {
		t.Fatal("Catch must not see downstream failures")
	}
}

func TestRetryResubscribesExactlyN(t *testing.T) {
	t.Parallel()
	var subscriptions atomic.Int32
	boom := errors.New("boom")
	failing := New(func(context.Context, Emitter[int]) error {
		subscriptions.Add(1)
		return boom
	})
	err := failing.Retry(2, func(context.Context, error) bool { return true }).Collect(context.Background(), func(int) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := subscriptions.Load(); got != 3 {
		t.Fatalf("subscribed %d times, want 1 + 2 retries", got)
	}
}

func TestRetryWhenAttemptIsZeroBased(t *testing.T) {
	t.Parallel()
	var attempts []int
	boom := errors.New("boom")
	err := New(func(context.Context, Emitter[int]) error { return boom }).
		RetryWhen(func(ctx context.Context, _ error, attempt int) bool {
			attempts = append(attempts, attempt)
			return attempt < 2 && scope.Delay(ctx, time.Millisecond) == nil
		}).Collect(context.Background(), func(int) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 0 || attempts[2] != 2 {
		t.Fatalf("attempts %v", attempts)
	}
}

func TestCancelledCollectorStopsProducer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := Ticker(time.Millisecond).Catch(func(context.Context, error, Emitter[int]) error {
		t.Error("cancellation must not be caught")
		return nil
	}).Collect(ctx, func(int) error { return nil })
	if !scope.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestBufferDecouplesProducer(t *testing.T) {
	t.Parallel()
	src := New(func(ctx context.Context, emit Emitter[int]) error {
		for i := 0; i < 4; i++ {
			if err := scope.Delay(ctx, 20*time.Millisecond); err != nil {
				return err
			}
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	slowCollect := func(s Stream[int]) time.Duration {
		start := time.Now()
		err := s.Collect(context.Background(), func(int) error {
			return scope.Delay(context.Background(), 20*time.Millisecond)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return time.Since(start)
	}
	sequential := slowCollect(src)
	buffered := slowCollect(src.Buffer(DefaultBuffer, Suspend))
	if buffered >= sequential {
		t.Fatalf("buffered run %v not faster than sequential %v", buffered, sequential)
	}
}

func TestConflateKeepsLatest(t *testing.T) {
	t.Parallel()
	var seen []int
	err := Of(1, 2, 3, 4, 5).Conflate().Collect(context.Background(), func(v int) error {
		seen = append(seen, v)
		return scope.Delay(context.Background(), 10*time.Millisecond)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 5 {
		t.Fatalf("conflated run %v should end with the latest value", seen)
	}
}

func TestFlowOnRunsUpstreamElsewhere(t *testing.T) {
	t.Parallel()
	ui := scope.NewDispatcher("ui", 1)
	bg := scope.NewDispatcher("bg", 2)
	s := scope.New(context.Background(), scope.FailFast, scope.WithScopeDispatcher(ui))
	var producer, collector atomic.Value
	s.Go(func(ctx context.Context) error {
		src := New(func(ctx context.Context, emit Emitter[int]) error {
			producer.Store(scope.ThreadName(ctx))
			return emit(1)
		})
		return src.FlowOn(bg).Collect(ctx, func(int) error {
			collector.Store(scope.ThreadName(ctx))
			return nil
		})
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p, _ := producer.Load().(string); !strings.HasPrefix(p, "bg-worker-") {
		t.Fatalf("producer ran on %q", p)
	}
	if c, _ := collector.Load().(string); c != "ui" {
		t.Fatalf("collector ran on %q", c)
	}
}

func TestChannelStreamJoinsConcurrentProducers(t *testing.T) {
	t.Parallel()
	s := ChannelStream(func(ctx context.Context, out *chanx.Channel[int]) error {
		for i := 0; i < 3; i++ {
			scope.Launch(ctx, func(ctx context.Context) error {
				if err := scope.Delay(ctx, time.Duration(3-i)*5*time.Millisecond); err != nil {
					return err
				}
				return out.Send(ctx, i)
			})
		}
		return nil
	})
	n, err := s.Count(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Count = (%d, %v)", n, err)
	}
}

func TestCallbackStream(t *testing.T) {
	t.Parallel()
	var unregistered atomic.Bool
	s := Callback(func(ctx context.Context, out *chanx.Channel[string]) error {
		go func() {
			for _, v := range []string{"a", "b"} {
				_ = out.TrySend(v)
			}
			out.Close()
		}()
		return AwaitClose(ctx, out, func() { unregistered.Store(true) })
	})
	got, err := s.ToSlice(context.Background())
	if err != nil || len(got) != 2 {
		t.Fatalf("ToSlice = (%v, %v)", got, err)
	}
	if !unregistered.Load() {
		t.Fatal("AwaitClose cleanup did not run")
	}

	missing := Callback(func(context.Context, *chanx.Channel[string]) error { return nil })
	if err := missing.Collect(context.Background(), func(string) error { return nil }); !errors.Is(err, ErrMissingAwaitClose) {
		t.Fatalf("expected ErrMissingAwaitClose, got %v", err)
	}
}

func TestProduceInAndLaunchIn(t *testing.T) {
	t.Parallel()
	s := scope.New(context.Background(), scope.FailFast)
	ch := Of(1, 2, 3).ProduceIn(s, 0)
	got, err := FromChannel(ch).ToSlice(context.Background())
	if err != nil || len(got) != 3 {
		t.Fatalf("ToSlice = (%v, %v)", got, err)
	}
	var seen atomic.Int32
	task := Of(1, 2).OnEach(func(context.Context, int) error {
		seen.Add(1)
		return nil
	}).LaunchIn(s)
	if err := task.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if seen.Load() != 2 {
		t.Fatalf("LaunchIn collected %d values", seen.Load())
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
