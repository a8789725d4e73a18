package chanx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/NetPo4ki/scopelab/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRendezvousPreservesOrder(t *testing.T) {
	t.Parallel()
	ch := New[int](0)
	s := scope.New(context.Background(), scope.FailFast)
	s.Go(func(ctx context.Context) error {
		for i := 1; i <= 5; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
		}
		ch.Close()
		return nil
	})
	var got []int
	s.Go(func(ctx context.Context) error {
		return ch.ConsumeEach(ctx, func(v int) error {
			got = append(got, v)
			return nil
		})
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestRendezvousSendWaitsForReceiver(t *testing.T) {
	t.Parallel()
	ch := New[string](0)
	sent := make(chan time.Time, 1)
	s := scope.New(context.Background(), scope.FailFast)
	s.Go(func(ctx context.Context) error {
		if err := ch.Send(ctx, "hello"); err != nil {
			return err
		}
		sent <- time.Now()
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	received := time.Now()
	v, err := ch.Receive(context.Background())
	if err != nil || v != "hello" {
		t.Fatalf("Receive = (%q, %v)", v, err)
	}
	_ = s.Wait()
	if at := <-sent; at.Before(received) {
		t.Fatal("Send returned before a receiver arrived")
	}
}

func TestExactlyOnceAcrossReceivers(t *testing.T) {
	t.Parallel()
	const n = 200
	ch := New[int](4)
	s := scope.New(context.Background(), scope.FailFast, scope.WithScopeDispatcher(scope.NewDispatcher("pool", 3)))
	s.Go(func(ctx context.Context) error {
		defer ch.Close()
		for i := 0; i < n; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
		}
		return nil
	})
	var mu sync.Mutex
	seen := make(map[int]int)
	for r := 0; r < 4; r++ {
		s.Go(func(ctx context.Context) error {
			return ch.ConsumeEach(ctx, func(v int) error {
				mu.Lock()
				seen[v]++
				mu.Unlock()
				return nil
			})
		})
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("received %d distinct values, want %d", len(seen), n)
	}
	for v, c := range seen {
		if c != 1 {
			t.Fatalf("value %d delivered %d times", v, c)
		}
	}
}

func TestClosedChannelDrainsThenFails(t *testing.T) {
	t.Parallel()
	ch := New[int](2)
	if err := ch.TrySend(1); err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	if err := ch.TrySend(2); err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	if err := ch.TrySend(3); !errors.Is(err, ErrFull) {
		t.Fatalf("TrySend beyond capacity = %v, want ErrFull", err)
	}
	if !ch.Close() || ch.Close() {
		t.Fatal("Close should report true exactly once")
	}
	if err := ch.Send(context.Background(), 4); !errors.Is(err, ErrClosedForSend) {
		t.Fatalf("Send after close = %v", err)
	}
	for want := 1; want <= 2; want++ {
		v, err := ch.Receive(context.Background())
		if err != nil || v != want {
			t.Fatalf("Receive = (%d, %v), want %d", v, err, want)
		}
	}
	if _, err := ch.Receive(context.Background()); !errors.Is(err, ErrClosedForReceive) {
		t.Fatalf("Receive on drained channel = %v", err)
	}
	if _, err := ch.TryReceive(); !errors.Is(err, ErrClosedForReceive) {
		t.Fatalf("TryReceive on drained channel = %v", err)
	}
}

func TestCloseWithCause(t *testing.T) {
	t.Parallel()
	ch := New[int](0)
	boom := errors.New("boom")
	ch.CloseWithCause(boom)
	if _, err := ch.Receive(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Receive = %v, want boom", err)
	}
}

func TestReceiveReleasesWorker(t *testing.T) {
	t.Parallel()
	single := scope.NewDispatcher("single", 1)
	ch := New[int](0)
	s := scope.New(context.Background(), scope.FailFast, scope.WithScopeDispatcher(single))
	var got int
	s.Go(func(ctx context.Context) error {
		v, err := ch.Receive(ctx)
		got = v
		return err
	})
	s.Go(func(ctx context.Context) error { return ch.Send(ctx, 7) })
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil || got != 7 {
			t.Fatalf("Wait = %v, got %d", err, got)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver kept the only worker while blocked")
	}
}

func TestReceiveHonoursCancellation(t *testing.T) {
	t.Parallel()
	ch := New[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v", err)
	}
}

func TestProduceClosesWhenDone(t *testing.T) {
	t.Parallel()
	s := scope.New(context.Background(), scope.FailFast)
	ch := Produce(s, 0, func(ctx context.Context, out *Channel[string]) error {
		for _, v := range []string{"a", "b", "c"} {
			if err := out.Send(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})
	var got []string
	err := ch.ConsumeEach(context.Background(), func(v string) error {
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("ConsumeEach: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelStopsProducer(t *testing.T) {
	t.Parallel()
	s := scope.New(context.Background(), scope.FailFast)
	ch := Produce(s, 0, func(ctx context.Context, out *Channel[int]) error {
		for i := 0; ; i++ {
			if err := out.Send(ctx, i); err != nil {
				return err
			}
		}
	})
	if _, err := ch.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	ch.Cancel(nil)
	if err := s.Wait(); err != nil {
		t.Fatalf("cancelling the channel should not fail the scope: %v", err)
	}
}

func TestProducerFailureReachesReceiver(t *testing.T) {
	t.Parallel()
	boom := errors.New("producer failed")
	s := scope.New(context.Background(), scope.Supervisor, scope.WithHandler(func(context.Context, error) {}))
	ch := Produce(s, 1, func(ctx context.Context, out *Channel[int]) error {
		if err := out.Send(ctx, 1); err != nil {
			return err
		}
		return boom
	})
	if v, err := ch.Receive(context.Background()); err != nil || v != 1 {
		t.Fatalf("Receive = (%d, %v)", v, err)
	}
	if _, err := ch.Receive(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Receive after failure = %v", err)
	}
	_ = s.Wait()
}
