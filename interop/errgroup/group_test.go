package errgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	xerrgroup "golang.org/x/sync/errgroup"

	"github.com/NetPo4ki/scopelab/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWithContextHappy(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	g.Go(func() error { return nil })
	g.Go(func() error { time.Sleep(10 * time.Millisecond); return nil })
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithContextErrorCancels(t *testing.T) {
	t.Parallel()
	g, gctx := WithContext(context.Background())
	boom := errors.New("boom")
	done := make(chan struct{})
	g.Go(func() error { return boom })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			close(done)
			return nil
		case <-time.After(250 * time.Millisecond):
			return errors.New("expected cancel propagation")
		}
	})
	if err := g.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("ctx was not canceled")
	}
	if !errors.Is(context.Cause(gctx), boom) {
		t.Fatalf("cause = %v", context.Cause(gctx))
	}
}

func TestWithContextParentDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g, gctx := WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	if err := g.Wait(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWithContextParentCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	cancel()
	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// The same workload must produce the same first error and the same peak
// concurrency as x/sync/errgroup.
func TestLimitMatchesXSync(t *testing.T) {
	t.Parallel()
	type group interface {
		SetLimit(int)
		Go(func() error)
		Wait() error
	}
	run := func(g group) (int32, error) {
		var active, peak atomic.Int32
		g.SetLimit(3)
		for i := 0; i < 12; i++ {
			g.Go(func() error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				if i == 7 {
					return errors.New("seven")
				}
				return nil
			})
		}
		err := g.Wait()
		return peak.Load(), err
	}
	ours, _ := WithContext(context.Background())
	theirs, _ := xerrgroup.WithContext(context.Background())
	ourPeak, ourErr := run(ours)
	theirPeak, theirErr := run(theirs)
	if ourPeak != theirPeak || ourPeak != 3 {
		t.Fatalf("peak concurrency ours=%d x/sync=%d, want 3", ourPeak, theirPeak)
	}
	if ourErr == nil || theirErr == nil || ourErr.Error() != theirErr.Error() {
		t.Fatalf("errors differ: ours=%v x/sync=%v", ourErr, theirErr)
	}
}

// A context error returned while the group is live is a failure, as in
// x/sync/errgroup, and cancels the other functions.
func TestContextErrorsFailTheGroup(t *testing.T) {
	t.Parallel()
	for _, want := range []error{context.DeadlineExceeded, context.Canceled} {
		ours, octx := WithContext(context.Background())
		theirs, tctx := xerrgroup.WithContext(context.Background())
		for _, g := range []interface{ Go(func() error) }{ours, theirs} {
			g.Go(func() error { return want })
		}
		ours.Go(func() error { <-octx.Done(); return nil })
		theirs.Go(func() error { <-tctx.Done(); return nil })

		ourErr, theirErr := ours.Wait(), theirs.Wait()
		if !errors.Is(ourErr, want) || !errors.Is(theirErr, want) {
			t.Fatalf("Wait with %v: ours=%v x/sync=%v", want, ourErr, theirErr)
		}
		if got := context.Cause(octx); !errors.Is(got, want) {
			t.Fatalf("cause = %v, want %v", got, want)
		}
	}
}

func TestWaitCancelsContext(t *testing.T) {
	t.Parallel()
	ours, octx := WithContext(context.Background())
	theirs, tctx := xerrgroup.WithContext(context.Background())
	ours.Go(func() error { return nil })
	theirs.Go(func() error { return nil })
	if err := ours.Wait(); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if err := theirs.Wait(); err != nil {
		t.Fatalf("x/sync Wait = %v", err)
	}
	for name, ctx := range map[string]context.Context{"ours": octx, "x/sync": tctx} {
		if !errors.Is(ctx.Err(), context.Canceled) {
			t.Fatalf("%s: ctx.Err() = %v after Wait", name, ctx.Err())
		}
		if !errors.Is(context.Cause(ctx), context.Canceled) {
			t.Fatalf("%s: cause = %v after Wait", name, context.Cause(ctx))
		}
	}
	if err := ours.Wait(); err != nil {
		t.Fatalf("second Wait = %v", err)
	}
}

func TestWaitKeepsFirstErrorAfterCancel(t *testing.T) {
	t.Parallel()
	g, ctx := WithContext(context.Background())
	boom := errors.New("boom")
	g.Go(func() error { return boom })
	for i := 0; i < 2; i++ {
		if err := g.Wait(); !errors.Is(err, boom) {
			t.Fatalf("Wait #%d = %v, want boom", i+1, err)
		}
	}
	if !errors.Is(context.Cause(ctx), boom) {
		t.Fatalf("cause = %v, want boom", context.Cause(ctx))
	}
}

func TestTryGo(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	g.SetLimit(1)
	release := make(chan struct{})
	if !g.TryGo(func() error { <-release; return nil }) {
		t.Fatal("first TryGo should start")
	}
	if g.TryGo(func() error { return nil }) {
		t.Fatal("TryGo started past the limit")
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.TryGo(func() error { return nil }) {
		t.Fatal("TryGo after Wait should start")
	}
	_ = g.Wait()
}

func TestSetLimitWhileActivePanics(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	g.SetLimit(2)
	release := make(chan struct{})
	g.Go(func() error { <-release; return nil })
	defer func() {
		close(release)
		_ = g.Wait()
		if recover() == nil {
			t.Fatal("SetLimit with active functions should panic")
		}
	}()
	g.SetLimit(4)
}

func TestOptionsReachTheScope(t *testing.T) {
	t.Parallel()
	d := scope.NewDispatcher("grp", 1)
	g, _ := WithContext(context.Background(), scope.WithScopeDispatcher(d))
	var thread atomic.Value
	g.Go(func() error { return nil })
	g.s.Go(func(ctx context.Context) error {
		thread.Store(scope.ThreadName(ctx))
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := thread.Load().(string); got != "grp" {
		t.Fatalf("ran on %q, want grp", got)
	}
}
