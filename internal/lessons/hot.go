package lessons

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	xerrgroup "golang.org/x/sync/errgroup"

	"github.com/NetPo4ki/scopelab/interop/errgroup"
	"github.com/NetPo4ki/scopelab/lifecycle"
	"github.com/NetPo4ki/scopelab/scope"
	"github.com/NetPo4ki/scopelab/stream"
)

func init() {
	register(
		Lesson{Name: "shared-flow", Group: GroupHot, Click: sharedFlow,
			Summary: "a hot stream broadcasts to every collector and replays to late ones"},
		Lesson{Name: "share-in", Group: GroupHot, Click: shareIn,
			Summary: "one upstream serves many collectors and stops when they leave"},
		Lesson{Name: "state-flow", Group: GroupHot, Click: stateFlow,
			Summary: "a state holds one value and skips repeats"},
		Lesson{Name: "subscription-count", Group: GroupHot, Click: subscriptionCount,
			Summary: "react to a hot stream gaining and losing collectors"},
		Lesson{Name: "view-model", Group: GroupHosts, Click: viewModel,
			Summary: "view model work runs on the main thread until the view model is cleared"},
		Lesson{Name: "lifecycle-scope", Group: GroupHosts, Click: lifecycleScope,
			Summary: "work tied to the RESUMED state stops when the activity is destroyed"},
		Lesson{Name: "weak-cancel", Group: GroupHosts, Click: weakCancel,
			Summary: "a task that never checks for cancellation runs to the end"},
		Lesson{Name: "errgroup", Group: GroupHosts, Click: errgroupLesson,
			Summary: "the scope-backed errgroup and x/sync/errgroup agree on the first error"},
	)
}

func collectN[T any](h *Host, src stream.Stream[T], n int, name string) scope.Func {
	return func(ctx context.Context) error {
		return src.Take(n).Collect(ctx, func(v T) error {
			h.Log(ctx, "%s got %v", name, v)
			return nil
		})
	}
}

func awaitSubscribers(ctx context.Context, count *stream.State[int], n int) error {
	_, err := count.Stream().Filter(func(c int) bool { return c >= n }).First(ctx)
	return err
}

func sharedFlow(ctx context.Context, h *Host) error {
	events := stream.NewShared[string](stream.WithReplay(2))
	h.Launch(ctx, func(ctx context.Context) error {
		scope.Launch(ctx, collectN(h, events.Stream(), 3, "collector A"), scope.WithName("A"))
		scope.Launch(ctx, collectN(h, events.Stream(), 3, "collector B"), scope.WithName("B"))
		if err := awaitSubscribers(ctx, events.SubscriptionCount(), 2); err != nil {
			return err
		}
		for i := 1; i <= 3; i++ {
			h.Log(ctx, "emit event %d", i)
			if err := events.Emit(ctx, fmt.Sprintf("event %d", i)); err != nil {
				return err
			}
		}
		if err := h.Delay(ctx, 100*time.Millisecond); err != nil {
			return err
		}
		h.Log(ctx, "replay cache %v", events.ReplayCache())
		return collectN(h, events.Stream(), 2, "late collector")(ctx)
	})
	return nil
}

func shareIn(ctx context.Context, h *Host) error {
	var starts atomic.Int32
	ticks := stream.New(func(ctx context.Context, emit stream.Emitter[int]) error {
		h.Log(ctx, "upstream started, run %d", starts.Add(1))
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
			if err := h.Delay(ctx, 100*time.Millisecond); err != nil {
				return err
			}
		}
	}).OnCompletion(func(ctx context.Context, cause error) {
		h.Log(ctx, "upstream stopped")
	})
	sharing := h.NewScope(scope.Supervisor)
	shared := stream.ShareIn(sharing, ticks, stream.WhileSubscribed(h.Scale(300*time.Millisecond), 0), 1)
	h.Launch(ctx, func(ctx context.Context) error {
		if err := scope.Run(ctx, func(ctx context.Context) error {
			scope.Launch(ctx, collectN(h, shared.Stream(), 3, "first"))
			scope.Launch(ctx, collectN(h, shared.Stream(), 2, "second"))
			return nil
		}); err != nil {
			return err
		}
		if err := h.Delay(ctx, time.Second); err != nil {
			return err
		}
		h.Log(ctx, "collectors gone, replay cache %v", shared.ReplayCache())
		if err := collectN(h, shared.Stream(), 1, "third")(ctx); err != nil {
			return err
		}
		sharing.Cancel(nil)
		return nil
	})
	return nil
}

func stateFlow(ctx context.Context, h *Host) error {
	status := stream.NewState("idle")
	h.Launch(ctx, func(ctx context.Context) error {
		scope.Launch(ctx, func(ctx context.Context) error {
			return status.Stream().TakeWhile(func(s string) bool { return s != "done" }).
				Collect(ctx, func(s string) error {
					h.Log(ctx, "state %s", s)
					return nil
				})
		})
		if err := awaitSubscribers(ctx, status.SubscriptionCount(), 1); err != nil {
			return err
		}
		for _, s := range []string{"loading", "loading", "ready", "done"} {
			if err := h.Delay(ctx, 100*time.Millisecond); err != nil {
				return err
			}
			h.Log(ctx, "set %s", s)
			status.Set(s)
		}
		derived := stream.StateIn(scope.From(ctx), stream.Of("cold", "warm"), stream.Eagerly, "unset")
		_, err := derived.Stream().Filter(func(s string) bool { return s == "warm" }).First(ctx)
		h.Log(ctx, "derived state %s", derived.Value())
		return err
	})
	return nil
}

func subscriptionCount(ctx context.Context, h *Host) error {
	events := stream.NewShared[string]()
	active := stream.Distinct(stream.Map(events.SubscriptionCount().Stream(),
		func(_ context.Context, n int) (bool, error) { return n > 0, nil }))
	watcher := active.Take(3).OnEach(func(ctx context.Context, on bool) error {
		if on {
			h.Log(ctx, "subscribers appeared, start producing")
		} else {
			h.Log(ctx, "no subscribers, stop producing")
		}
		return nil
	}).LaunchIn(h.Scope(), scope.WithCaller(ctx))
	h.Launch(ctx, func(ctx context.Context) error {
		if err := h.Delay(ctx, 200*time.Millisecond); err != nil {
			return err
		}
		sub, cancel := context.WithTimeout(ctx, h.Scale(500*time.Millisecond))
		defer cancel()
		h.Log(ctx, "collector subscribes")
		err := events.Collect(sub, func(string) error { return nil })
		h.Log(ctx, "collector leaves")
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return watcher.Join(ctx)
	})
	return nil
}

func viewModel(ctx context.Context, h *Host) error {
	vm := h.ViewModel()
	h.VMLog(ctx, "launch")
	vm.Scope().Launch(func(ctx context.Context) error {
		for {
			if err := h.Delay(ctx, time.Second); err != nil {
				return err
			}
			h.VMLog(ctx, "work")
		}
	}, scope.WithCaller(ctx))
	return nil
}

func lifecycleScope(_ context.Context, h *Host) error {
	h.Activity().LaunchWhen(lifecycle.Resumed, func(ctx context.Context) error {
		h.Log(ctx, "launchWhenResumed")
		for {
			if err := h.Delay(ctx, time.Second); err != nil {
				return err
			}
			h.Log(ctx, "work")
		}
	})
	return nil
}

func weakCancel(ctx context.Context, h *Host) error {
	stubborn := h.Launch(ctx, func(ctx context.Context) error {
		for i := 0; i < 5; i++ {
			h.Sleep(100 * time.Millisecond)
			h.Log(ctx, "stubborn %d, isActive = %t", i, scope.IsActive(ctx))
		}
		return nil
	})
	polite := h.Launch(ctx, func(ctx context.Context) error {
		for i := 0; i < 5 && scope.IsActive(ctx); i++ {
			h.Sleep(100 * time.Millisecond)
			h.Log(ctx, "polite %d, isActive = %t", i, scope.IsActive(ctx))
		}
		return scope.EnsureActive(ctx)
	})
	h.ClickAfter(ctx, 250*time.Millisecond, func(ctx context.Context, h *Host) error {
		h.Log(ctx, "cancel both")
		stubborn.Cancel(nil)
		polite.Cancel(nil)
		return nil
	})
	return nil
}

// fetch pretends to load page n; page 3 is missing.
func fetch(ctx context.Context, h *Host, n int) error {
	h.Sleep(50 * time.Millisecond)
	if n == 3 {
		return fmt.Errorf("fetch page %d: not found", n)
	}
	return scope.EnsureActive(ctx)
}

func errgroupLesson(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx, scope.WithScopeDispatcher(h.IO()))
		g.SetLimit(2)
		x, xctx := xerrgroup.WithContext(ctx)
		x.SetLimit(2)
		for n := 1; n <= 4; n++ {
			g.Go(func() error { return fetch(gctx, h, n) })
			x.Go(func() error { return fetch(xctx, h, n) })
		}
		ours, theirs := g.Wait(), x.Wait()
		h.Log(ctx, "scope errgroup: %v", ours)
		h.Log(ctx, "x/sync errgroup: %v", theirs)
		h.Log(ctx, "scope errgroup cause: %v", context.Cause(gctx))
		return nil
	}, scope.WithDispatcher(h.IO()))
	return nil
}
