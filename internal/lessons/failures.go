package lessons

import (
	"context"
	"strconv"
	"time"

	"github.com/NetPo4ki/scopelab/scope"
)

func init() {
	register(
		Lesson{Name: "parent-child", Group: GroupFailures, Click: parentChild,
			Summary: "a parent stays active until its child completes"},
		Lesson{Name: "throw-exception", Group: GroupFailures, Click: throwException,
			Summary: "an error handled inside the body never leaves the task"},
		Lesson{Name: "handler-cancel-siblings", Group: GroupFailures, Click: handlerCancelSiblings,
			Summary: "a handler sees the failure but the FailFast scope still cancels the sibling"},
		Lesson{Name: "handler-supervisor", Group: GroupFailures, Click: handlerSupervisor,
			Summary: "under a Supervisor the sibling keeps running"},
		Lesson{Name: "nested-exception", Group: GroupFailures, Click: nestedException,
			Summary: "a grandchild failure cancels the whole hierarchy and reaches the root handler once"},
		Lesson{Name: "async-exception", Group: GroupFailures, Click: asyncException,
			Summary: "Await returns the failure and it still crashes the host"},
		Lesson{Name: "suspend-exception", Group: GroupFailures, Click: suspendException,
			Summary: "a failure launched elsewhere cannot be caught around a suspension"},
	)
}

func parseA() error {
	_, err := strconv.Atoi("a")
	return err
}

func parentChild(ctx context.Context, h *Host) error {
	job := h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent start")
		scope.Launch(ctx, func(ctx context.Context) error {
			h.Log(ctx, "child start")
			if err := h.Delay(ctx, time.Second); err != nil {
				return err
			}
			h.Log(ctx, "child end")
			return nil
		})
		h.Log(ctx, "parent end")
		return nil
	})
	h.Launch(ctx, func(ctx context.Context) error {
		if err := h.Delay(ctx, 500*time.Millisecond); err != nil {
			return err
		}
		h.Log(ctx, "parent job is active: %t", job.IsActive())
		if err := h.Delay(ctx, time.Second); err != nil {
			return err
		}
		h.Log(ctx, "parent job is active: %t", job.IsActive())
		return nil
	})
	return nil
}

func throwException(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		if err := parseA(); err != nil {
			h.Log(ctx, "exception %v", err)
		}
		return nil
	})
	return nil
}

// failingPair launches a task that fails after a second next to one that
// reports whether it is still active.
func failingPair(ctx context.Context, h *Host, s *scope.Scope, opts ...scope.LaunchOption) {
	s.Launch(func(ctx context.Context) error {
		h.Sleep(time.Second)
		return parseA()
	}, append([]scope.LaunchOption{scope.WithCaller(ctx)}, opts...)...)
	s.Launch(func(ctx context.Context) error {
		for i := 0; i < 5; i++ {
			h.Sleep(300 * time.Millisecond)
			h.Log(ctx, "second coroutine isActive %t", scope.IsActive(ctx))
		}
		return nil
	}, scope.WithCaller(ctx))
}

func handlerCancelSiblings(ctx context.Context, h *Host) error {
	handler := func(ctx context.Context, err error) {
		h.Log(ctx, "first coroutine exception %v", err)
	}
	failingPair(ctx, h, h.Scope(), scope.WithTaskHandler(handler))
	return nil
}

func handlerSupervisor(ctx context.Context, h *Host) error {
	handler := func(ctx context.Context, err error) {
		h.Log(ctx, "first coroutine exception %v", err)
	}
	s := h.NewScope(scope.Supervisor, scope.WithScopeDispatcher(h.Default()), scope.WithHandler(handler))
	failingPair(ctx, h, s)
	return nil
}

func nestedException(ctx context.Context, h *Host) error {
	handler := func(ctx context.Context, err error) {
		h.Log(ctx, "%v was handled in Coroutine_%s", err, scope.TaskName(ctx))
	}
	local := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(h.Default()), scope.WithHandler(handler))
	repeatIsActive := func(ctx context.Context) {
		for i := 0; i < 5; i++ {
			h.Sleep(300 * time.Millisecond)
			h.Log(ctx, "Coroutine_%s isActive %t", scope.TaskName(ctx), scope.IsActive(ctx))
		}
	}
	repeater := func(ctx context.Context) error {
		repeatIsActive(ctx)
		return nil
	}
	local.Launch(func(ctx context.Context) error {
		scope.Launch(ctx, func(ctx context.Context) error {
			h.Sleep(time.Second)
			h.Log(ctx, "exception")
			return parseA()
		}, scope.WithName("1_1"))
		scope.Launch(ctx, repeater, scope.WithName("1_2"))
		repeatIsActive(ctx)
		return nil
	}, scope.WithName("1"))
	local.Launch(func(ctx context.Context) error {
		scope.Launch(ctx, repeater, scope.WithName("2_1"))
		scope.Launch(ctx, repeater, scope.WithName("2_2"))
		repeatIsActive(ctx)
		return nil
	}, scope.WithName("2"))
	return nil
}

func asyncException(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		deferred := scope.Async(scope.From(ctx), func(context.Context) (int, error) {
			return strconv.Atoi("a")
		}, scope.WithCaller(ctx))
		if result, err := deferred.Await(ctx); err != nil {
			h.Log(ctx, "error %v", err)
		} else {
			h.Log(ctx, "result %d", result)
		}
		h.Log(ctx, "launch end")
		return nil
	})
	return nil
}

func suspendException(ctx context.Context, h *Host) error {
	local := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(h.IO()))
	local.Launch(func(ctx context.Context) error {
		if err := someFunction(ctx, h); err != nil && !scope.IsCancellation(err) {
			h.Log(ctx, "caught %v", err)
		}
		return nil
	})
	return nil
}

// someFunction suspends forever after starting a failing task in the
// activity scope. Nothing around the suspension can catch that failure.
func someFunction(ctx context.Context, h *Host) error {
	h.Log(ctx, "someFunction, suspended")
	return scope.Suspend(ctx, func() error {
		h.Scope().Launch(func(context.Context) error { return parseA() }, scope.WithDispatcher(h.IO()))
		<-ctx.Done()
		return ctx.Err()
	})
}
