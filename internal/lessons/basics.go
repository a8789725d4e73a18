package lessons

import (
	"context"
	"fmt"
	"time"

	"github.com/NetPo4ki/scopelab/internal/logsink"
	"github.com/NetPo4ki/scopelab/scope"
)

func init() {
	register(
		Lesson{Name: "run-cancel", Group: GroupBasics, Click: runCancel,
			Summary: "a cooperative loop stops at the next suspension point once cancelled"},
		Lesson{Name: "not-wait-child", Group: GroupBasics, Click: notWaitChild,
			Summary: "a parent body ends before its child, the parent task completes after it"},
		Lesson{Name: "wait-child", Group: GroupBasics, Click: waitChild,
			Summary: "Join suspends the parent until the child is done"},
		Lesson{Name: "parallel", Group: GroupBasics, Click: parallel,
			Summary: "two children run at the same time and are joined in turn"},
		Lesson{Name: "lazy", Group: GroupBasics, Click: lazy,
			Summary: "a lazy task waits for an explicit Start"},
		Lesson{Name: "async", Group: GroupBasics, Click: async,
			Summary: "Await suspends until the deferred result is ready"},
		Lesson{Name: "async-parallel", Group: GroupBasics, Click: asyncParallel,
			Summary: "two deferred results are computed concurrently"},
		Lesson{Name: "context", Group: GroupContext, Click: showContext,
			Summary: "scope and task expose their task and dispatcher"},
		Lesson{Name: "nested-context", Group: GroupContext, Click: nestedContext,
			Summary: "every nesting level gets its own task on the inherited dispatcher"},
		Lesson{Name: "default-dispatcher", Group: GroupContext, Click: defaultDispatcher,
			Summary: "blocking work on Default is limited by the pool size"},
		Lesson{Name: "io-dispatcher", Group: GroupContext, Click: ioDispatcher,
			Summary: "the 65th blocking task on IO waits for a free worker"},
		Lesson{Name: "unconfined", Group: GroupContext, Click: unconfined,
			Summary: "an unconfined task starts on the caller and resumes wherever it is woken"},
		Lesson{Name: "main-immediate", Group: GroupContext, Click: mainImmediate,
			Summary: "Main.Immediate runs in place when already on the main thread"},
	)
}

func runCancel(ctx context.Context, h *Host) error {
	h.Log(ctx, "onRun, start")
	job := h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "coroutine, start")
		for x := 0; x < 5 && scope.IsActive(ctx); x++ {
			if err := h.Delay(ctx, time.Second); err != nil {
				return err
			}
			h.Log(ctx, "coroutine, %d, isActive = %t", x, scope.IsActive(ctx))
		}
		h.Log(ctx, "coroutine, end")
		return nil
	})
	h.Log(ctx, "onRun, end")
	h.ClickAfter(ctx, 2500*time.Millisecond, func(ctx context.Context, h *Host) error {
		h.Log(ctx, "onCancel")
		job.Cancel(nil)
		return nil
	})
	return nil
}

func notWaitChild(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent coroutine, start")
		scope.Launch(ctx, func(ctx context.Context) error {
			h.Log(ctx, "child coroutine, start")
			h.Sleep(time.Second)
			h.Log(ctx, "child coroutine, end")
			return nil
		})
		h.Log(ctx, "parent coroutine, end")
		return nil
	})
	return nil
}

func waitChild(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent coroutine, start")
		job := scope.Launch(ctx, func(ctx context.Context) error {
			h.Log(ctx, "child coroutine, start")
			h.Sleep(time.Second)
			h.Log(ctx, "child coroutine, end")
			return nil
		}, scope.WithDispatcher(h.IO()))
		h.Log(ctx, "parent coroutine, wait until child completes")
		if err := job.Join(ctx); err != nil {
			return err
		}
		h.Log(ctx, "parent coroutine, end")
		return nil
	}, scope.WithDispatcher(h.IO()))
	return nil
}

func parallel(ctx context.Context, h *Host) error {
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent coroutine, start")
		child := func(n int, d time.Duration) *scope.Task {
			return scope.Launch(ctx, func(ctx context.Context) error {
				h.Log(ctx, "child coroutine%d, start", n)
				h.Sleep(d)
				h.Log(ctx, "child coroutine%d, end", n)
				return nil
			})
		}
		job, job2 := child(1, time.Second), child(2, 1500*time.Millisecond)
		h.Log(ctx, "parent coroutine, wait until children complete")
		if err := job.Join(ctx); err != nil {
			return err
		}
		if err := job2.Join(ctx); err != nil {
			return err
		}
		h.Log(ctx, "parent coroutine, end")
		return nil
	})
	return nil
}

func lazy(ctx context.Context, h *Host) error {
	h.Log(ctx, "onCreateCoroutine, start")
	job := h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "coroutine, start")
		h.Sleep(time.Second)
		h.Log(ctx, "coroutine, end")
		return nil
	}, scope.WithStart(scope.StartLazy))
	h.Log(ctx, "onCreateCoroutine, end")
	h.ClickAfter(ctx, 500*time.Millisecond, func(ctx context.Context, h *Host) error {
		h.Log(ctx, "onStartCoroutine(), start")
		job.Start()
		h.Log(ctx, "onStartCoroutine(), end")
		return nil
	})
	return nil
}

func async(ctx context.Context, h *Host) error {
	h.Log(ctx, "onAsyncStart(), start")
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent coroutine, start")
		deferred := scope.Async(scope.From(ctx), func(ctx context.Context) (string, error) {
			h.Log(ctx, "child coroutine, start")
			h.Sleep(time.Second)
			h.Log(ctx, "child coroutine, end")
			return "async result", nil
		}, scope.WithCaller(ctx))
		h.Log(ctx, "parent coroutine, wait until child returns result")
		result, err := deferred.Await(ctx)
		if err != nil {
			return err
		}
		h.Log(ctx, "parent coroutine, child returns: %s", result)
		h.Log(ctx, "parent coroutine, end")
		return nil
	})
	h.Log(ctx, "onAsyncStart(), end")
	return nil
}

func asyncParallel(ctx context.Context, h *Host) error {
	getData := func(ctx context.Context) (string, error) {
		h.Log(ctx, "getData")
		if err := h.Delay(ctx, time.Second); err != nil {
			return "", err
		}
		return "data", nil
	}
	getData2 := func(ctx context.Context) (string, error) {
		if err := h.Delay(ctx, 1500*time.Millisecond); err != nil {
			return "", err
		}
		return "data2", nil
	}
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "parent coroutine, start")
		s := scope.From(ctx)
		data := scope.Async(s, getData, scope.WithCaller(ctx))
		data2 := scope.Async(s, getData2, scope.WithCaller(ctx))
		h.Log(ctx, "parent coroutine, wait until children return result")
		results, err := scope.AwaitAll(ctx, data, data2)
		if err != nil {
			return err
		}
		h.Log(ctx, "parent coroutine, children returned: %s, %s", results[0], results[1])
		h.Log(ctx, "parent coroutine, end")
		return nil
	}, scope.WithDispatcher(h.IO()))
	return nil
}

// describe prints the task (or the scope, outside a task) and dispatcher of ctx.
func describe(ctx context.Context) string {
	if t := scope.CurrentTask(ctx); t != nil {
		return fmt.Sprintf("Job = %s, Dispatcher = %s", t, t.Dispatcher())
	}
	if s := scope.From(ctx); s != nil {
		return fmt.Sprintf("Job = %s, Dispatcher = %s", s, s.Dispatcher())
	}
	return "Job = none, Dispatcher = none"
}

func showContext(ctx context.Context, h *Host) error {
	s := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(h.Main()))
	h.Log(ctx, "scope, %s", describe(s.Context()))
	s.Launch(func(ctx context.Context) error {
		h.Log(ctx, "coroutine, %s", describe(ctx))
		return nil
	})
	return nil
}

func nestedContext(ctx context.Context, h *Host) error {
	s := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(h.Main()))
	h.Log(ctx, "scope, %s", describe(s.Context()))
	s.Launch(func(ctx context.Context) error {
		h.Log(ctx, "coroutine, level1, %s", describe(ctx))
		scope.Launch(ctx, func(ctx context.Context) error {
			h.Log(ctx, "coroutine, level2, %s", describe(ctx))
			scope.Launch(ctx, func(ctx context.Context) error {
				h.Log(ctx, "coroutine, level3, %s", describe(ctx))
				return nil
			})
			return nil
		})
		return nil
	})
	return nil
}

func blockingBatch(h *Host, d *scope.Dispatcher, n int, sleep time.Duration) {
	s := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(d))
	for i := 0; i < n; i++ {
		s.Launch(func(ctx context.Context) error {
			h.Log(ctx, "coroutine %d, start", i)
			h.Sleep(sleep)
			h.Log(ctx, "coroutine %d, end", i)
			return nil
		})
	}
}

func defaultDispatcher(_ context.Context, h *Host) error {
	blockingBatch(h, h.Default(), 10, 100*time.Millisecond)
	return nil
}

func ioDispatcher(_ context.Context, h *Host) error {
	blockingBatch(h, h.IO(), 65, time.Second)
	return nil
}

func unconfined(ctx context.Context, h *Host) error {
	s := h.NewScope(scope.FailFast, scope.WithScopeDispatcher(scope.Unconfined))
	s.Launch(func(ctx context.Context) error {
		h.Log(ctx, "start coroutine")
		data, err := dataFromThread(ctx, h)
		if err != nil {
			return err
		}
		h.Log(ctx, "end coroutine result = %s", data)
		return nil
	}, scope.WithCaller(ctx))
	return nil
}

// dataFromThread suspends until a plain goroutine delivers a value, the way
// a thread-based callback API resumes a task.
func dataFromThread(ctx context.Context, h *Host) (string, error) {
	h.Log(ctx, "suspend function, start")
	result := make(chan string, 1)
	var data string
	err := scope.Suspend(ctx, func() error {
		go func() {
			bg := logsink.OnThread(ctx, "Thread-1")
			h.Log(bg, "suspend function, background work")
			timer := time.NewTimer(h.Scale(time.Second))
			defer timer.Stop()
			select {
			case <-timer.C:
				result <- "Data"
			case <-ctx.Done():
			}
		}()
		select {
		case data = <-result:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return data, err
}

func mainImmediate(ctx context.Context, h *Host) error {
	h.Log(ctx, "before")
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "launch")
		return nil
	}, scope.WithDispatcher(h.Main().Immediate()))
	h.Launch(ctx, func(ctx context.Context) error {
		h.Log(ctx, "launch, dispatched")
		return nil
	}, scope.WithDispatcher(h.Main()))
	h.Log(ctx, "after")
	return nil
}
