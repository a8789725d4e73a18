package lessons

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NetPo4ki/scopelab/internal/config"
	"github.com/NetPo4ki/scopelab/internal/logsink"
	"github.com/NetPo4ki/scopelab/lifecycle"
	"github.com/NetPo4ki/scopelab/scope"
)

// Host is the activity a lesson runs in, together with its view model.
type Host struct {
	cfg      config.Config
	log      *logsink.Logger
	vmLog    *logsink.Logger
	obs      scope.Observer
	def, io  *scope.Dispatcher
	main     *scope.Dispatcher
	activity *lifecycle.Owner

	mu sync.Mutex
	vm *lifecycle.Owner
}

func (r *Runner) newHost(l Lesson) *Host {
	h := &Host{cfg: r.cfg, obs: r.obs, main: scope.NewDispatcher("main", 1)}
	h.log = r.log.Named(l.Name).Named("MainActivity")
	h.vmLog = r.log.Named(l.Name).Named("MainViewModel")
	h.def, h.io = r.dispatchers()
	h.activity = lifecycle.New("MainActivity", h.ownerOptions(h.log, lifecycle.WithDispatcher(h.def))...)
	return h
}

func (h *Host) ownerOptions(log *logsink.Logger, extra ...lifecycle.Option) []lifecycle.Option {
	opts := []lifecycle.Option{
		lifecycle.WithMainThread(h.main),
		lifecycle.WithCrashHandler(func(ctx context.Context, owner string, err error) {
			log.Zap().Error("FATAL EXCEPTION", append(logsink.Fields(ctx),
				zap.String("owner", owner), zap.Error(err))...)
		}),
	}
	if h.obs != nil {
		opts = append(opts, lifecycle.WithObserver(h.obs))
	}
	return append(opts, extra...)
}

func (h *Host) create(ctx context.Context) error {
	return scope.On(ctx, h.main, func(ctx context.Context) error {
		for _, step := range []struct {
			msg   string
			state lifecycle.State
		}{
			{"onCreate()", lifecycle.Created},
			{"onStart()", lifecycle.Started},
			{"onResume()", lifecycle.Resumed},
		} {
			h.Log(ctx, "%s", step.msg)
			if err := h.activity.MoveTo(step.state); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Host) idle(ctx context.Context) error {
	if err := h.activity.Idle(ctx); err != nil {
		return err
	}
	if vm := h.viewModel(); vm != nil {
		return vm.Idle(ctx)
	}
	return nil
}

// destroy tears the activity and then the view model down. Tasks that do
// not react to cancellation get one settle period to finish.
func (h *Host) destroy(ctx context.Context) error {
	err := scope.On(ctx, h.main, func(ctx context.Context) error {
		h.Log(ctx, "onDestroy()")
		return h.activity.MoveTo(lifecycle.Destroyed)
	})
	if err != nil {
		return err
	}
	owners := []*lifecycle.Owner{h.activity}
	if vm := h.viewModel(); vm != nil {
		err := scope.On(ctx, h.main, func(ctx context.Context) error {
			h.vmLog.Log(ctx, "onCleared")
			return vm.MoveTo(lifecycle.Destroyed)
		})
		if err != nil {
			return err
		}
		owners = append(owners, vm)
	}
	wait, cancel := context.WithTimeout(ctx, h.cfg.Settle)
	defer cancel()
	for _, o := range owners {
		if err := o.Destroy(wait); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func (h *Host) viewModel() *lifecycle.Owner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vm
}

// ViewModel returns the host's view model, created on first use.
func (h *Host) ViewModel() *lifecycle.Owner {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vm == nil {
		h.vm = lifecycle.NewViewModel("MainViewModel", h.ownerOptions(h.vmLog)...)
	}
	return h.vm
}

// Activity returns the host lifecycle owner.
func (h *Host) Activity() *lifecycle.Owner { return h.activity }

// Scope is the activity's own FailFast scope, cancelled in onDestroy.
func (h *Host) Scope() *scope.Scope { return h.activity.Scope() }

// NewScope creates a scope the way a lesson would declare a local one.
func (h *Host) NewScope(policy scope.Policy, opts ...scope.Option) *scope.Scope {
	return h.activity.NewScope(policy, opts...)
}

// Launch starts fn in the activity scope from the click or task of ctx.
func (h *Host) Launch(ctx context.Context, fn scope.Func, opts ...scope.LaunchOption) *scope.Task {
	return h.Scope().Launch(fn, append([]scope.LaunchOption{scope.WithCaller(ctx)}, opts...)...)
}

// ClickAfter runs a second click on the main thread after d.
func (h *Host) ClickAfter(ctx context.Context, d time.Duration, fn Click) *scope.Task {
	return h.activity.LifecycleScope().Launch(func(ctx context.Context) error {
		if err := h.Delay(ctx, d); err != nil {
			return err
		}
		return fn(ctx, h)
	}, scope.WithCaller(ctx))
}

func (h *Host) Log(ctx context.Context, format string, args ...any) { h.log.Log(ctx, format, args...) }

// VMLog logs on behalf of the view model.
func (h *Host) VMLog(ctx context.Context, format string, args ...any) {
	h.vmLog.Log(ctx, format, args...)
}

func (h *Host) Scale(d time.Duration) time.Duration { return h.cfg.Scale(d) }

// Delay suspends for the scaled d, releasing the worker.
func (h *Host) Delay(ctx context.Context, d time.Duration) error {
	return scope.Delay(ctx, h.Scale(d))
}

// Sleep blocks for the scaled d and keeps the worker.
func (h *Host) Sleep(d time.Duration) { time.Sleep(h.Scale(d)) }

func (h *Host) Default() *scope.Dispatcher { return h.def }

func (h *Host) IO() *scope.Dispatcher { return h.io }

// Main is the host's main thread.
func (h *Host) Main() *scope.Dispatcher { return h.main }
