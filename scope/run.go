package scope

import (
	"context"
	"errors"
	"runtime/debug"
)

// Run calls fn with a fresh FailFast scope bound to the returned context and
// returns once fn and every task launched into that scope have finished.
// The first failure is returned to the caller instead of travelling further.
func Run(ctx context.Context, fn Func) error { return runScope(ctx, FailFast, fn) }

// Supervise is Run with a Supervisor scope: failing tasks do not cancel their
// siblings and are handed to their handler. Only fn's own error is returned.
func Supervise(ctx context.Context, fn Func) error { return runScope(ctx, Supervisor, fn) }

// RunOn runs fn as a task on d, waits for it and hands its result back to
// the caller's worker.
func RunOn[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Run(ctx, func(ctx context.Context) error {
		t := From(ctx).Launch(func(ctx context.Context) error {
			v, err := fn(ctx)
			out = v
			return err
		}, WithDispatcher(d), WithCaller(ctx))
		return t.Join(ctx)
	})
	return out, err
}

// On is RunOn for bodies without a result.
func On(ctx context.Context, d *Dispatcher, fn Func) error {
	_, err := RunOn(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func openScope(ctx context.Context, policy Policy) *Scope {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := defaultOptions()
	disp := Default
	var h Handler
	if amb := From(ctx); amb != nil {
		opts = amb.opts
		opts.MaxConcurrency, opts.Timeout = 0, 0
		disp, h = amb.disp, amb.handler
		if t := CurrentTask(ctx); t != nil {
			disp = t.disp
		}
	}
	opts.Name = TaskName(ctx)
	s := &Scope{policy: policy, sync: true, opts: opts, obs: opts.Observer, disp: disp, handler: h}
	s.bind(ctx)
	return s
}

func runScope(ctx context.Context, policy Policy, fn Func) error {
	s := openScope(ctx, policy)
	defer s.cancel(errTaskDone)

	err := s.call(fn)
	failed := err != nil && !IsCancellation(err) &&
		!(s.ctx.Err() != nil && errors.Is(err, context.Cause(s.ctx)))
	if failed {
		s.Cancel(err)
	}
	s.wg.Wait()
	if failed {
		return err
	}
	if policy == FailFast {
		if f := s.failure(); f != nil {
			return f
		}
	}
	return err
}

func (s *Scope) call(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !s.opts.PanicAsError {
				panic(r)
			}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(s.ctx)
}
