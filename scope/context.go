package scope

import "context"

type scopeKey struct{}

type taskKey struct{}

// From returns the scope bound to ctx, or nil. Inside a task body it is the
// scope that owns the task's children.
func From(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// CurrentTask returns the innermost task running with ctx, or nil.
func CurrentTask(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// TaskName returns the name of the current task, or "".
func TaskName(ctx context.Context) string {
	if t := CurrentTask(ctx); t != nil {
		return t.Name()
	}
	return ""
}

// ThreadName returns the worker the current task runs on, or "" outside a task.
func ThreadName(ctx context.Context) string {
	if t := CurrentTask(ctx); t != nil {
		return t.Thread()
	}
	return ""
}

// Launch starts fn in the scope bound to ctx. It panics when ctx carries no scope.
func Launch(ctx context.Context, fn Func, opts ...LaunchOption) *Task {
	s := From(ctx)
	if s == nil {
		panic("scope: Launch called with a context that carries no scope")
	}
	return s.Launch(fn, append([]LaunchOption{WithCaller(ctx)}, opts...)...)
}

// IsActive reports whether ctx has not been cancelled.
func IsActive(ctx context.Context) bool { return ctx.Err() == nil }

// EnsureActive returns the cancellation error of ctx, if any.
func EnsureActive(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return &CancelledError{Cause: context.Cause(ctx)}
}
