package scope

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task.
type State int32

const (
	Created State = iota
	Active
	Cancelling
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Cancelling:
		return "Cancelling"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= Completed }

// StartMode controls when a launched task begins.
type StartMode int

const (
	// StartDefault dispatches the task right away.
	StartDefault StartMode = iota
	// StartLazy leaves the task Created until Start, Join or Await.
	StartLazy
	// StartUndispatched runs the task on the caller's worker until its
	// first suspension point; Launch returns at that point.
	StartUndispatched
)

type LaunchOption func(*launchOptions)

type launchOptions struct {
	start    StartMode
	name     string
	disp     *Dispatcher
	handler  Handler
	caller   context.Context
	detached bool
}

func WithStart(m StartMode) LaunchOption { return func(o *launchOptions) { o.start = m } }

// WithName names the task. Unnamed tasks inherit the name of the task that
// owns their scope.
func WithName(name string) LaunchOption { return func(o *launchOptions) { o.name = name } }

// WithDispatcher runs the task on d instead of the scope's dispatcher.
func WithDispatcher(d *Dispatcher) LaunchOption { return func(o *launchOptions) { o.disp = d } }

// WithTaskHandler attaches a failure handler to the task and its descendants.
func WithTaskHandler(h Handler) LaunchOption { return func(o *launchOptions) { o.handler = h } }

// WithCaller tells Launch which context the launching code runs in. It is
// needed to run undispatched or immediate tasks on the caller's worker.
func WithCaller(ctx context.Context) LaunchOption { return func(o *launchOptions) { o.caller = ctx } }

// Detached launches the task outside the structure of the scope: the scope
// neither waits for it nor cancels it, and its failure goes straight to the
// handler.
func Detached() LaunchOption { return func(o *launchOptions) { o.detached = true } }

// Task is a unit of work launched into a Scope.
type Task struct {
	id     uuid.UUID
	name   string
	scope  *Scope
	inner  *Scope
	ctx    context.Context
	cancel context.CancelCauseFunc

	fn      Func
	start   StartMode
	disp    *Dispatcher
	handler Handler

	begin    sync.Once
	stopLazy func() bool
	done     chan struct{}

	mu    sync.Mutex
	state State
	err   error

	wmu     sync.Mutex
	slot    int
	holds   bool
	depth   int
	handoff chan struct{}
	thread  atomic.Value
	limited bool
}

// Launch starts fn as a child task of s.
func (s *Scope) Launch(fn Func, opts ...LaunchOption) *Task {
	var lo launchOptions
	for _, o := range opts {
		o(&lo)
	}
	if fn == nil {
		fn = func(context.Context) error { return nil }
	}
	if lo.detached {
		d := New(context.WithoutCancel(s.ctx), Supervisor,
			WithFatal(s.opts.Fatal), WithHandler(s.handler), WithObserver(s.obs),
			WithScopeDispatcher(s.disp), WithPanicAsError(s.opts.PanicAsError))
		lo.detached = false
		return d.Launch(fn, func(o *launchOptions) { *o = lo })
	}
	t := s.newTask(fn, lo)
	s.track(t)

	caller := CurrentTask(lo.caller)
	if caller == nil {
		caller = s.owner
	}
	if t.start == StartDefault &&
		(t.disp.unconfined || (t.disp.immediate && caller != nil && caller.runsOn(t.disp))) {
		t.start = StartUndispatched
	}

	switch t.start {
	case StartLazy:
		t.mu.Lock()
		t.stopLazy = context.AfterFunc(t.ctx, func() { t.Start() })
		t.mu.Unlock()
	case StartUndispatched:
		t.handoff = make(chan struct{})
		if caller != nil {
			t.thread.Store(caller.Thread())
		}
		handoff := t.handoff
		t.Start()
		<-handoff
	default:
		t.Start()
	}
	return t
}

func (s *Scope) newTask(fn Func, lo launchOptions) *Task {
	t := &Task{
		id:      uuid.New(),
		name:    lo.name,
		scope:   s,
		fn:      fn,
		start:   lo.start,
		disp:    lo.disp,
		handler: lo.handler,
		done:    make(chan struct{}),
	}
	if t.name == "" {
		t.name = s.Name()
	}
	if t.disp == nil {
		t.disp = s.disp
	}
	if t.handler == nil {
		t.handler = s.handler
	}
	t.thread.Store("")
	ctx, cancel := context.WithCancelCause(s.ctx)
	t.inner = &Scope{policy: FailFast, owner: t, cancel: cancel, disp: t.disp,
		handler: t.handler, opts: s.opts, obs: s.obs}
	t.inner.opts.MaxConcurrency = 0
	t.inner.opts.Timeout = 0
	t.inner.opts.Name = ""
	ctx = context.WithValue(ctx, taskKey{}, t)
	ctx = context.WithValue(ctx, scopeKey{}, t.inner)
	t.inner.ctx = ctx
	t.ctx = ctx
	t.cancel = cancel
	return t
}

// Start begins a lazy task. It reports whether this call started it.
func (t *Task) Start() bool {
	started := false
	t.begin.Do(func() {
		started = true
		t.mu.Lock()
		t.state = Active
		t.mu.Unlock()
		go t.run()
	})
	return started
}

// Cancel requests cancellation of t and its descendants. A nil cause means
// context.Canceled.
func (t *Task) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	t.cancel(cause)
}

// Join waits until t reaches a terminal state, starting it if it is lazy.
// It returns an error only when ctx is cancelled first.
func (t *Task) Join(ctx context.Context) error {
	t.Start()
	select {
	case <-t.done:
		return nil
	default:
	}
	return Suspend(ctx, func() error {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Done is closed when t reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) ID() uuid.UUID { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) Dispatcher() *Dispatcher { return t.disp }

// Context returns the context the task body receives.
func (t *Task) Context() context.Context { return t.ctx }

// Scope returns the scope t was launched into.
func (t *Task) Scope() *Scope { return t.scope }

// Thread names the worker t currently runs on.
func (t *Task) Thread() string {
	name, _ := t.thread.Load().(string)
	return name
}

func (t *Task) State() State {
	t.mu.Lock()
	st := t.state
	t.mu.Unlock()
	if st == Active && t.ctx.Err() != nil {
		return Cancelling
	}
	return st
}

func (t *Task) IsActive() bool {
	st := t.State()
	return st == Active
}

func (t *Task) IsCancelled() bool {
	st := t.State()
	return st == Cancelling || st == Cancelled || st == Failed
}

func (t *Task) IsCompleted() bool { return t.State().Terminal() }

// Err returns the failure of a Failed task, a *CancelledError for a
// Cancelled one, and nil otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Children returns the unfinished tasks launched from t's body.
func (t *Task) Children() []*Task { return t.inner.Tasks() }

func (t *Task) String() string {
	label := "Task"
	if t.name != "" {
		label = t.name
	}
	return fmt.Sprintf("%s{%s}@%s", label, t.State(), t.id.String()[:8])
}

func (t *Task) runsOn(d *Dispatcher) bool {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.holds && t.disp.sameWorkers(d)
}

func (t *Task) run() {
	s := t.scope
	t.mu.Lock()
	stop := t.stopLazy
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	var (
		err   error
		start time.Time
		ran   bool
	)
	if t.acquire() == nil {
		ran = true
		if s.obs != nil {
			start = time.Now()
			s.obs.TaskStarted(t.ctx)
		}
		err = t.invoke()
	}
	t.releaseWorker()
	t.releaseLimiter()

	failure := err
	if failure != nil && t.cancelledBy(failure) {
		failure = nil
	}
	if failure != nil {
		t.cancel(failure)
	}
	t.inner.wg.Wait()
	if failure == nil {
		failure = t.inner.failure()
	}
	t.finish(failure)

	if failure != nil {
		s.report(t.ctx, t.handler, failure)
	}
	if ran && s.obs != nil {
		var pe *PanicError
		s.obs.TaskFinished(t.ctx, time.Since(start), failure, errors.As(failure, &pe))
	}
	close(t.done)
	t.cancel(errTaskDone)
	s.untrack(t)
}

func (t *Task) cancelledBy(err error) bool {
	if IsCancellation(err) {
		return true
	}
	return t.ctx.Err() != nil && errors.Is(err, context.Cause(t.ctx))
}

func (t *Task) finish(failure error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case failure != nil:
		t.state = Failed
		t.err = failure
	case t.ctx.Err() != nil:
		t.state = Cancelled
		t.err = &CancelledError{Cause: context.Cause(t.ctx)}
	default:
		t.state = Completed
	}
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !t.scope.opts.PanicAsError {
				t.releaseWorker()
				panic(r)
			}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(t.ctx)
}

// acquire takes the limiter and a worker slot. Undispatched tasks already
// run on the caller's worker.
func (t *Task) acquire() error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if lim := t.scope.lim; lim != nil {
		if err := lim.Acquire(t.ctx); err != nil {
			return err
		}
		t.limited = true
	}
	t.wmu.Lock()
	borrowed := t.handoff != nil
	t.wmu.Unlock()
	if borrowed || t.disp.unconfined {
		return nil
	}
	slot, name, err := t.disp.acquire(t.ctx)
	if err != nil {
		t.releaseLimiter()
		return err
	}
	t.wmu.Lock()
	t.slot, t.holds = slot, true
	t.wmu.Unlock()
	t.thread.Store(name)
	return nil
}

func (t *Task) releaseLimiter() {
	if t.limited {
		t.limited = false
		t.scope.lim.Release()
	}
}

func (t *Task) releaseWorker() {
	t.wmu.Lock()
	handoff := t.handoff
	t.handoff = nil
	if t.holds {
		t.disp.release(t.slot)
		t.holds = false
	}
	t.wmu.Unlock()
	if handoff != nil {
		close(handoff)
	}
}

// suspend gives up the worker for the duration of a suspension point and
// returns the function that takes one back.
func (t *Task) suspend() func() {
	t.wmu.Lock()
	t.depth++
	var handoff chan struct{}
	if t.depth == 1 {
		handoff = t.handoff
		t.handoff = nil
		if t.holds {
			t.disp.release(t.slot)
			t.holds = false
		}
	}
	t.wmu.Unlock()
	if handoff != nil {
		close(handoff)
	}
	return t.resume
}

func (t *Task) resume() {
	t.wmu.Lock()
	t.depth--
	last := t.depth == 0
	t.wmu.Unlock()
	if !last {
		return
	}
	if t.disp.unconfined {
		t.thread.Store("unconfined")
		return
	}
	slot, name, _ := t.disp.acquire(context.Background())
	t.wmu.Lock()
	t.slot, t.holds = slot, t.disp.pool != nil
	t.wmu.Unlock()
	t.thread.Store(name)
}
