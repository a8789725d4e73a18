package scope

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Policy selects how a scope reacts to a failing task.
type Policy int

const (
	// FailFast cancels every sibling on the first failure and passes the
	// failure up to the enclosing task or scope.
	FailFast Policy = iota
	// Supervisor contains failures; siblings keep running and the failure is
	// handed to the failing task's Handler.
	Supervisor
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "FailFast"
	case Supervisor:
		return "Supervisor"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Func is the body of a task.
type Func func(ctx context.Context) error

// Handler receives a failure that reached a point where nobody else can
// handle it. ctx belongs to the task that delivered the failure.
type Handler func(ctx context.Context, err error)

type Option func(*Options)

type Options struct {
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
	Timeout        time.Duration
	Handler        Handler
	Fatal          Handler
	Dispatcher     *Dispatcher
	Name           string
}

func defaultOptions() Options { return Options{PanicAsError: true} }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithTimeout cancels the scope with context.DeadlineExceeded after d.
func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

// WithHandler installs the handler for failures that reach this scope.
func WithHandler(h Handler) Option { return func(o *Options) { o.Handler = h } }

// WithFatal installs the hook for failures no handler took. It is inherited
// by scopes created under this one.
func WithFatal(h Handler) Option { return func(o *Options) { o.Fatal = h } }

// WithScopeDispatcher sets the dispatcher tasks inherit. The default is Default.
func WithScopeDispatcher(d *Dispatcher) Option { return func(o *Options) { o.Dispatcher = d } }

func WithScopeName(name string) Option { return func(o *Options) { o.Name = name } }

type Observer interface {
	ScopeCreated(ctx context.Context)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context)
	TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool)
}

// Observers returns an observer that forwards every hook to each of obs in
// order. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

type multiObserver []Observer

func (m multiObserver) ScopeCreated(ctx context.Context) {
	for _, o := range m {
		o.ScopeCreated(ctx)
	}
}

func (m multiObserver) ScopeCancelled(ctx context.Context, cause error) {
	for _, o := range m {
		o.ScopeCancelled(ctx, cause)
	}
}

func (m multiObserver) ScopeJoined(ctx context.Context, wait time.Duration) {
	for _, o := range m {
		o.ScopeJoined(ctx, wait)
	}
}

func (m multiObserver) TaskStarted(ctx context.Context) {
	for _, o := range m {
		o.TaskStarted(ctx)
	}
}

func (m multiObserver) TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool) {
	for _, o := range m {
		o.TaskFinished(ctx, dur, err, panicked)
	}
}

type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	policy Policy

	// owner is the task whose children this scope holds; parent is the scope
	// a Child scope was derived from. Neither is owned.
	owner  *Task
	parent *Scope
	// sync scopes return failures to the code that opened them.
	sync bool

	disp    *Dispatcher
	handler Handler

	wg        sync.WaitGroup
	mu        sync.Mutex
	firstErr  error
	canceled  bool
	delivered bool
	tasks     []*Task
	// idle is closed when the last tracked task finishes.
	idle chan struct{}

	opts Options
	obs  Observer
	lim  Limiter
}

// New creates a root scope. Cancelling parent cancels the scope, but
// failures never travel from the scope into whatever owns parent.
func New(parent context.Context, policy Policy, optFns ...Option) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	opts := defaultOptions()
	if ambient := From(parent); ambient != nil {
		opts.Fatal = ambient.opts.Fatal
		opts.Observer = ambient.opts.Observer
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &Scope{policy: policy, opts: opts, obs: opts.Observer, handler: opts.Handler}
	s.disp = opts.Dispatcher
	if s.disp == nil {
		s.disp = Default
	}
	s.bind(parent)
	if opts.MaxConcurrency > 0 {
		s.lim = newSemaphoreLimiter(opts.MaxConcurrency)
	}
	if s.obs != nil {
		s.obs.ScopeCreated(s.ctx)
	}
	return s
}

func (s *Scope) bind(parent context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	if s.opts.Timeout > 0 {
		tctx, stop := context.WithTimeout(ctx, s.opts.Timeout)
		inner := cancel
		ctx, cancel = tctx, func(cause error) { inner(cause); stop() }
	}
	s.ctx = context.WithValue(ctx, scopeKey{}, s)
	s.cancel = cancel
}

func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) Policy() Policy { return s.policy }

func (s *Scope) Dispatcher() *Dispatcher { return s.disp }

// Owner returns the task whose children the scope holds, or nil for a root.
func (s *Scope) Owner() *Task { return s.owner }

func (s *Scope) Name() string {
	if s.opts.Name != "" {
		return s.opts.Name
	}
	if s.owner != nil {
		return s.owner.Name()
	}
	return ""
}

func (s *Scope) String() string {
	if s.owner != nil {
		return s.owner.String()
	}
	state := "Active"
	if s.ctx.Err() != nil {
		state = "Cancelled"
	}
	return fmt.Sprintf("Scope{%s,%s}", s.policy, state)
}

// IsActive reports whether the scope has not been cancelled.
func (s *Scope) IsActive() bool { return s.ctx.Err() == nil }

// Tasks returns the tasks launched directly into s that have not finished.
func (s *Scope) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

var closedIdle = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Idle returns a channel that is closed once s has no unfinished task. Tasks
// launched after that need a fresh call.
func (s *Scope) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return closedIdle
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	return s.idle
}

// Go starts fn without returning a handle.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.Launch(fn)
}

func (s *Scope) Cancel(err error) {
	s.mu.Lock()
	wasCanceled := s.canceled
	s.canceled = true
	s.mu.Unlock()

	if err == nil {
		err = context.Canceled
	}
	s.cancel(err)
	if !wasCanceled && s.obs != nil && s.owner == nil {
		s.obs.ScopeCancelled(s.ctx, context.Cause(s.ctx))
	}
}

// Wait blocks until every task of the scope, including tasks of its child
// scopes, has finished. It returns the first failure, or the cancellation
// cause when the scope was cancelled, or nil.
func (s *Scope) Wait() error {
	var start time.Time
	if s.obs != nil {
		start = time.Now()
	}
	s.wg.Wait()
	if s.obs != nil {
		s.obs.ScopeJoined(s.ctx, time.Since(start))
	}
	return s.err()
}

func (s *Scope) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr != nil {
		return s.firstErr
	}
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return nil
}

func (s *Scope) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Child creates a scope nested in s. Its tasks are joined by s.Wait, it is
// cancelled with s, and under FailFast its failures travel on to s.
func (s *Scope) Child(policy Policy, optFns ...Option) *Scope {
	childOpts := s.opts
	childOpts.MaxConcurrency = 0
	childOpts.Timeout = 0
	childOpts.Name = ""
	childOpts.Handler = s.handler
	childOpts.Dispatcher = s.disp
	for _, fn := range optFns {
		fn(&childOpts)
	}
	cs := &Scope{policy: policy, parent: s, opts: childOpts, obs: childOpts.Observer,
		handler: childOpts.Handler, disp: childOpts.Dispatcher}
	cs.bind(s.ctx)
	if childOpts.MaxConcurrency > 0 {
		cs.lim = newSemaphoreLimiter(childOpts.MaxConcurrency)
	}
	if cs.obs != nil {
		cs.obs.ScopeCreated(cs.ctx)
	}
	return cs
}

func (s *Scope) track(t *Task) {
	for p := s; p != nil; p = p.parent {
		p.wg.Add(1)
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

func (s *Scope) untrack(t *Task) {
	s.mu.Lock()
	for i, x := range s.tasks {
		if x == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
	if len(s.tasks) == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()
	for p := s; p != nil; p = p.parent {
		p.wg.Done()
	}
}

// report handles a failure of a task launched into s (or of a child scope).
// origin and h belong to the task that failed.
func (s *Scope) report(origin context.Context, h Handler, err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()

	if s.policy == Supervisor {
		s.deliver(origin, h, err)
		return
	}
	s.Cancel(err)
	switch {
	case s.owner != nil, s.sync:
		// The owning task or the synchronous caller picks the failure up
		// once every child has finished.
	case s.parent != nil:
		s.parent.report(origin, h, err)
	default:
		s.mu.Lock()
		first := !s.delivered
		s.delivered = true
		s.mu.Unlock()
		if first {
			s.deliver(origin, h, err)
		}
	}
}

func (s *Scope) deliver(origin context.Context, h Handler, err error) {
	if h == nil {
		h = s.handler
	}
	if h != nil {
		h(origin, err)
		return
	}
	if f := s.opts.Fatal; f != nil {
		f(origin, err)
	}
}
