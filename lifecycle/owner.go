// Package lifecycle hosts root scopes the way a UI component would: an Owner
// moves through lifecycle states, launches work tied to them and cancels all
// of it when it is destroyed. An unhandled failure in its scopes crashes the
// owner.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/NetPo4ki/scopelab/scope"
	"github.com/NetPo4ki/scopelab/stream"
)

// ErrDestroyed is the cancellation cause of an owner's scopes after Destroy,
// and the error of MoveTo on a destroyed owner.
var ErrDestroyed = errors.New("lifecycle: owner destroyed")

// State is a lifecycle state. States other than Destroyed are ordered.
type State int

const (
	Initialized State = iota
	Created
	Started
	Resumed
	Destroyed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Created:
		return "CREATED"
	case Started:
		return "STARTED"
	case Resumed:
		return "RESUMED"
	case Destroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AtLeast reports whether s has reached t. A destroyed owner is at no state.
func (s State) AtLeast(t State) bool { return s != Destroyed && s >= t }

// CrashHandler is told about the failure that crashed an owner.
type CrashHandler func(ctx context.Context, owner string, err error)

type options struct {
	disp     *scope.Dispatcher
	mainDisp *scope.Dispatcher
	crash    CrashHandler
	observer scope.Observer
}

type Option func(*options)

// WithDispatcher sets the dispatcher of the owner's main scope.
func WithDispatcher(d *scope.Dispatcher) Option { return func(o *options) { o.disp = d } }

// WithMainThread replaces scope.Main as the owner's UI worker.
func WithMainThread(d *scope.Dispatcher) Option { return func(o *options) { o.mainDisp = d } }

// WithCrashHandler observes unhandled failures.
func WithCrashHandler(h CrashHandler) Option { return func(o *options) { o.crash = h } }

// WithObserver attaches a scope observer to every scope of the owner.
func WithObserver(obs scope.Observer) Option { return func(o *options) { o.observer = obs } }

// Owner is a lifecycle host. Its main scope is a FailFast root, so the first
// unhandled failure cancels everything in it. The lifecycle scope is a
// Supervisor on the immediate main dispatcher.
type Owner struct {
	name  string
	opts  options
	main  *scope.Scope
	state *stream.State[State]

	mu        sync.Mutex
	life      *scope.Scope
	scopes    []*scope.Scope
	destroyed bool
	crashed   error
	onDestroy []func()
}

// New returns an owner in the Initialized state whose main scope runs on
// scope.Default unless WithDispatcher says otherwise.
func New(name string, opts ...Option) *Owner {
	return newOwner(name, scope.FailFast, false, opts)
}

// NewViewModel returns an owner whose main scope is a Supervisor on the
// immediate main dispatcher: one failing task does not cancel the others.
func NewViewModel(name string, opts ...Option) *Owner {
	return newOwner(name, scope.Supervisor, true, opts)
}

func newOwner(name string, policy scope.Policy, viewModel bool, opts []Option) *Owner {
	o := &Owner{name: name, state: stream.NewState(Initialized)}
	for _, fn := range opts {
		fn(&o.opts)
	}
	if o.opts.mainDisp == nil {
		o.opts.mainDisp = scope.Main
	}
	if o.opts.disp == nil {
		o.opts.disp = scope.Default
		if viewModel {
			o.opts.disp = o.opts.mainDisp.Immediate()
		}
	}
	o.main = scope.New(context.Background(), policy, o.scopeOptions(o.opts.disp)...)
	return o
}

func (o *Owner) scopeOptions(d *scope.Dispatcher) []scope.Option {
	opts := []scope.Option{
		scope.WithScopeDispatcher(d),
		scope.WithFatal(o.crash),
	}
	if o.opts.observer != nil {
		opts = append(opts, scope.WithObserver(o.opts.observer))
	}
	return opts
}

func (o *Owner) Name() string { return o.name }

// Scope returns the main scope.
func (o *Owner) Scope() *scope.Scope { return o.main }

// LifecycleScope returns the scope bound to the lifecycle, created on first use.
func (o *Owner) LifecycleScope() *scope.Scope {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.life == nil {
		o.life = scope.New(context.Background(), scope.Supervisor, o.scopeOptions(o.opts.mainDisp.Immediate())...)
		if o.destroyed {
			o.life.Cancel(ErrDestroyed)
		}
	}
	return o.life
}

// MainThread returns the owner's UI worker.
func (o *Owner) MainThread() *scope.Dispatcher { return o.opts.mainDisp }

// NewScope creates a further root scope tied to the owner: it shares the
// crash hook and observer, counts for Idle and is cancelled on teardown.
// Without a dispatcher option it runs on the main scope's dispatcher.
func (o *Owner) NewScope(policy scope.Policy, opts ...scope.Option) *scope.Scope {
	s := scope.New(context.Background(), policy, append(o.scopeOptions(o.opts.disp), opts...)...)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		s.Cancel(ErrDestroyed)
	}
	o.scopes = append(o.scopes, s)
	return s
}

func (o *Owner) State() State { return o.state.Value() }

// States exposes the lifecycle as a State stream.
func (o *Owner) States() *stream.State[State] { return o.state }

// MoveTo changes the lifecycle state. Moving to Destroyed is Destroy without
// waiting.
func (o *Owner) MoveTo(s State) error {
	if s == Destroyed {
		o.teardown(ErrDestroyed)
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	o.state.Set(s)
	return nil
}

// LaunchWhen launches fn in the lifecycle scope once the owner reaches at.
// The task is cancelled with the owner.
func (o *Owner) LaunchWhen(at State, fn scope.Func, opts ...scope.LaunchOption) *scope.Task {
	return o.LifecycleScope().Launch(func(ctx context.Context) error {
		reached := o.state.Stream().Filter(func(s State) bool { return s.AtLeast(at) || s == Destroyed })
		s, err := reached.First(ctx)
		if err != nil {
			return err
		}
		if s == Destroyed {
			return nil
		}
		return fn(ctx)
	}, opts...)
}

// OnDestroy registers fn to run when the owner is destroyed, before its
// scopes are cancelled.
func (o *Owner) OnDestroy(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onDestroy = append(o.onDestroy, fn)
}

// Destroy cancels every task of the owner and waits until they have all
// finished or ctx is done. Tasks that ignore cancellation keep Destroy
// waiting.
func (o *Owner) Destroy(ctx context.Context) error {
	o.teardown(ErrDestroyed)
	return o.Idle(ctx)
}

func (o *Owner) teardown(cause error) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	hooks := o.onDestroy
	o.onDestroy = nil
	scopes := append([]*scope.Scope{o.main}, o.scopes...)
	if o.life != nil {
		scopes = append(scopes, o.life)
	}
	o.state.Set(Destroyed)
	o.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	for _, s := range scopes {
		s.Cancel(cause)
	}
}

// Idle waits until no task of the owner is running, or ctx is done.
func (o *Owner) Idle(ctx context.Context) error {
	for {
		busy := o.busyScope()
		if busy == nil {
			return nil
		}
		select {
		case <-busy.Idle():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// busyScope returns a scope of the owner that still has tasks, or nil.
func (o *Owner) busyScope() *scope.Scope {
	o.mu.Lock()
	scopes := append([]*scope.Scope{o.main}, o.scopes...)
	if o.life != nil {
		scopes = append(scopes, o.life)
	}
	o.mu.Unlock()
	for _, s := range scopes {
		if len(s.Tasks()) > 0 {
			return s
		}
	}
	return nil
}

// Crashed returns the failure that crashed the owner, or nil.
func (o *Owner) Crashed() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.crashed
}

// crash is the fatal hook of the owner's scopes. The first unhandled failure
// crashes the owner: it is recorded, reported and every scope is torn down.
func (o *Owner) crash(ctx context.Context, err error) {
	o.mu.Lock()
	first := o.crashed == nil
	if first {
		o.crashed = err
	}
	o.mu.Unlock()
	if !first {
		return
	}
	if h := o.opts.crash; h != nil {
		h(ctx, o.name, err)
	}
	o.teardown(fmt.Errorf("lifecycle: %s crashed: %w", o.name, err))
}
