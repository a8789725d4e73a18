// Package errgroup offers the golang.org/x/sync/errgroup API on top of a
// FailFast scope, so code written against errgroup gets scope semantics:
// dispatchers, observers and the cancellation cause of the first failure.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/NetPo4ki/scopelab/scope"
)

// Group runs functions in a FailFast scope. Unlike x/sync/errgroup, Wait also
// reports the cancellation of the parent context.
type Group struct {
	s   *scope.Scope
	sem chan struct{}
	// releases tracks the goroutines that hand limit tokens back.
	releases sync.WaitGroup

	errOnce sync.Once
	err     error
}

// errWaitDone cancels the group context once Wait returns.
var errWaitDone = fmt.Errorf("errgroup: Wait returned: %w", context.Canceled)

// Functions run on their own goroutines unless an option picks a dispatcher.
var unbounded = scope.NewDispatcher("errgroup", 0)

// WithContext creates a Group bound to ctx. The returned context is cancelled
// when any function passed to Go fails, with that failure as its cause.
func WithContext(ctx context.Context, opts ...scope.Option) (*Group, context.Context) {
	base := []scope.Option{scope.WithHandler(ignore), scope.WithScopeDispatcher(unbounded)}
	s := scope.New(ctx, scope.FailFast, append(base, opts...)...)
	return &Group{s: s}, s.Context()
}

// The group reports failures through Wait.
func ignore(context.Context, error) {}

// SetLimit limits the number of functions running at once. A negative n
// removes the limit. It panics when called while functions are running.
func (g *Group) SetLimit(n int) {
	if n < 0 {
		g.sem = nil
		return
	}
	if len(g.sem) != 0 {
		panic(fmt.Errorf("errgroup: modify limit while %v goroutines in the group are still active", len(g.sem)))
	}
	g.sem = make(chan struct{}, n)
}

// Go runs f in the group, blocking while the limit is reached.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	if g.sem != nil {
		g.sem <- struct{}{}
	}
	g.launch(f)
}

// TryGo runs f only when the limit allows it right away.
func (g *Group) TryGo(f func() error) bool {
	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
		default:
			return false
		}
	}
	if f != nil {
		g.launch(f)
	} else if g.sem != nil {
		<-g.sem
	}
	return true
}

// launch starts f. The limit token is returned once the task is done, which
// also covers tasks skipped because the group was already cancelled.
func (g *Group) launch(f func() error) {
	t := g.s.Launch(func(ctx context.Context) error {
		err := f()
		if err == nil {
			return nil
		}
		live := ctx.Err() == nil
		g.errOnce.Do(func() { g.err = err })
		if live && scope.IsCancellation(err) {
			// A function may return a context error of its own while the
			// group is live; the scope would read it as cancellation.
			g.s.Cancel(err)
		}
		return err
	})
	if sem := g.sem; sem != nil {
		g.releases.Add(1)
		go func() {
			defer g.releases.Done()
			<-t.Done()
			<-sem
		}()
	}
}

// Wait blocks until every function has returned and returns the first error
// a function returned, or else the cancellation cause of the parent. The
// group context is cancelled when Wait returns.
func (g *Group) Wait() error {
	err := g.s.Wait()
	g.releases.Wait()
	if errors.Is(err, errWaitDone) {
		err = nil
	}
	if g.err != nil {
		err = g.err
	}
	g.s.Cancel(errWaitDone)
	return err
}

// Scope returns the scope the group runs in.
func (g *Group) Scope() *scope.Scope { return g.s }
