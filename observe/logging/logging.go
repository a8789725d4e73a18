// Package logging is a scope.Observer that writes scope and task events to a
// zap logger at debug level. Failures are logged at warn.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NetPo4ki/scopelab/scope"
)

type Observer struct {
	log *zap.Logger
}

// New returns an observer writing to log. A nil logger discards everything.
func New(log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{log: log}
}

func (o *Observer) ScopeCreated(ctx context.Context) {
	o.log.Debug("scope created", scopeFields(ctx)...)
}

func (o *Observer) ScopeCancelled(ctx context.Context, cause error) {
	o.log.Debug("scope cancelled", append(scopeFields(ctx), zap.NamedError("cause", cause))...)
}

func (o *Observer) ScopeJoined(ctx context.Context, wait time.Duration) {
	o.log.Debug("scope joined", append(scopeFields(ctx), zap.Duration("wait", wait))...)
}

func (o *Observer) TaskStarted(ctx context.Context) {
	o.log.Debug("task started", taskFields(ctx)...)
}

func (o *Observer) TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool) {
	fields := append(taskFields(ctx), zap.Duration("duration", dur))
	switch {
	case err != nil:
		o.log.Warn("task failed", append(fields, zap.Error(err), zap.Bool("panicked", panicked))...)
	case ctx.Err() != nil:
		o.log.Debug("task cancelled", append(fields, zap.NamedError("cause", context.Cause(ctx)))...)
	default:
		o.log.Debug("task completed", fields...)
	}
}

func scopeFields(ctx context.Context) []zap.Field {
	s := scope.From(ctx)
	if s == nil {
		return nil
	}
	return []zap.Field{zap.String("scope", s.Name()), zap.Stringer("policy", s.Policy())}
}

func taskFields(ctx context.Context) []zap.Field {
	t := scope.CurrentTask(ctx)
	if t == nil {
		return nil
	}
	return []zap.Field{
		zap.String("task", t.Name()),
		zap.Stringer("id", t.ID()),
		zap.String("dispatcher", t.Dispatcher().Name()),
		zap.String("thread", t.Thread()),
	}
}
