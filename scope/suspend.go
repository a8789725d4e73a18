package scope

import (
	"context"
	"runtime"
	"time"
)

// Suspend runs wait as a suspension point: the current task gives its worker
// back while wait blocks and takes a worker again before Suspend returns.
// Outside a task it simply calls wait.
func Suspend(ctx context.Context, wait func() error) error {
	t := CurrentTask(ctx)
	if t == nil {
		return wait()
	}
	resume := t.suspend()
	defer resume()
	return wait()
}

// Delay pauses for d without holding a worker. It returns ctx.Err() if ctx
// is cancelled first.
func Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Suspend(ctx, func() error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Yield lets other tasks of the same dispatcher run.
func Yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Suspend(ctx, func() error {
		runtime.Gosched()
		return ctx.Err()
	})
}
