package scope

import (
	"context"
	"errors"
	"fmt"
)

// CancelledError reports that a task ended because it was cancelled.
// It matches context.Canceled and unwraps to the cancellation cause.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil || errors.Is(e.Cause, context.Canceled) {
		return "task cancelled"
	}
	return "task cancelled: " + e.Cause.Error()
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == context.Canceled }

// PanicError carries a value recovered from a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// IsCancellation reports whether err signals cancellation rather than failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errTaskDone releases a finished task's context.
var errTaskDone = errors.New("scope: task finished")
