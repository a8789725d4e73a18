// Package scope provides structured-concurrency primitives for Go.
// Scopes own the tasks they spawn, provide a join point (Wait), and
// propagate cancellation and errors predictably according to a policy.
//
// A Task runs on a Dispatcher, a named pool of worker slots. While its body
// runs the task occupies one slot; suspension points (Delay, Yield, Join,
// Await, channel operations, Suspend) give the slot back and take one again
// before returning. Blocking calls such as time.Sleep keep the slot.
//
// Cancellation is cooperative. Cancelling a task only marks it; the body
// stops when it observes the signal through IsActive, EnsureActive or a
// suspension point. A body that never checks keeps running to the end and
// merely ends up in the Cancelled state.
package scope
