package scope

import (
	"context"
	"fmt"
	"runtime"
)

// Dispatcher decides which worker a task body runs on. Pooled dispatchers
// bound how many bodies run at once; their slots are named like threads.
type Dispatcher struct {
	name       string
	pool       *pool
	immediate  bool
	unconfined bool
}

type pool struct {
	name  string
	size  int
	slots chan int
}

func (p *pool) threadName(slot int) string {
	if p.size == 1 {
		return p.name
	}
	return fmt.Sprintf("%s-worker-%d", p.name, slot)
}

var (
	// Default is the CPU-bound pool.
	Default = NewDispatcher("DefaultDispatcher", max(2, runtime.NumCPU()))
	// IO is the pool for blocking work.
	IO = NewDispatcher("IODispatcher", max(64, runtime.NumCPU()))
	// Main is the single UI-affinity worker.
	Main = NewDispatcher("main", 1)
	// Unconfined starts a task on the caller's worker and, after the first
	// suspension, continues without holding any worker.
	Unconfined = &Dispatcher{name: "Unconfined", unconfined: true}
)

// NewDispatcher returns a dispatcher with size worker slots. A size of zero or
// less yields an unbounded dispatcher: every task gets its own goroutine and
// reports name as its thread.
func NewDispatcher(name string, size int) *Dispatcher {
	d := &Dispatcher{name: name}
	if size <= 0 {
		return d
	}
	p := &pool{name: name, size: size, slots: make(chan int, size)}
	for i := 1; i <= size; i++ {
		p.slots <- i
	}
	d.pool = p
	return d
}

// Immediate returns a view of d that runs a launched task in place, without
// a dispatch, when the launching code already runs on d.
func (d *Dispatcher) Immediate() *Dispatcher {
	if d.unconfined {
		return d
	}
	return &Dispatcher{name: d.name + ".immediate", pool: d.pool, immediate: true}
}

// Name reports the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

// Size reports the number of worker slots; zero means unbounded.
func (d *Dispatcher) Size() int {
	if d.pool == nil {
		return 0
	}
	return d.pool.size
}

// Available reports how many slots are free right now.
func (d *Dispatcher) Available() int {
	if d.pool == nil {
		return 0
	}
	return len(d.pool.slots)
}

func (d *Dispatcher) String() string { return d.name }

func (d *Dispatcher) sameWorkers(o *Dispatcher) bool {
	return d != nil && o != nil && d.pool != nil && d.pool == o.pool
}

// acquire blocks until a slot is free. It returns the slot and its thread name.
func (d *Dispatcher) acquire(ctx context.Context) (int, string, error) {
	if d.pool == nil {
		return 0, d.name, nil
	}
	select {
	case slot := <-d.pool.slots:
		return slot, d.pool.threadName(slot), nil
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}
}

func (d *Dispatcher) release(slot int) {
	if d.pool == nil || slot == 0 {
		return
	}
	d.pool.slots <- slot
}
