// Package lessons is the catalog of runnable demonstrations. Each lesson is
// a button click on a host activity: it runs on the host's main thread,
// launches work and returns. The runner then lets the work settle and
// destroys the host.
package lessons

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/NetPo4ki/scopelab/internal/config"
	"github.com/NetPo4ki/scopelab/internal/logsink"
	"github.com/NetPo4ki/scopelab/scope"
)

var ErrUnknownLesson = errors.New("lessons: unknown lesson")

// Click is the body of a lesson. ctx belongs to a task on the host's main
// thread.
type Click func(ctx context.Context, h *Host) error

type Lesson struct {
	Name    string `yaml:"name"`
	Group   string `yaml:"group"`
	Summary string `yaml:"summary"`
	Click   Click  `yaml:"-"`
}

const (
	GroupBasics   = "basics"
	GroupContext  = "context"
	GroupFailures = "failures"
	GroupChannels = "channels"
	GroupStreams  = "streams"
	GroupHot      = "hot"
	GroupHosts    = "hosts"
)

var catalog = map[string]Lesson{}

func register(ls ...Lesson) {
	for _, l := range ls {
		if _, dup := catalog[l.Name]; dup {
			panic("lessons: duplicate lesson " + l.Name)
		}
		catalog[l.Name] = l
	}
}

// All returns every lesson, ordered by group and name. An empty group
// matches every lesson.
func All(group string) []Lesson {
	out := make([]Lesson, 0, len(catalog))
	for _, l := range catalog {
		if group == "" || l.Group == group {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return groupRank(out[i].Group) < groupRank(out[j].Group)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func groupRank(g string) int {
	for i, name := range Groups() {
		if name == g {
			return i
		}
	}
	return len(catalog)
}

// Groups lists the lesson groups in presentation order.
func Groups() []string {
	return []string{GroupBasics, GroupContext, GroupFailures, GroupChannels, GroupStreams, GroupHot, GroupHosts}
}

func Lookup(name string) (Lesson, error) {
	l, ok := catalog[name]
	if !ok {
		return Lesson{}, fmt.Errorf("%w: %q", ErrUnknownLesson, name)
	}
	return l, nil
}

// Report describes one finished lesson run.
type Report struct {
	Lesson   string
	Duration time.Duration
	// Settled is false when the lesson was still running at the settle
	// deadline and had to be torn down.
	Settled bool
	// Crashed is the unhandled failure that crashed the host, if any.
	Crashed error
}

type Runner struct {
	cfg config.Config
	log *logsink.Logger
	obs scope.Observer
}

// NewRunner returns a runner. obs may be nil.
func NewRunner(cfg config.Config, log *zap.Logger, obs scope.Observer) *Runner {
	return &Runner{cfg: cfg, log: logsink.New(log), obs: obs}
}

func (r *Runner) dispatchers() (def, io *scope.Dispatcher) {
	def, io = scope.Default, scope.IO
	if n := r.cfg.Dispatchers.Default; n > 0 {
		def = scope.NewDispatcher("DefaultDispatcher", n)
	}
	if n := r.cfg.Dispatchers.IO; n > 0 {
		io = scope.NewDispatcher("IODispatcher", n)
	}
	return def, io
}

// Run runs the named lesson on a fresh host.
func (r *Runner) Run(ctx context.Context, name string) (Report, error) {
	l, err := Lookup(name)
	if err != nil {
		return Report{}, err
	}
	start := time.Now()
	h := r.newHost(l)
	if err := h.create(ctx); err != nil {
		return Report{}, err
	}
	clickErr := scope.On(ctx, h.main, func(ctx context.Context) error { return l.Click(ctx, h) })

	settle, cancel := context.WithTimeout(ctx, r.cfg.Settle)
	defer cancel()
	settled := h.idle(settle) == nil

	if err := h.destroy(ctx); err != nil {
		return Report{}, err
	}
	rep := Report{Lesson: l.Name, Duration: time.Since(start), Settled: settled, Crashed: h.activity.Crashed()}
	if clickErr != nil {
		return rep, fmt.Errorf("lessons: %s: %w", l.Name, clickErr)
	}
	return rep, nil
}

// RunAll runs every lesson of group one after the other.
func (r *Runner) RunAll(ctx context.Context, group string) ([]Report, error) {
	var reports []Report
	for _, l := range All(group) {
		rep, err := r.Run(ctx, l.Name)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
