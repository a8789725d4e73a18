// Package prom is a scope.Observer that records scope and task activity as
// Prometheus metrics.
package prom

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NetPo4ki/scopelab/scope"
)

const namespace = "scopelab"

// Metrics implements scope.Observer. Task series are labelled with the
// dispatcher the task runs on.
type Metrics struct {
	ActiveTasks   *prometheus.GaugeVec
	TasksStarted  *prometheus.CounterVec
	TasksFinished *prometheus.CounterVec
	TasksPanicked prometheus.Counter
	TaskDuration  *prometheus.HistogramVec

	ScopesCreated   prometheus.Counter
	ScopesCancelled prometheus.Counter
	JoinWait        prometheus.Histogram
}

// New registers the metrics with the default registerer.
func New() *Metrics { return NewWithRegistry(prometheus.DefaultRegisterer) }

// NewWithRegistry registers the metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	buckets := []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5}
	return &Metrics{
		ActiveTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of task bodies currently running",
		}, []string{"dispatcher"}),
		TasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of task bodies started",
		}, []string{"dispatcher"}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of finished tasks by outcome",
		}, []string{"dispatcher", "outcome"}),
		TasksPanicked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_panicked_total",
			Help:      "Total number of task bodies that panicked",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time including the wait for children",
			Buckets:   buckets,
		}, []string{"dispatcher"}),
		ScopesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scopes_created_total",
			Help:      "Total number of scopes created",
		}),
		ScopesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scopes_cancelled_total",
			Help:      "Total number of scopes cancelled",
		}),
		JoinWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scope_join_wait_seconds",
			Help:      "Time spent in Scope.Wait",
			Buckets:   buckets,
		}),
	}
}

func (m *Metrics) ScopeCreated(context.Context) { m.ScopesCreated.Inc() }

func (m *Metrics) ScopeCancelled(context.Context, error) { m.ScopesCancelled.Inc() }

func (m *Metrics) ScopeJoined(_ context.Context, wait time.Duration) {
	m.JoinWait.Observe(wait.Seconds())
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	d := dispatcher(ctx)
	m.ActiveTasks.WithLabelValues(d).Inc()
	m.TasksStarted.WithLabelValues(d).Inc()
}

func (m *Metrics) TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool) {
	d := dispatcher(ctx)
	m.ActiveTasks.WithLabelValues(d).Dec()
	m.TasksFinished.WithLabelValues(d, Outcome(ctx, err)).Inc()
	m.TaskDuration.WithLabelValues(d).Observe(dur.Seconds())
	if panicked {
		m.TasksPanicked.Inc()
	}
}

// Outcome names how a task ended: completed, failed or cancelled.
func Outcome(ctx context.Context, err error) string {
	switch {
	case err != nil:
		return "failed"
	case ctx.Err() != nil:
		return "cancelled"
	default:
		return "completed"
	}
}

func dispatcher(ctx context.Context) string {
	if t := scope.CurrentTask(ctx); t != nil {
		return t.Dispatcher().Name()
	}
	return "none"
}

// Sample is one gathered series value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Gather flattens the counters and gauges of g into samples sorted by name.
// Histograms are reported by their sample count.
func Gather(g prometheus.Gatherer) ([]Sample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			s := Sample{Name: mf.GetName(), Labels: make(map[string]string)}
			for _, lp := range m.GetLabel() {
				s.Labels[lp.GetName()] = lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				s.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				s.Value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				s.Name += "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
