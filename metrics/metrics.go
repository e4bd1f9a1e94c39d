// Package metrics exposes Prometheus instrumentation for pipeline runs,
// stages, sandbox executions and event streams.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/sandbox"
)

const namespace = "vizagent"

// Run outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
)

// Metrics owns a registry and every collector registered on it.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	sandboxRuns   *prometheus.CounterVec
	sandboxTime   prometheus.Histogram
	events        *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// New returns Metrics registered on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome: complete, cancelled, or the failure kind.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Sandbox executions by result: success or the failure kind.",
		}, []string{"result"}),
		sandboxTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_seconds",
			Help:      "Wall time of sandbox executions.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline events emitted by kind.",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Event streams currently open.",
		}),
	}
	m.registry.MustRegister(
		m.runs, m.stageDuration, m.sandboxRuns, m.sandboxTime, m.events, m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StageTimer records stage durations; pass it to pipeline.WithStageTimer.
func (m *Metrics) StageTimer() pipeline.StageTimer {
	return func(stage string, elapsed time.Duration, outcome string) {
		m.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
	}
}

// ObserveSandbox records one execution; pass it to sandbox.WithObserver.
func (m *Metrics) ObserveSandbox(r *sandbox.Result) {
	result := "success"
	if k := r.FailureKind(); k != "" {
		result = string(k)
	}
	m.sandboxRuns.WithLabelValues(result).Inc()
	m.sandboxTime.Observe(r.Elapsed.Seconds())
}

// RunFinished records the outcome of a pipeline run.
func (m *Metrics) RunFinished(err error) {
	m.runs.WithLabelValues(RunOutcome(err)).Inc()
}

// RunOutcome labels a run result.
func RunOutcome(err error) string {
	var f *pipeline.Failure
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, pipeline.ErrCancelled):
		return OutcomeCancelled
	case errors.As(err, &f):
		return string(f.Kind)
	default:
		return string(pipeline.KindOf(err))
	}
}

// Observe counts an event. Metrics is a pipeline.Observer.
func (m *Metrics) Observe(e pipeline.Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()
}

// StreamOpened marks a stream as open and returns the func that closes it.
func (m *Metrics) StreamOpened() (closed func()) {
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}
