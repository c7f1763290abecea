package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus metric vectors the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	StepAttempts *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	ActiveRuns   prometheus.Gauge
}

// NewMetrics creates engine metrics on their own Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "runs_total",
			Help:      "Total number of finished runs by outcome",
		}, []string{"outcome"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "step_attempts_total",
			Help:      "Total step execution attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowforge",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowforge",
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.StepAttempts, m.StepDuration, m.ActiveRuns)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeStep(kind string, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(kind, outcome).Inc()
	m.StepDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (m *Metrics) runFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// runStarted and runStopped bracket one Execute invocation, so ActiveRuns
// stays balanced across pause, resume and cancel.
func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) runStopped() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}
