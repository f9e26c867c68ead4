// Package observability holds the Prometheus metrics of the research
// pipeline. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "finresearch"

// Metrics groups the pipeline collectors.
type Metrics struct {
	// PipelineRuns counts finished requests. Labels: category, outcome.
	PipelineRuns *prometheus.CounterVec

	// PhaseDuration measures time spent per pipeline phase. Labels: phase.
	PhaseDuration *prometheus.HistogramVec

	// Retries counts pipeline restarts. Labels: reason.
	Retries *prometheus.CounterVec

	// SkepticVerdicts counts validation verdicts. Labels: verdict.
	SkepticVerdicts *prometheus.CounterVec

	// ToolCalls counts tool invocations. Labels: agent, tool, status.
	ToolCalls *prometheus.CounterVec

	// ActiveJobs is the number of requests in flight.
	ActiveJobs prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Completed research requests by category and outcome",
		}, []string{"category", "outcome"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each pipeline phase",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"phase"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Pipeline restarts by reason",
		}, []string{"reason"}),
		SkepticVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skeptic_verdicts_total",
			Help:      "Skeptic verdicts by outcome",
		}, []string{"verdict"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by agent, tool and status",
		}, []string{"agent", "tool", "status"}),
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Research requests currently running",
		}),
	}
}

func (m *Metrics) ObservePipeline(category, outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.SkepticVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveToolCall records one tool call; status is "ok" or "error".
func (m *Metrics) ObserveToolCall(agent, tool string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(agent, tool, status).Inc()
}

// TrackJob increments the active gauge and returns the matching decrement.
func (m *Metrics) TrackJob() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveJobs.Inc()
	return m.ActiveJobs.Dec
}
