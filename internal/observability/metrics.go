package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics holds the collectors shared by the fnbay binaries. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	StageExecutions    *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	Invocations        *prometheus.CounterVec
	InvocationDuration prometheus.Histogram
	SinkCaptures       *prometheus.CounterVec
	InvocationsPurged  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbay_pipeline_stage_executions_total",
			Help: "Pipeline stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fnbay_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stage handlers.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbay_invocations_total",
			Help: "Function invocations by outcome type and error code.",
		}, []string{"type", "code"}),
		InvocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fnbay_invocation_duration_seconds",
			Help:    "Wall time of provider invocations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SinkCaptures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnbay_sink_captures_total",
			Help: "Errors captured by the observability sink.",
		}, []string{"source"}),
		InvocationsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnbay_invocations_purged_total",
			Help: "Invocation records removed by retention.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StageExecutions, m.StageDuration, m.Invocations, m.InvocationDuration, m.SinkCaptures, m.InvocationsPurged)
	}
	return m
}

func (m *Metrics) ObserveStage(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StageExecutions.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) ObserveInvocation(typ, code string, seconds float64) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(typ, code).Inc()
	m.InvocationDuration.Observe(seconds)
}

func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvocationsPurged.Add(float64(n))
}
