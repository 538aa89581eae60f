package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is a MetricsRecorder that registers collectors with a
// Prometheus registry. All metrics are namespaced "flowcanvas".
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry)
//	// expose registry through promhttp.HandlerFor
type PrometheusMetrics struct {
	nodeRuns          *prometheus.CounterVec
	nodeLatency       *prometheus.HistogramVec
	generationLatency *prometheus.HistogramVec
	generationErrors  *prometheus.CounterVec
	stepLatency       *prometheus.HistogramVec
	stepErrors        *prometheus.CounterVec
	captures          *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates and registers the collectors. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	// Generation calls run up to the provider maximum of several minutes.
	slowBuckets := []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000}

	return &PrometheusMetrics{
		nodeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcanvas",
			Name:      "node_runs_total",
			Help:      "Prompt node runs by outcome",
		}, []string{"outcome"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcanvas",
			Name:      "node_run_latency_ms",
			Help:      "Prompt node run duration in milliseconds",
			Buckets:   slowBuckets,
		}, []string{"outcome"}),
		generationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcanvas",
			Name:      "generation_latency_ms",
			Help:      "Generation provider call duration in milliseconds",
			Buckets:   slowBuckets,
		}, []string{"model"}),
		generationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcanvas",
			Name:      "generation_errors_total",
			Help:      "Failed generation provider calls",
		}, []string{"model"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcanvas",
			Name:      "capture_step_latency_ms",
			Help:      "Capture orchestrator step duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"step"}),
		stepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcanvas",
			Name:      "capture_step_errors_total",
			Help:      "Failed capture orchestrator steps",
		}, []string{"step"}),
		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcanvas",
			Name:      "captures_total",
			Help:      "Captures reaching a terminal status",
		}, []string{"status"}),
	}
}

// RecordNodeRun implements MetricsRecorder.
func (p *PrometheusMetrics) RecordNodeRun(_ context.Context, outcome string, d time.Duration) {
	p.nodeRuns.WithLabelValues(outcome).Inc()
	p.nodeLatency.WithLabelValues(outcome).Observe(ms(d))
}

// RecordGeneration implements MetricsRecorder.
func (p *PrometheusMetrics) RecordGeneration(_ context.Context, model string, d time.Duration, err error) {
	p.generationLatency.WithLabelValues(model).Observe(ms(d))
	if err != nil {
		p.generationErrors.WithLabelValues(model).Inc()
	}
}

// RecordCaptureStep implements MetricsRecorder.
func (p *PrometheusMetrics) RecordCaptureStep(_ context.Context, step string, d time.Duration, err error) {
	p.stepLatency.WithLabelValues(step).Observe(ms(d))
	if err != nil {
		p.stepErrors.WithLabelValues(step).Inc()
	}
}

// RecordCapture implements MetricsRecorder.
func (p *PrometheusMetrics) RecordCapture(_ context.Context, status string, _ time.Duration) {
	p.captures.WithLabelValues(status).Inc()
}
