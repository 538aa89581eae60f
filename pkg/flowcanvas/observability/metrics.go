package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Node run outcomes used as metric labels.
const (
	OutcomeComplete  = "complete"
	OutcomePartial   = "partial"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder for OTel, NewPrometheusMetrics for a scrape
// endpoint, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeRun records a prompt node run and its outcome.
	RecordNodeRun(ctx context.Context, outcome string, duration time.Duration)

	// RecordGeneration records one call to a generation provider.
	RecordGeneration(ctx context.Context, model string, duration time.Duration, err error)

	// RecordCaptureStep records one orchestrator step.
	RecordCaptureStep(ctx context.Context, step string, duration time.Duration, err error)

	// RecordCapture records a capture reaching a terminal status.
	RecordCapture(ctx context.Context, status string, duration time.Duration)
}

type otelMetrics struct {
	nodeRuns          metric.Int64Counter
	nodeLatency       metric.Float64Histogram
	generations       metric.Int64Counter
	generationErrors  metric.Int64Counter
	generationLatency metric.Float64Histogram
	stepLatency       metric.Float64Histogram
	stepErrors        metric.Int64Counter
	captures          metric.Int64Counter
	captureLatency    metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("flowcanvas"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.nodeRuns, err = meter.Int64Counter("flowcanvas.node.runs",
		metric.WithDescription("Number of prompt node runs by outcome"),
	); err != nil {
		return nil, err
	}
	if m.nodeLatency, err = meter.Float64Histogram("flowcanvas.node.latency_ms",
		metric.WithDescription("Prompt node run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.generations, err = meter.Int64Counter("flowcanvas.generation.calls",
		metric.WithDescription("Number of generation provider calls"),
	); err != nil {
		return nil, err
	}
	if m.generationErrors, err = meter.Int64Counter("flowcanvas.generation.errors",
		metric.WithDescription("Number of failed generation provider calls"),
	); err != nil {
		return nil, err
	}
	if m.generationLatency, err = meter.Float64Histogram("flowcanvas.generation.latency_ms",
		metric.WithDescription("Generation call latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("flowcanvas.capture.step.latency_ms",
		metric.WithDescription("Capture step latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stepErrors, err = meter.Int64Counter("flowcanvas.capture.step.errors",
		metric.WithDescription("Number of failed capture steps"),
	); err != nil {
		return nil, err
	}
	if m.captures, err = meter.Int64Counter("flowcanvas.capture.finished",
		metric.WithDescription("Number of captures reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.captureLatency, err = meter.Float64Histogram("flowcanvas.capture.latency_ms",
		metric.WithDescription("End-to-end capture latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. If initialization fails it returns NoopMetrics.
//
// Configure the provider first:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String(FieldError, err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMeterRecorder returns a MetricsRecorder using the given meter.
func NewMeterRecorder(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func (m *otelMetrics) RecordNodeRun(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.nodeRuns.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, ms(duration), attrs)
}

func (m *otelMetrics) RecordGeneration(ctx context.Context, model string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.generations.Add(ctx, 1, attrs)
	m.generationLatency.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.generationErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordCaptureStep(ctx context.Context, step string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("step", step))
	m.stepLatency.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordCapture(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.captures.Add(ctx, 1, attrs)
	m.captureLatency.Record(ctx, ms(duration), attrs)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Multi fans every recording out to each recorder.
func Multi(recorders ...MetricsRecorder) MetricsRecorder {
	return multiRecorder(recorders)
}

type multiRecorder []MetricsRecorder

func (m multiRecorder) RecordNodeRun(ctx context.Context, outcome string, d time.Duration) {
	for _, r := range m {
		r.RecordNodeRun(ctx, outcome, d)
	}
}

func (m multiRecorder) RecordGeneration(ctx context.Context, model string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordGeneration(ctx, model, d, err)
	}
}

func (m multiRecorder) RecordCaptureStep(ctx context.Context, step string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordCaptureStep(ctx, step, d, err)
	}
}

func (m multiRecorder) RecordCapture(ctx context.Context, status string, d time.Duration) {
	for _, r := range m {
		r.RecordCapture(ctx, status, d)
	}
}
