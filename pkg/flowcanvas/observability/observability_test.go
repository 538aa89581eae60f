package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func jsonLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestLogHelpers_FieldNames(t *testing.T) {
	logger, buf := jsonLogger()

	LogPartialFailure(EnrichLogger(logger, "wf-1", "p1"), 1, 3, errors.New("quota"))
	entry := lastLine(t, buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "p1", entry[FieldNodeID])
	assert.Equal(t, float64(1), entry[FieldSucceeded])
	assert.Equal(t, float64(3), entry[FieldTotal])
	assert.Equal(t, "quota", entry[FieldError])

	LogCompensationError(CaptureLogger(logger, "cap-1"), "release_session", errors.New("gone"))
	entry = lastLine(t, buf)
	assert.Equal(t, "cap-1", entry[FieldCaptureID])
	assert.Equal(t, "release_session", entry[FieldStep])

	LogNodeRunCancelled(logger, "timeout")
	entry = lastLine(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "timeout", entry["reason"])
}

func TestLogHelpers_IDsAppearOnce(t *testing.T) {
	logger, buf := jsonLogger()

	node := EnrichLogger(logger, "wf-1", "p1")
	LogNodeRunStart(node, 2)
	LogNodeRunComplete(node, 12.5, 2)
	LogPartialFailure(node, 1, 2, errors.New("quota"))
	LogNodeRunError(node, errors.New("down"), 3)
	LogNodeRunCancelled(node, "cancelled")

	capture := CaptureLogger(logger, "cap-1")
	LogCaptureStep(capture, "navigate", 40)
	LogCaptureFailed(capture, "capture_page", errors.New("crashed"))
	LogCompensationError(capture, "release_session", errors.New("gone"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 8)
	for i, line := range lines {
		key := `"` + FieldNodeID + `"`
		if i >= 5 {
			key = `"` + FieldCaptureID + `"`
		}
		assert.Equal(t, 1, bytes.Count(line, []byte(key)), "line %d: %s", i, line)
	}
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogNodeRunStart(nil, 1)
		LogNodeRunError(nil, errors.New("x"), 1)
		LogCaptureFailed(nil, "navigate", nil)
		assert.Nil(t, EnrichLogger(nil, "wf", "p"))
		assert.Nil(t, CaptureLogger(nil, "c"))
	})
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := jsonLogger()
	EnrichLogger(logger, "wf-1", "p1").Info("hello")

	entry := lastLine(t, buf)
	assert.Equal(t, "wf-1", entry[FieldWorkflowID])
	assert.Equal(t, "p1", entry[FieldNodeID])
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestOtelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewMeterRecorder(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordNodeRun(ctx, OutcomePartial, 20*time.Millisecond)
	m.RecordGeneration(ctx, "gemini-2.5-flash", time.Second, nil)
	m.RecordGeneration(ctx, "gemini-2.5-flash", time.Second, errors.New("boom"))
	m.RecordCaptureStep(ctx, "navigate", time.Second, errors.New("boom"))
	m.RecordCapture(ctx, "failed", time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	runs := findMetric(&rm, "flowcanvas.node.runs")
	require.NotNil(t, runs)
	sum := runs.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	genErrs := findMetric(&rm, "flowcanvas.generation.errors")
	require.NotNil(t, genErrs)
	assert.Equal(t, int64(1), genErrs.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	calls := findMetric(&rm, "flowcanvas.generation.calls")
	require.NotNil(t, calls)
	assert.Equal(t, int64(2), calls.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	assert.NotNil(t, findMetric(&rm, "flowcanvas.capture.step.errors"))
	assert.NotNil(t, findMetric(&rm, "flowcanvas.capture.finished"))
}

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)
	ctx := context.Background()

	m.RecordNodeRun(ctx, OutcomeComplete, time.Second)
	m.RecordNodeRun(ctx, OutcomeComplete, time.Second)
	m.RecordNodeRun(ctx, OutcomeError, time.Second)
	m.RecordGeneration(ctx, "claude-sonnet-4", time.Second, errors.New("x"))
	m.RecordCapture(ctx, "completed", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.nodeRuns.WithLabelValues(OutcomeComplete)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.nodeRuns.WithLabelValues(OutcomeError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.generationErrors.WithLabelValues("claude-sonnet-4")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.captures.WithLabelValues("completed")))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMulti(t *testing.T) {
	a := NewPrometheusMetrics(prometheus.NewRegistry())
	b := NewPrometheusMetrics(prometheus.NewRegistry())

	Multi(a, b, NoopMetrics{}).RecordCapture(context.Background(), "failed", time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.captures.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.captures.WithLabelValues("failed")))
}

func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sm := NewSpanManagerWithProvider(tp)

	ctx, capture := sm.StartCaptureSpan(context.Background(), "cap-1")
	_, step := sm.StartStepSpan(ctx, "navigate")
	sm.AddSpanEvent(ctx, "progress")
	sm.EndSpanWithError(step, errors.New("timeout"))
	sm.EndSpanWithError(capture, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "flowcanvas.step.navigate", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())

	assert.Equal(t, "flowcanvas.capture", spans[1].Name)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "progress", spans[1].Events[0].Name)
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartNodeSpan(ctx, "wf", "p")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() { sm.EndSpanWithError(span, errors.New("x")) })
}
