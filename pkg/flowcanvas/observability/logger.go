// Package observability provides structured logging helpers, metrics and
// tracing for node runs and capture orchestration.
//
// Features:
//   - Structured logging via slog with fixed field names
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// Every feature has a no-op implementation for when it is disabled.
package observability

import (
	"log/slog"
	"time"
)

// Field names shared by every log line.
const (
	FieldWorkflowID = "workflow_id"
	FieldNodeID     = "node_id"
	FieldCaptureID  = "capture_id"
	FieldStep       = "step"
	FieldDurationMs = "duration_ms"
	FieldSucceeded  = "succeeded"
	FieldTotal      = "total"
	FieldError      = "error"
)

// EnrichLogger adds workflow and node context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "wf-123", "prompt-1")
//	enriched.Info("gathering inputs") // includes workflow_id, node_id
func EnrichLogger(logger *slog.Logger, workflowID, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String(FieldWorkflowID, workflowID),
		slog.String(FieldNodeID, nodeID),
	)
}

// CaptureLogger adds capture context to a logger.
func CaptureLogger(logger *slog.Logger, captureID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String(FieldCaptureID, captureID))
}

// The node run helpers below expect a logger from EnrichLogger and the
// capture helpers one from CaptureLogger; neither repeats the id.

// LogNodeRunStart logs the start of a prompt node run.
func LogNodeRunStart(logger *slog.Logger, outputs int) {
	if logger == nil {
		return
	}
	logger.Info("node run starting", slog.Int("outputs", outputs))
}

// LogNodeRunComplete logs a node run where every output was generated.
func LogNodeRunComplete(logger *slog.Logger, durationMs float64, outputs int) {
	if logger == nil {
		return
	}
	logger.Info("node run completed",
		slog.Float64(FieldDurationMs, durationMs),
		slog.Int(FieldTotal, outputs),
	)
}

// LogPartialFailure logs a node run where some outputs failed.
func LogPartialFailure(logger *slog.Logger, succeeded, total int, firstErr error) {
	if logger == nil {
		return
	}
	logger.Warn("node run partially failed",
		slog.Int(FieldSucceeded, succeeded),
		slog.Int(FieldTotal, total),
		slog.String(FieldError, errString(firstErr)),
	)
}

// LogNodeRunError logs a node run where every output failed.
func LogNodeRunError(logger *slog.Logger, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("node run failed",
		slog.String(FieldError, errString(err)),
		slog.Float64(FieldDurationMs, durationMs),
	)
}

// LogNodeRunCancelled logs a cancelled or timed-out node run. Cancellation
// is not a failure, so it logs at Info.
func LogNodeRunCancelled(logger *slog.Logger, reason string) {
	if logger == nil {
		return
	}
	logger.Info("node run cancelled", slog.String("reason", reason))
}

// LogCaptureStep logs a completed capture step.
func LogCaptureStep(logger *slog.Logger, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("capture step completed",
		slog.String(FieldStep, step),
		slog.Float64(FieldDurationMs, durationMs),
	)
}

// LogCaptureFailed logs a capture that rolled back.
func LogCaptureFailed(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Error("capture failed",
		slog.String(FieldStep, step),
		slog.String(FieldError, errString(err)),
	)
}

// LogCompensationError logs a compensation that failed. The failure is
// never escalated; the remaining compensations still run.
func LogCompensationError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("compensation failed",
		slog.String(FieldStep, step),
		slog.String(FieldError, errString(err)),
	)
}

// TimedOperation measures the duration of an operation.
// The returned function reports the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
