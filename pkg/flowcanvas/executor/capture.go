package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
)

// Labels of the text inputs read by a prompt node in capture mode.
const (
	LabelURL      = "url"
	LabelSelector = "selector"
	LabelDuration = "duration"
)

// captureParams reads capture parameters from the text inputs of nodeID.
func (e *Executor) captureParams(g flowcanvas.Graph, nodeID string) (capture.Params, error) {
	p := capture.Params{Duration: e.captureDuration}

	url, ok := flowcanvas.TextInputValue(nodeID, g.Nodes, g.Edges, LabelURL)
	if !ok {
		return p, fmt.Errorf("%w: no text input labeled %q", capture.ErrInvalidParams, LabelURL)
	}
	p.URL = url
	p.Selector, _ = flowcanvas.TextInputValue(nodeID, g.Nodes, g.Edges, LabelSelector)

	if raw, ok := flowcanvas.TextInputValue(nodeID, g.Nodes, g.Edges, LabelDuration); ok {
		d, err := parseDuration(raw)
		if err != nil {
			return p, fmt.Errorf("%w: duration %q: %v", capture.ErrInvalidParams, raw, err)
		}
		p.Duration = d
	}
	return p, nil
}

// parseDuration accepts a Go duration ("2.5s", "1500ms") or a bare number
// of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// runCapture delegates a capture-mode prompt node to the capture runner
// and writes the result to the node's targets.
//
// The record id lands on the node before the capture starts. The capture
// runs detached. When the node run ends early the node goes back to idle
// while the capture keeps going and can still be polled by its id.
func (e *Executor) runCapture(ctx context.Context, logger *slog.Logger, g flowcanvas.Graph, node flowcanvas.Node, seq uint64) (*Output, error) {
	elapsed := observability.TimedOperation()
	tg := partitionTargets(g, node.ID)
	observability.LogNodeRunStart(logger, 1)

	p, err := e.captureParams(g, node.ID)
	if err == nil && e.capture == nil {
		err = ErrCaptureUnavailable
	}
	var captureID string
	if err == nil {
		captureID, p, err = e.capture.Create(ctx, e.userID, p)
	}
	if err != nil {
		if reason, cancelled := e.cancellation(ctx, node.ID, seq, 0, 0, 1); cancelled {
			return nil, e.cancelled(logger, node.ID, seq, reason)
		}
		return e.captureFailed(logger, node.ID, captureID, err, elapsed())
	}

	if e.current(node.ID, seq) {
		_, _ = e.store.Apply(func(tx *flowcanvas.Tx) error {
			for _, t := range tg.capture {
				tx.UpdateNode(t.ID, func(d *flowcanvas.NodeData) { d.CaptureID = captureID })
			}
			tx.UpdateNode(node.ID, func(d *flowcanvas.NodeData) { d.CaptureID = captureID })
			return nil
		})
	}
	done := e.capture.Launch(ctx, captureID, p, e.captureSink)

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var outcome capture.Outcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		reason, _ := e.cancellation(ctx, node.ID, seq, 0, 0, 1)
		logger.Info("capture continues detached", observability.FieldCaptureID, captureID)
		return nil, e.cancelled(logger, node.ID, seq, reason)
	case <-timeout:
		logger.Info("capture continues detached", observability.FieldCaptureID, captureID)
		return nil, e.cancelled(logger, node.ID, seq, ReasonTimeout)
	}

	res, err := outcome.Result, outcome.Err
	if err == nil && res == nil {
		err = errors.New("capture returned no result")
	}
	if err != nil {
		if !e.current(node.ID, seq) {
			return nil, e.cancelled(logger, node.ID, seq, ReasonSuperseded)
		}
		return e.captureFailed(logger, node.ID, captureID, err, elapsed())
	}

	var contextJSON string
	if res.AnimationContext != nil {
		if b, mErr := json.MarshalIndent(res.AnimationContext, "", "  "); mErr == nil {
			contextJSON = string(b)
		}
	}

	committed, _ := e.store.Apply(func(tx *flowcanvas.Tx) error {
		for _, t := range tg.images {
			tx.UpdateNode(t.ID, func(d *flowcanvas.NodeData) { d.ImageURL = res.AssetURL })
		}
		if tg.code != nil && contextJSON != "" {
			tx.UpdateNode(tg.code.ID, func(d *flowcanvas.NodeData) {
				d.Content = contextJSON
				d.Language = "json"
			})
		}
		for _, t := range tg.capture {
			tx.UpdateNode(t.ID, func(d *flowcanvas.NodeData) { d.CaptureID = captureID })
		}
		tx.UpdateNode(node.ID, func(d *flowcanvas.NodeData) {
			d.Status = flowcanvas.StatusComplete
			d.Error = ""
			d.CaptureID = captureID
		})
		return nil
	})

	observability.LogNodeRunComplete(logger, elapsed(), 1)
	return &Output{
		NodeID:    node.ID,
		Status:    flowcanvas.StatusComplete,
		ImageURL:  res.AssetURL,
		Text:      contextJSON,
		CaptureID: captureID,
		Succeeded: 1,
		Total:     1,
		Version:   committed.Version,
	}, nil
}

// captureFailed marks the node error, keeping the capture id if one was
// assigned.
func (e *Executor) captureFailed(logger *slog.Logger, nodeID, captureID string, err error, durationMs float64) (*Output, error) {
	committed, _ := e.store.Apply(func(tx *flowcanvas.Tx) error {
		tx.UpdateNode(nodeID, func(d *flowcanvas.NodeData) {
			d.Status = flowcanvas.StatusError
			d.Error = err.Error()
			if captureID != "" {
				d.CaptureID = captureID
			}
		})
		return nil
	})
	observability.LogNodeRunError(logger, err, durationMs)
	return &Output{
		NodeID:    nodeID,
		Status:    flowcanvas.StatusError,
		CaptureID: captureID,
		Total:     1,
		Version:   committed.Version,
	}, &NodeRunError{NodeID: nodeID, Err: err}
}
