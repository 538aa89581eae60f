package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/executor"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/workflowstore"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string             `json:"error"`
	Report *flowcanvas.Report `json:"report,omitempty"`
	Cycle  []string           `json:"cycle,omitempty"`
	Rule   string             `json:"rule,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// statusFor maps an error to a response status and body.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var (
		fe    *fiber.Error
		ve    *flowcanvas.ValidationError
		ce    *flowcanvas.ConnectionError
		cycle *flowcanvas.CycleError
		cerr  *executor.CancelledError
		rerr  *executor.NodeRunError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code, errorBody{Error: fe.Message}
	case errors.As(err, &cerr):
		body.Reason = cerr.Reason
		return fiber.StatusConflict, body
	case errors.As(err, &ve):
		body.Report = &ve.Report
		return fiber.StatusUnprocessableEntity, body
	case errors.As(err, &ce):
		body.Rule = string(ce.Rule)
		return fiber.StatusUnprocessableEntity, body
	case errors.As(err, &cycle):
		body.Cycle = cycle.Path
		return fiber.StatusUnprocessableEntity, body
	case errors.Is(err, flowcanvas.ErrDanglingEdge), errors.Is(err, flowcanvas.ErrDuplicateNode):
		return fiber.StatusUnprocessableEntity, body
	case errors.Is(err, workflowstore.ErrNotFound),
		errors.Is(err, capture.ErrNotFound),
		errors.Is(err, flowcanvas.ErrNodeNotFound):
		return fiber.StatusNotFound, body
	case errors.Is(err, workflowstore.ErrMissingID),
		errors.Is(err, capture.ErrInvalidParams),
		errors.Is(err, executor.ErrNotPrompt),
		errors.Is(err, executor.ErrNoPrompt):
		return fiber.StatusBadRequest, body
	case errors.Is(err, capture.ErrStateConflict):
		return fiber.StatusConflict, body
	case errors.Is(err, executor.ErrCaptureUnavailable):
		return fiber.StatusNotImplemented, body
	case flowerrors.IsRateLimited(err):
		return fiber.StatusTooManyRequests, body
	case errors.As(err, &rerr):
		return fiber.StatusBadGateway, body
	}
	return fiber.StatusInternalServerError, body
}

// handleError is the app's error handler. Rate-limit errors carry their
// limit fields as headers.
func (s *Server) handleError(c fiber.Ctx, err error) error {
	code, body := statusFor(err)
	if rl, ok := flowerrors.AsRateLimit(err); ok {
		for k, v := range rl.Headers() {
			c.Set(k, v)
		}
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"status", code,
			"error", err,
		)
	}
	return c.Status(code).JSON(body)
}
