package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
)

// captureRequest is the body of POST /captures. Duration is in seconds.
type captureRequest struct {
	URL      string  `json:"url"`
	Selector string  `json:"selector,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

func (r captureRequest) params() capture.Params {
	return capture.Params{
		URL:      r.URL,
		Selector: r.Selector,
		Duration: time.Duration(r.Duration * float64(time.Second)),
	}
}

// createCapture creates a capture and streams its events as SSE. The
// capture runs detached: it continues if the client disconnects, and its
// record can be polled at GET /captures/:id.
func (s *Server) createCapture(c fiber.Ctx) error {
	var req captureRequest
	if err := c.Bind().JSON(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	id, p, err := s.captures.Create(c.Context(), userID(c), req.params())
	if err != nil {
		return err
	}

	// Subscribe before launching so the first events are not missed.
	sub := s.bus.Subscribe(id)
	s.captures.Launch(context.WithoutCancel(c.Context()), id, p, event.BusSink(s.bus, id))

	c.Set("X-Capture-ID", id)
	return s.stream(c, id, sub)
}

func (s *Server) getCapture(c fiber.Ctx) error {
	rec, err := s.captures.Store().Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) listCaptures(c fiber.Ctx) error {
	limit := fiber.Query[int](c, "limit", 50)
	recs, err := s.captures.Store().ListByUser(c.Context(), userID(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(recs)
}

// captureEvents re-attaches to a capture's event stream. A capture that
// already finished yields a single terminal event built from its record.
func (s *Server) captureEvents(c fiber.Ctx) error {
	id := c.Params("id")
	sub := s.bus.Subscribe(id)
	rec, err := s.captures.Store().Get(c.Context(), id)
	if err != nil {
		sub.Unsubscribe()
		return err
	}
	if rec.Status.Terminal() {
		sub.Unsubscribe()
		evt := terminalEvent(rec)
		setSSEHeaders(c)
		return c.SendStreamWriter(func(w *bufio.Writer) {
			_ = writeEvent(w, evt)
			_ = w.Flush()
		})
	}
	return s.stream(c, id, sub)
}

// terminalEvent rebuilds the final event of a finished capture.
func terminalEvent(rec *capture.Record) event.Event {
	if rec.Status == capture.StatusCompleted && rec.Result != nil {
		return event.New(rec.ID, event.TypeComplete, capture.CompleteData{
			CaptureID:        rec.ID,
			VideoURL:         rec.Result.ReplayURL,
			ScreenshotURL:    rec.Result.AssetURL,
			PageTitle:        rec.Result.PageTitle,
			AnimationContext: rec.Result.AnimationContext,
		})
	}
	return event.New(rec.ID, event.TypeError, capture.ErrorData{
		CaptureID: rec.ID,
		Message:   rec.Message,
	})
}

func setSSEHeaders(c fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
}

// stream writes events from sub until a terminal event or a failed write.
// The subscription is released when the stream ends.
func (s *Server) stream(c fiber.Ctx, id string, sub *event.Subscription) error {
	setSSEHeaders(c)
	logger := observability.CaptureLogger(s.logger, id)
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer sub.Unsubscribe()
		for evt := range sub.Events() {
			if err := writeEvent(w, evt); err != nil {
				logger.Debug("capture stream closed", observability.FieldError, err)
				return
			}
			if err := w.Flush(); err != nil {
				logger.Debug("capture stream closed", observability.FieldError, err)
				return
			}
			if evt.Type.Terminal() {
				return
			}
		}
	})
}

// writeEvent writes evt in text/event-stream framing.
func writeEvent(w *bufio.Writer, evt event.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
	return err
}
