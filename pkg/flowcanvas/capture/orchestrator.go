package capture

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/saga"
)

// Step names, as recorded in step history, logs and metrics.
const (
	StepMarkProcessing = "mark_processing"
	StepOpenSession    = "open_session"
	StepCapturePage    = "capture_page"
	StepUploadAsset    = "upload_asset"
	StepPersistResult  = "persist_result"

	compensateMarkFailed     = "mark_failed"
	compensateReleaseSession = "release_session"
)

// Defaults for orchestrator options.
const (
	DefaultMaxDuration      = 30 * time.Second
	DefaultProgressInterval = time.Second
	sampleInterval          = 100 * time.Millisecond
)

// StepError reports which capture step failed.
type StepError = saga.StepError

//go:embed scripts/sampler.js
var samplerScript string

//go:embed scripts/extract.js
var extractScript string

// StatusData is the payload of a status event.
type StatusData struct {
	CaptureID   string `json:"captureId"`
	Status      Status `json:"status"`
	SessionID   string `json:"sessionId,omitempty"`
	LiveViewURL string `json:"liveViewUrl,omitempty"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	CaptureID string  `json:"captureId"`
	Phase     string  `json:"phase"`
	Message   string  `json:"message,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
}

// CompleteData is the payload of the complete event.
type CompleteData struct {
	CaptureID        string            `json:"captureId"`
	VideoURL         string            `json:"videoUrl,omitempty"`
	ScreenshotURL    string            `json:"screenshotUrl"`
	PageTitle        string            `json:"pageTitle"`
	AnimationContext *AnimationContext `json:"animationContext"`
}

// ErrorData is the payload of the error event.
type ErrorData struct {
	CaptureID string `json:"captureId"`
	Step      string `json:"step,omitempty"`
	Message   string `json:"message"`
}

// Orchestrator runs captures as a sequence of checkpointed steps. Each step
// that acquires a resource pushes its release before the next step runs; on
// failure the releases run newest first and the record is marked failed.
type Orchestrator struct {
	store   Store
	browser Browser
	assets  AssetStore

	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	retry       flowerrors.RetryConfig
	maxDuration time.Duration
	interval    time.Duration

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSpanManager sets the tracer used for capture and step spans.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(o *Orchestrator) { o.spans = sm }
}

// WithStepRetry sets the retry policy for the session, page and upload steps.
func WithStepRetry(cfg flowerrors.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithMaxDuration caps the requested recording duration.
func WithMaxDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxDuration = d }
}

// WithProgressInterval sets how often progress events are sent while recording.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, browser Browser, assets AssetStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		browser:     browser,
		assets:      assets,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		retry:       flowerrors.DefaultRetry,
		maxDuration: DefaultMaxDuration,
		interval:    DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.interval <= 0 {
		o.interval = DefaultProgressInterval
	}
	return o
}

// Store returns the record store.
func (o *Orchestrator) Store() Store { return o.store }

// Create validates p and inserts a pending record. The returned params are
// the normalized ones Run should be given.
func (o *Orchestrator) Create(ctx context.Context, userID string, p Params) (string, Params, error) {
	p, err := p.normalize(o.maxDuration)
	if err != nil {
		return "", p, err
	}
	id, err := o.store.CreatePending(ctx, userID, p)
	if err != nil {
		return "", p, fmt.Errorf("create capture record: %w", err)
	}
	return id, p, nil
}

// Capture creates a record and runs it to completion on the caller's
// goroutine.
func (o *Orchestrator) Capture(ctx context.Context, userID string, p Params, sink event.Sink) (string, *Result, error) {
	id, p, err := o.Create(ctx, userID, p)
	if err != nil {
		return "", nil, err
	}
	res, err := o.Run(ctx, id, p, sink)
	return id, res, err
}

// Start creates a record and runs it in the background, returning the id
// immediately. The run ignores cancellation of ctx, so it outlives the
// request that started it. Use Wait to drain background runs.
func (o *Orchestrator) Start(ctx context.Context, userID string, p Params, sink event.Sink) (string, error) {
	id, p, err := o.Create(ctx, userID, p)
	if err != nil {
		return "", err
	}
	o.Launch(ctx, id, p, sink)
	return id, nil
}

// Outcome is the end state of a background run.
type Outcome struct {
	Result *Result
	Err    error
}

// Launch runs an already created record in the background, detached from
// ctx's cancellation. The returned channel receives the outcome once and
// is buffered, so callers that stop waiting do not block the run.
func (o *Orchestrator) Launch(ctx context.Context, id string, p Params, sink event.Sink) <-chan Outcome {
	detached := context.WithoutCancel(ctx)
	done := make(chan Outcome, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, err := o.Run(detached, id, p, sink)
		done <- Outcome{Result: res, Err: err}
	}()
	return done
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// InterruptedMessage is the failure message written by Recover.
const InterruptedMessage = "capture interrupted before completion"

// Recover marks failed every pending or processing record last updated
// before the given time. Call it at startup, before new captures begin,
// with the process start time: records left unfinished by an earlier
// process can no longer complete. It returns the number of records marked.
//
// Records carry no owner, so Recover assumes it is the only process running
// captures against the store. With a store shared by several instances,
// such as Redis or Postgres, it would fail captures another instance is
// still running; run it from one instance only, or not at all.
func (o *Orchestrator) Recover(ctx context.Context, before time.Time) (int, error) {
	recs, err := o.store.ListUnfinished(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list unfinished captures: %w", err)
	}
	marked := 0
	for _, rec := range recs {
		ok, err := o.store.UpdateStatus(ctx, rec.ID, StatusFailed, InterruptedMessage, rec.Status)
		if err != nil {
			return marked, fmt.Errorf("mark capture %s failed: %w", rec.ID, err)
		}
		if ok {
			marked++
			o.logger.Warn("marked interrupted capture failed",
				observability.FieldCaptureID, rec.ID,
				"prior_status", string(rec.Status),
			)
		}
	}
	return marked, nil
}

// Run executes the capture steps for a pending record.
//
//  1. mark the record processing (only from pending)
//  2. open a browser session; push its release
//  3. load the page, record for the requested duration, extract the
//     animation context and take a screenshot
//  4. upload the screenshot
//  5. write the result (only from processing)
//  6. release the session
//
// The record, not the event stream, is the source of truth: sink is told
// what happened but a missed event loses nothing.
func (o *Orchestrator) Run(ctx context.Context, id string, p Params, sink event.Sink) (result *Result, err error) {
	if sink == nil {
		sink = event.Discard
	}
	start := time.Now()
	logger := observability.CaptureLogger(o.logger, id)

	ctx, span := o.spans.StartCaptureSpan(ctx, id)
	defer func() { o.spans.EndSpanWithError(span, err) }()

	emit := func(typ event.Type, data any) {
		sink.Emit(event.New(id, typ, data))
	}

	var failure string
	s := saga.New(
		saga.WithID(id),
		saga.WithLogger(logger),
		saga.WithObserver(func(rec saga.StepRecord) {
			var stepErr error
			if rec.Status == saga.StatusFailed {
				stepErr = errors.New(rec.Error)
			} else {
				observability.LogCaptureStep(logger, rec.Name, float64(rec.Duration.Milliseconds()))
			}
			o.metrics.RecordCaptureStep(ctx, rec.Name, rec.Duration, stepErr)
		}),
	)

	fail := func(stepErr error) (*Result, error) {
		step := ""
		var se *StepError
		if errors.As(stepErr, &se) {
			step = se.Step
		}
		failure = sanitizeMessage(failureMessage(stepErr))
		observability.LogCaptureFailed(logger, step, stepErr)

		if cerr := s.Compensate(ctx); cerr != nil {
			observability.LogCompensationError(logger, step, cerr)
		}
		emit(event.TypeError, ErrorData{CaptureID: id, Step: step, Message: failure})
		o.metrics.RecordCapture(ctx, string(StatusFailed), time.Since(start))
		return nil, stepErr
	}

	// 1. pending -> processing. Losing the race means another run owns the
	// record, so nothing is compensated.
	err = s.Step(ctx, StepMarkProcessing, func(ctx context.Context) error {
		ok, err := o.store.UpdateStatus(ctx, id, StatusProcessing, "", StatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: capture %s is not pending", ErrStateConflict, id)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrStateConflict) && !errors.Is(err, ErrNotFound) {
			s.Push(compensateMarkFailed, func(ctx context.Context) error {
				_, err := o.store.UpdateStatus(ctx, id, StatusFailed, failure, StatusPending)
				return err
			})
		}
		return fail(err)
	}
	s.Push(compensateMarkFailed, func(ctx context.Context) error {
		_, err := o.store.UpdateStatus(ctx, id, StatusFailed, failure, StatusProcessing)
		return err
	})
	emit(event.TypeStatus, StatusData{CaptureID: id, Status: StatusProcessing})

	// 2. session
	var sess Session
	err = s.Step(ctx, StepOpenSession, func(ctx context.Context) error {
		var err error
		sess, err = o.browser.CreateSession(ctx)
		return err
	}, saga.WithRetry(o.retry))
	if err != nil {
		return fail(err)
	}
	s.Push(compensateReleaseSession, func(ctx context.Context) error {
		return o.browser.ReleaseSession(ctx, sess.ID)
	})
	emit(event.TypeStatus, StatusData{
		CaptureID:   id,
		Status:      StatusProcessing,
		SessionID:   sess.ID,
		LiveViewURL: sess.LiveViewURL,
	})

	// 3. page
	var snap pageSnapshot
	err = s.Step(ctx, StepCapturePage, func(ctx context.Context) error {
		var err error
		snap, err = o.capturePage(ctx, logger, id, sess, p, emit)
		return err
	}, saga.WithRetry(o.retry))
	if err != nil {
		return fail(err)
	}

	// 4. asset
	var assetURL string
	err = s.Step(ctx, StepUploadAsset, func(ctx context.Context) error {
		var err error
		assetURL, err = o.assets.Put(ctx, id+".png", "image/png", bytes.NewReader(snap.screenshot))
		return err
	}, saga.WithRetry(o.retry))
	if err != nil {
		return fail(err)
	}

	// 5. processing -> completed
	res := Result{
		PageTitle:        snap.title,
		ReplayURL:        sess.ReplayURL,
		SessionID:        sess.ID,
		AssetURL:         assetURL,
		AnimationContext: snap.context,
	}
	err = s.Step(ctx, StepPersistResult, func(ctx context.Context) error {
		ok, err := o.store.UpdateWithResult(ctx, id, res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: capture %s is no longer processing", ErrStateConflict, id)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	// 6. release the session; a failure here is logged by the saga and
	// does not affect the completed record.
	if release, ok := s.Pop(); ok {
		_ = s.Run(ctx, release)
	}
	s.Complete()

	emit(event.TypeComplete, CompleteData{
		CaptureID:        id,
		VideoURL:         res.ReplayURL,
		ScreenshotURL:    res.AssetURL,
		PageTitle:        res.PageTitle,
		AnimationContext: res.AnimationContext,
	})
	o.metrics.RecordCapture(ctx, string(StatusCompleted), time.Since(start))
	return &res, nil
}

type pageSnapshot struct {
	title      string
	context    *AnimationContext
	screenshot []byte
}

type extraction struct {
	Title   string           `json:"title"`
	Context AnimationContext `json:"context"`
}

// capturePage drives one page through load, recording, extraction and
// screenshot. The page is closed on every path.
func (o *Orchestrator) capturePage(ctx context.Context, logger *slog.Logger, id string, sess Session, p Params, emit func(event.Type, any)) (snap pageSnapshot, err error) {
	page, err := o.browser.Connect(ctx, sess)
	if err != nil {
		return snap, fmt.Errorf("connect to session: %w", err)
	}
	defer func() {
		if cerr := page.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close page", observability.FieldError, cerr)
		}
	}()

	emit(event.TypeProgress, ProgressData{CaptureID: id, Phase: "navigating", Message: "Loading " + p.URL})
	if err := page.Navigate(ctx, p.URL); err != nil {
		return snap, fmt.Errorf("navigate: %w", err)
	}

	selector := p.Selector
	if selector != "" {
		if err := page.ScrollTo(ctx, selector); err != nil {
			logger.Warn("selector not found, capturing the full page",
				"selector", selector, observability.FieldError, err)
			emit(event.TypeProgress, ProgressData{
				CaptureID: id,
				Phase:     "selector",
				Message:   "Selector not found; capturing the full page",
			})
			selector = ""
		}
	}

	if _, err := page.Evaluate(ctx, callScript(samplerScript, selector, sampleInterval.Milliseconds())); err != nil {
		return snap, fmt.Errorf("start sampler: %w", err)
	}
	if err := o.record(ctx, id, p.Duration, emit); err != nil {
		return snap, err
	}

	raw, err := page.Evaluate(ctx, callScript(extractScript, selector, MaxHTMLSnippet))
	if err != nil {
		return snap, fmt.Errorf("extract animation context: %w", err)
	}
	var ex extraction
	if err := json.Unmarshal(raw, &ex); err != nil {
		return snap, flowerrors.Permanent(err, "decode animation context")
	}
	if len(ex.Context.HTMLSnippet) > MaxHTMLSnippet {
		ex.Context.HTMLSnippet = ex.Context.HTMLSnippet[:MaxHTMLSnippet]
	}

	shot, err := page.Screenshot(ctx)
	if err != nil {
		return snap, fmt.Errorf("screenshot: %w", err)
	}

	emit(event.TypeProgress, ProgressData{CaptureID: id, Phase: "extracted", Percent: 100})
	return pageSnapshot{title: ex.Title, context: &ex.Context, screenshot: shot}, nil
}

// record waits out the recording duration, emitting a progress tick every
// interval.
func (o *Orchestrator) record(ctx context.Context, id string, d time.Duration, emit func(event.Type, any)) error {
	emit(event.TypeProgress, ProgressData{CaptureID: id, Phase: "recording"})
	if d <= 0 {
		return nil
	}

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			pct := float64(time.Since(start)) / float64(d) * 100
			if pct > 99 {
				pct = 99
			}
			emit(event.TypeProgress, ProgressData{CaptureID: id, Phase: "recording", Percent: pct})
		}
	}
}

// callScript builds an expression invoking an embedded function with
// JSON-encoded arguments.
func callScript(script string, args ...any) string {
	var b bytes.Buffer
	b.WriteString("(")
	b.WriteString(script)
	b.WriteString(")(")
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		enc, _ := json.Marshal(a)
		b.Write(enc)
	}
	b.WriteString(")")
	return b.String()
}

// failureMessage strips the step wrapper so the stored message names the
// underlying cause.
func failureMessage(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		if errors.Is(se.Err, context.Canceled) || errors.Is(se.Err, context.DeadlineExceeded) {
			return fmt.Sprintf("capture cancelled during %s", se.Step)
		}
		return fmt.Sprintf("%s: %v", se.Step, se.Err)
	}
	return err.Error()
}
