// Package executor runs prompt nodes: it gathers a node's inputs, issues
// one generation call per output target in parallel, and writes the
// results back into the graph in a single transaction.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
)

// Defaults for executor options.
const (
	DefaultGenerationTimeout = 300 * time.Second
	DefaultCodeNodeOffset    = 220.0
	DefaultCaptureDuration   = 5 * time.Second
)

// Notifier receives non-fatal warnings about a node run.
type Notifier interface {
	Warn(nodeID, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(nodeID, message string)

// Warn calls f.
func (f NotifierFunc) Warn(nodeID, message string) { f(nodeID, message) }

// CaptureRunner creates capture records and runs them in the background,
// detached from the caller's cancellation. *capture.Orchestrator
// implements it.
type CaptureRunner interface {
	Create(ctx context.Context, userID string, p capture.Params) (string, capture.Params, error)
	Launch(ctx context.Context, id string, p capture.Params, sink event.Sink) <-chan capture.Outcome
}

// TargetResult is the outcome of the generation call for one output node.
type TargetResult struct {
	TargetID string             `json:"targetId"`
	Kind     flowcanvas.NodeKind `json:"kind"`
	ImageURL string             `json:"imageUrl,omitempty"`
	Content  string             `json:"content,omitempty"`
	Files    []generate.File    `json:"files,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Output is the result of a node run.
type Output struct {
	NodeID       string                `json:"nodeId"`
	Status       flowcanvas.NodeStatus `json:"status"`
	ImageURL     string                `json:"imageUrl,omitempty"`
	Text         string                `json:"text,omitempty"`
	CaptureID    string                `json:"captureId,omitempty"`
	Results      []TargetResult        `json:"results,omitempty"`
	Succeeded    int                   `json:"succeeded"`
	Total        int                   `json:"total"`
	Warning      string                `json:"warning,omitempty"`
	CreatedNodes []string              `json:"createdNodes,omitempty"`
	Version      uint64                `json:"version"`
}

// Executor runs prompt nodes of one workflow graph. A new run of a node
// cancels the node's previous run.
type Executor struct {
	store     *flowcanvas.GraphStore
	generator generate.Generator
	capture   CaptureRunner

	notifier    Notifier
	captureSink event.Sink
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager

	workflowID      string
	userID          string
	timeout         time.Duration
	codeOffset      float64
	captureDuration time.Duration
	maxConcurrency  int

	mu   sync.Mutex
	runs map[string]*nodeRun
	seq  uint64
}

type nodeRun struct {
	seq    uint64
	cancel context.CancelCauseFunc
}

// errSuperseded is the cancellation cause set when a newer run replaces
// an older one.
var errSuperseded = errors.New("superseded by a newer run")

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithSpanManager sets the tracer.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(e *Executor) { e.spans = sm }
}

// WithNotifier sets where partial-failure warnings go.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithCaptureRunner enables capture-mode prompt nodes.
func WithCaptureRunner(r CaptureRunner) Option {
	return func(e *Executor) { e.capture = r }
}

// WithCaptureSink sets where capture progress events go.
func WithCaptureSink(s event.Sink) Option {
	return func(e *Executor) { e.captureSink = s }
}

// WithGenerationTimeout bounds each generation call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithWorkflow sets the workflow and owning user, used for logging and
// capture records.
func WithWorkflow(workflowID, userID string) Option {
	return func(e *Executor) {
		e.workflowID = workflowID
		e.userID = userID
	}
}

// WithCodeNodeOffset sets the vertical spacing of code nodes created for
// extra files.
func WithCodeNodeOffset(dy float64) Option {
	return func(e *Executor) { e.codeOffset = dy }
}

// WithCaptureDuration sets the capture duration used when a capture-mode
// node has no "duration" input.
func WithCaptureDuration(d time.Duration) Option {
	return func(e *Executor) { e.captureDuration = d }
}

// WithMaxConcurrency bounds how many prompt nodes RunAll runs at once.
// Zero means no bound.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) { e.maxConcurrency = n }
}

// New creates an executor over store.
func New(store *flowcanvas.GraphStore, gen generate.Generator, opts ...Option) *Executor {
	e := &Executor{
		store:           store,
		generator:       gen,
		notifier:        NotifierFunc(func(string, string) {}),
		captureSink:     event.Discard,
		logger:          slog.Default(),
		metrics:         observability.NoopMetrics{},
		spans:           observability.NoopSpanManager{},
		timeout:         DefaultGenerationTimeout,
		codeOffset:      DefaultCodeNodeOffset,
		captureDuration: DefaultCaptureDuration,
		runs:            make(map[string]*nodeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the graph store the executor writes to.
func (e *Executor) Store() *flowcanvas.GraphStore { return e.store }

// Cancel stops the in-flight run of nodeID. It reports whether a run was
// in flight. The run unregisters itself once it has reset the node.
func (e *Executor) Cancel(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[nodeID]
	if !ok {
		return false
	}
	r.cancel(context.Canceled)
	return true
}

// Running reports whether nodeID has a run in flight.
func (e *Executor) Running(nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[nodeID]
	return ok
}

// begin registers a run for nodeID, cancelling any previous one.
func (e *Executor) begin(ctx context.Context, nodeID string) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.runs[nodeID]; ok {
		prev.cancel(errSuperseded)
	}
	e.seq++
	e.runs[nodeID] = &nodeRun{seq: e.seq, cancel: cancel}
	return ctx, e.seq
}

// end unregisters the run if it is still the current one for nodeID.
func (e *Executor) end(nodeID string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[nodeID]; ok && r.seq == seq {
		r.cancel(nil)
		delete(e.runs, nodeID)
	}
}

func (e *Executor) current(nodeID string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[nodeID]
	return ok && r.seq == seq
}

// Run executes the prompt node nodeID.
//
// The node is validated with its direct inputs, marked running, and one
// generation call is issued per image target plus one for the code
// target, all in parallel. If every call fails the node is marked error
// and a *NodeRunError carrying the first failure is returned. If some
// fail, the node is still complete and a warning naming the count goes to
// the notifier. Cancellation and timeout reset the node to idle and
// return a *CancelledError.
func (e *Executor) Run(ctx context.Context, nodeID string) (out *Output, err error) {
	start := time.Now()
	logger := observability.EnrichLogger(e.logger, e.workflowID, nodeID)

	ctx, seq := e.begin(ctx, nodeID)
	defer e.end(nodeID, seq)

	ctx, span := e.spans.StartNodeSpan(ctx, e.workflowID, nodeID)
	defer func() { e.spans.EndSpanWithError(span, err) }()

	g := e.store.Snapshot()
	node, ok := flowcanvas.FindNode(g.Nodes, nodeID)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", nodeID, flowcanvas.ErrNodeNotFound)
	}
	if !flowcanvas.IsPromptKind(node.Kind) {
		return nil, fmt.Errorf("run %s: %w", nodeID, ErrNotPrompt)
	}
	if report := flowcanvas.ValidateNode(nodeID, g.Nodes, g.Edges); !report.Valid {
		return nil, report.Err()
	}

	g, err = e.store.Apply(func(tx *flowcanvas.Tx) error {
		if !tx.UpdateNode(nodeID, func(d *flowcanvas.NodeData) {
			d.Status = flowcanvas.StatusRunning
			d.Error = ""
		}) {
			return fmt.Errorf("run %s: %w", nodeID, flowcanvas.ErrNodeNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if node.Data.CaptureMode {
		out, err = e.runCapture(ctx, logger, g, node, seq)
	} else {
		out, err = e.runGeneration(ctx, logger, g, node, seq)
	}

	outcome := observability.OutcomeComplete
	switch {
	case IsCancelled(err):
		outcome = observability.OutcomeCancelled
	case err != nil:
		outcome = observability.OutcomeError
	case out != nil && out.Succeeded < out.Total:
		outcome = observability.OutcomePartial
	}
	e.metrics.RecordNodeRun(ctx, outcome, time.Since(start))
	return out, err
}

type call struct {
	target *flowcanvas.Node
	req    generate.Request
	res    *generate.Response
	err    error
}

func (e *Executor) runGeneration(ctx context.Context, logger *slog.Logger, g flowcanvas.Graph, node flowcanvas.Node, seq uint64) (*Output, error) {
	elapsed := observability.TimedOperation()
	in := gatherInputs(g, node.ID)
	tg := partitionTargets(g, node.ID)

	base := generate.Request{
		NodeID:     node.ID,
		Prompt:     node.Data.Prompt,
		Model:      node.Data.Model,
		Images:     in.images,
		TextInputs: in.texts,
	}

	var calls []*call
	for i := range tg.images {
		req := base
		req.Output = generate.OutputImage
		calls = append(calls, &call{target: &tg.images[i], req: req})
	}
	if tg.code != nil {
		req := base
		req.Output = generate.OutputCode
		req.TargetLanguage = tg.code.Data.Language
		calls = append(calls, &call{target: tg.code, req: req})
	}
	if tg.empty() {
		req := base
		req.Output = generate.OutputText
		calls = append(calls, &call{req: req})
	}

	observability.LogNodeRunStart(logger, len(calls))

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *call) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			callStart := time.Now()
			c.res, c.err = e.generator.Generate(callCtx, c.req)
			if c.err == nil && c.res == nil {
				c.err = errors.New("generator returned no result")
			}
			e.metrics.RecordGeneration(ctx, c.req.Model, time.Since(callStart), c.err)
		}(c)
	}
	wg.Wait()

	var firstErr error
	succeeded := 0
	timedOut := 0
	for _, c := range calls {
		if c.err == nil {
			succeeded++
			continue
		}
		if errors.Is(c.err, context.DeadlineExceeded) {
			timedOut++
		}
		if firstErr == nil {
			firstErr = c.err
		}
	}

	if reason, cancelled := e.cancellation(ctx, node.ID, seq, succeeded, timedOut, len(calls)); cancelled {
		return nil, e.cancelled(logger, node.ID, seq, reason)
	}

	out := &Output{NodeID: node.ID, Succeeded: succeeded, Total: len(calls)}
	for _, c := range calls {
		tr := TargetResult{}
		if c.target != nil {
			tr.TargetID = c.target.ID
			tr.Kind = c.target.Kind
		}
		if c.err != nil {
			tr.Error = c.err.Error()
		} else {
			tr.ImageURL = c.res.ImageURL
			tr.Content = c.res.Text
			tr.Files = c.res.Files
			if out.ImageURL == "" {
				out.ImageURL = c.res.ImageURL
			}
			if out.Text == "" {
				out.Text = c.res.Text
			}
		}
		out.Results = append(out.Results, tr)
	}

	if succeeded == 0 {
		out.Status = flowcanvas.StatusError
		committed, _ := e.store.Apply(func(tx *flowcanvas.Tx) error {
			tx.UpdateNode(node.ID, func(d *flowcanvas.NodeData) {
				d.Status = flowcanvas.StatusError
				d.Error = firstErr.Error()
			})
			return nil
		})
		out.Version = committed.Version
		observability.LogNodeRunError(logger, firstErr, elapsed())
		return out, &NodeRunError{NodeID: node.ID, Err: firstErr}
	}

	out.Status = flowcanvas.StatusComplete
	committed, created := e.applyResults(node, tg, calls)
	out.CreatedNodes = created
	out.Version = committed.Version

	if succeeded < len(calls) {
		out.Warning = fmt.Sprintf("%d of %d outputs generated. First error: %v", succeeded, len(calls), firstErr)
		observability.LogPartialFailure(logger, succeeded, len(calls), firstErr)
		e.notifier.Warn(node.ID, out.Warning)
	} else {
		observability.LogNodeRunComplete(logger, elapsed(), succeeded)
	}
	return out, nil
}

// cancellation decides whether a finished set of calls counts as a
// cancelled run: the run's context was cancelled, or every call failed
// and every failure was a timeout.
func (e *Executor) cancellation(ctx context.Context, nodeID string, seq uint64, succeeded, timedOut, total int) (string, bool) {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errSuperseded) || !e.current(nodeID, seq) {
			return ReasonSuperseded, true
		}
		return ReasonCancelled, true
	}
	if succeeded == 0 && total > 0 && timedOut == total {
		return ReasonTimeout, true
	}
	return "", false
}

// cancelled resets the node to idle unless a newer run owns it.
func (e *Executor) cancelled(logger *slog.Logger, nodeID string, seq uint64, reason string) error {
	if reason != ReasonSuperseded {
		_, _ = e.store.Apply(func(tx *flowcanvas.Tx) error {
			tx.UpdateNode(nodeID, func(d *flowcanvas.NodeData) {
				if d.Status == flowcanvas.StatusRunning {
					d.Status = flowcanvas.StatusIdle
				}
				d.Error = ""
			})
			return nil
		})
	}
	observability.LogNodeRunCancelled(logger, reason)
	return &CancelledError{NodeID: nodeID, Reason: reason}
}

// applyResults writes successful results, the complete status and any
// code nodes for extra files in one transaction. Writes to nodes deleted
// since the run started are skipped.
func (e *Executor) applyResults(node flowcanvas.Node, tg targets, calls []*call) (flowcanvas.Graph, []string) {
	var created []string
	g, _ := e.store.Apply(func(tx *flowcanvas.Tx) error {
		created = created[:0]
		for _, c := range calls {
			if c.err != nil || c.target == nil {
				continue
			}
			switch c.target.Kind {
			case flowcanvas.KindImage:
				url := c.res.ImageURL
				tx.UpdateNode(c.target.ID, func(d *flowcanvas.NodeData) {
					d.ImageURL = url
				})
			case flowcanvas.KindCode:
				created = append(created, e.applyCode(tx, node.ID, *c.target, c.res)...)
			}
		}
		tx.UpdateNode(node.ID, func(d *flowcanvas.NodeData) {
			d.Status = flowcanvas.StatusComplete
			d.Error = ""
		})
		return nil
	})
	return g, created
}

// applyCode writes a code result to target. Each file after the first
// becomes a new code node stacked below target and connected from the
// prompt node.
func (e *Executor) applyCode(tx *flowcanvas.Tx, promptID string, target flowcanvas.Node, res *generate.Response) []string {
	files := res.Files
	if len(files) == 0 {
		files = []generate.File{{Content: res.Text, Language: target.Data.Language}}
	}

	first := files[0]
	if !tx.UpdateNode(target.ID, func(d *flowcanvas.NodeData) {
		d.Content = first.Content
		if first.Language != "" {
			d.Language = first.Language
		}
		if first.Path != "" {
			d.FileName = first.Path
		}
	}) {
		return nil
	}

	var created []string
	for i, f := range files[1:] {
		id := "code-" + uuid.NewString()
		n := flowcanvas.Node{
			ID:   id,
			Kind: flowcanvas.KindCode,
			Position: flowcanvas.Position{
				X: target.Position.X,
				Y: target.Position.Y + e.codeOffset*float64(i+1),
			},
			Data: flowcanvas.NodeData{
				Label:    f.Path,
				Content:  f.Content,
				Language: f.Language,
				FileName: f.Path,
			},
		}
		if err := tx.AddNode(n); err != nil {
			continue
		}
		_ = tx.AddEdge(flowcanvas.Edge{
			ID:     "edge-" + uuid.NewString(),
			Source: promptID,
			Target: id,
		})
		created = append(created, id)
	}
	return created
}
