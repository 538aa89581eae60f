package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/executor"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
)

// session is the live, in-memory form of a workflow: the graph the editor
// and the executor mutate, and the executor that owns its node runs.
type session struct {
	meta  flowcanvas.Workflow
	graph *flowcanvas.GraphStore
	exec  *executor.Executor
}

// workflow returns the current graph as a persistable workflow.
func (ss *session) workflow() (*flowcanvas.Workflow, uint64) {
	g := ss.graph.Snapshot()
	w := ss.meta
	w.Nodes = g.Nodes
	w.Edges = g.Edges
	return &w, g.Version
}

func (s *Server) newSession(w flowcanvas.Workflow) *session {
	graph := flowcanvas.NewGraphStore(w.Nodes, w.Edges)
	logger := s.logger.With(observability.FieldWorkflowID, w.ID)

	opts := []executor.Option{
		executor.WithLogger(s.logger),
		executor.WithMetrics(s.metrics),
		executor.WithSpanManager(s.spans),
		executor.WithWorkflow(w.ID, w.UserID),
		executor.WithNotifier(executor.NotifierFunc(func(nodeID, message string) {
			logger.Warn("node run warning", observability.FieldNodeID, nodeID, "warning", message)
		})),
	}
	if s.captures != nil {
		opts = append(opts,
			executor.WithCaptureRunner(s.captures),
			executor.WithCaptureSink(event.TopicSink(s.bus)),
		)
	}
	opts = append(opts, s.execOpts...)

	w.Nodes, w.Edges = nil, nil
	return &session{
		meta:  w,
		graph: graph,
		exec:  executor.New(graph, s.generator, opts...),
	}
}

// session returns the live session for id, loading it on first use.
func (s *Server) session(ctx context.Context, id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[id]; ok {
		return ss, nil
	}
	w, err := s.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ss := s.newSession(*w)
	s.sessions[id] = ss
	return ss, nil
}

// persist saves the session's graph if it changed since the last save.
func (s *Server) persist(ctx context.Context, ss *session) error {
	if !ss.graph.Dirty() {
		return nil
	}
	w, version := ss.workflow()
	if err := s.workflows.Save(ctx, w); err != nil {
		return err
	}
	ss.meta.CreatedAt, ss.meta.UpdatedAt = w.CreatedAt, w.UpdatedAt
	ss.graph.MarkSaved(version)
	return nil
}

func (s *Server) listWorkflows(c fiber.Ctx) error {
	list, err := s.workflows.ListByUser(c.Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(list)
}

func (s *Server) getWorkflow(c fiber.Ctx) error {
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	w, _ := ss.workflow()
	return c.JSON(w)
}

// putWorkflow replaces a workflow. Graphs with dangling edges or cycles
// are rejected.
func (s *Server) putWorkflow(c fiber.Ctx) error {
	var w flowcanvas.Workflow
	if err := c.Bind().JSON(&w); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	w.ID = c.Params("id")
	if w.UserID == "" {
		w.UserID = userID(c)
	}
	if err := w.CheckReferences(); err != nil {
		return err
	}
	if cycles := flowcanvas.FindCycles(w.Nodes, w.Edges); len(cycles) > 0 {
		return &flowcanvas.CycleError{Path: cycles[0]}
	}
	if err := s.workflows.Save(c.Context(), &w); err != nil {
		return err
	}

	s.mu.Lock()
	if ss, ok := s.sessions[w.ID]; ok {
		g := ss.graph.Replace(w.Nodes, w.Edges)
		ss.graph.MarkSaved(g.Version)
		ss.meta.Name, ss.meta.ToolType = w.Name, w.ToolType
		ss.meta.UpdatedAt = w.UpdatedAt
	}
	s.mu.Unlock()

	return c.JSON(w)
}

func (s *Server) deleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if err := s.workflows.Delete(c.Context(), id); err != nil {
		return err
	}
	s.mu.Lock()
	ss, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		for _, n := range ss.graph.Snapshot().Nodes {
			ss.exec.Cancel(n.ID)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) validateWorkflow(c fiber.Ctx) error {
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	g := ss.graph.Snapshot()
	return c.JSON(flowcanvas.ValidateWorkflow(g.Nodes, g.Edges))
}

// connect validates and commits one edge.
func (s *Server) connect(c fiber.Ctx) error {
	var e flowcanvas.Edge
	if err := c.Bind().JSON(&e); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	edge, err := ss.graph.Connect(e)
	if err != nil {
		return err
	}
	if err := s.persist(c.Context(), ss); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(edge)
}

func (s *Server) runNode(c fiber.Ctx) error {
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	out, runErr := ss.exec.Run(c.Context(), c.Params("nodeId"))
	if err := s.persist(context.WithoutCancel(c.Context()), ss); err != nil {
		s.logger.Error("save workflow after run", observability.FieldWorkflowID, ss.meta.ID, observability.FieldError, err)
	}
	if runErr != nil {
		return runErr
	}
	return c.JSON(out)
}

func (s *Server) cancelNode(c fiber.Ctx) error {
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	if !ss.exec.Cancel(c.Params("nodeId")) {
		return fiber.NewError(fiber.StatusNotFound, "node is not running")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// runResult is the JSON form of executor.RunResult.
type runResult struct {
	executor.RunResult
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) runAll(c fiber.Ctx) error {
	ss, err := s.session(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	results, runErr := ss.exec.RunAll(c.Context())
	if err := s.persist(context.WithoutCancel(c.Context()), ss); err != nil {
		s.logger.Error("save workflow after run", observability.FieldWorkflowID, ss.meta.ID, observability.FieldError, err)
	}
	if runErr != nil {
		return runErr
	}

	out := make([]runResult, 0, len(results))
	for _, r := range results {
		rr := runResult{RunResult: r}
		if r.Err != nil {
			rr.Error = r.Err.Error()
			var ce *executor.CancelledError
			if errors.As(r.Err, &ce) {
				rr.Reason = ce.Reason
			}
		}
		out = append(out, rr)
	}
	return c.JSON(fiber.Map{"results": out})
}
