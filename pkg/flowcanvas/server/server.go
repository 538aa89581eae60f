// Package server exposes workflows, node runs and captures over HTTP.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/executor"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/workflowstore"
)

// UserHeader carries the id of the calling user. Authentication happens
// in front of this service.
const UserHeader = "X-User-ID"

// Server is the HTTP surface of the editor backend.
type Server struct {
	app *fiber.App

	workflows workflowstore.Store
	generator generate.Generator
	captures  *capture.Orchestrator
	bus       *event.Bus

	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	gatherer prometheus.Gatherer

	assetDir    string
	assetPrefix string
	execOpts    []executor.Option

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics recorder handed to executors.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSpanManager sets the tracer handed to executors.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(s *Server) { s.spans = sm }
}

// WithCaptures enables the capture routes and capture-mode prompt nodes.
// Capture events are published on bus under the capture id.
func WithCaptures(o *capture.Orchestrator, bus *event.Bus) Option {
	return func(s *Server) {
		s.captures = o
		s.bus = bus
	}
}

// WithPrometheus serves g at /metrics.
func WithPrometheus(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAssets serves files under dir at prefix.
func WithAssets(prefix, dir string) Option {
	return func(s *Server) {
		s.assetPrefix = prefix
		s.assetDir = dir
	}
}

// WithExecutorOptions appends options applied to every workflow executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Server) { s.execOpts = append(s.execOpts, opts...) }
}

// New creates a server and registers its routes.
func New(workflows workflowstore.Store, gen generate.Generator, opts ...Option) *Server {
	s := &Server{
		workflows: workflows,
		generator: gen,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "flowcanvas",
		ErrorHandler: s.handleError,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	app := s.app
	app.Use(recoverer.New())

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/workflows", s.listWorkflows)
	app.Get("/workflows/:id", s.getWorkflow)
	app.Put("/workflows/:id", s.putWorkflow)
	app.Delete("/workflows/:id", s.deleteWorkflow)
	app.Post("/workflows/:id/validate", s.validateWorkflow)
	app.Post("/workflows/:id/connections", s.connect)
	app.Post("/workflows/:id/run", s.runAll)
	app.Post("/workflows/:id/nodes/:nodeId/run", s.runNode)
	app.Delete("/workflows/:id/nodes/:nodeId/run", s.cancelNode)

	if s.captures != nil {
		app.Post("/captures", s.createCapture)
		app.Get("/captures", s.listCaptures)
		app.Get("/captures/:id", s.getCapture)
		app.Get("/captures/:id/events", s.captureEvents)
	}

	if s.assetDir != "" {
		app.Use(s.assetPrefix, static.New(s.assetDir))
	}

	if s.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting requests and waits for in-flight ones. Detached
// captures are not waited for; see capture.Orchestrator.Wait.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func userID(c fiber.Ctx) string {
	return c.Get(UserHeader)
}
