// Command flowcanvas serves the workflow editor backend: workflow storage,
// node execution and animation capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/browser"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/config"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/executor"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate/anthropic"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate/gemini"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate/openai"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/observability"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/server"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/workflowstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("FLOWCANVAS_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "flowcanvas:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	startedAt := time.Now()
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: settings.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetricsRecorder()
	var registry *prometheus.Registry
	if settings.Prometheus {
		registry = prometheus.NewRegistry()
		metrics = observability.Multi(metrics, observability.NewPrometheusMetrics(registry))
	}
	spans := observability.NewSpanManager()

	workflows, err := openWorkflowStore(ctx, settings)
	if err != nil {
		return err
	}
	defer workflows.Close()

	gen, closeGen, err := buildGenerator(ctx, settings.Generation)
	if err != nil {
		return err
	}
	defer closeGen()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithSpanManager(spans),
		server.WithExecutorOptions(executor.WithGenerationTimeout(settings.Generation.Timeout)),
	}
	if registry != nil {
		opts = append(opts, server.WithPrometheus(registry))
	}

	var orch *capture.Orchestrator
	if settings.Capture.BrowserEndpoint != "" {
		records, err := openCaptureStore(settings.Capture)
		if err != nil {
			return err
		}
		defer records.Close()

		assets := capture.NewLocalAssetStore(settings.Capture.AssetDir, settings.Capture.AssetBaseURL)
		driver := browser.NewRemoteDriver(settings.Capture.BrowserEndpoint, browser.WithAPIKey(settings.Capture.BrowserAPIKey))
		orch = capture.NewOrchestrator(records, driver, assets,
			capture.WithLogger(logger),
			capture.WithMetrics(metrics),
			capture.WithSpanManager(spans),
			capture.WithMaxDuration(settings.Capture.MaxDuration),
			capture.WithProgressInterval(settings.Capture.ProgressInterval),
		)
		if settings.Capture.Recover {
			recovered, err := orch.Recover(ctx, startedAt)
			if err != nil {
				return fmt.Errorf("recover captures: %w", err)
			}
			if recovered > 0 {
				logger.Warn("failed captures left unfinished by a previous run", "count", recovered)
			}
		}

		bus := event.NewBus(event.BusConfig{
			OnDrop: func(evt event.Event, subscriberID int64) {
				logger.Warn("dropped capture event",
					observability.FieldCaptureID, evt.Topic,
					"type", string(evt.Type),
					"subscriber", subscriberID,
				)
			},
		})
		defer bus.Close()

		opts = append(opts,
			server.WithCaptures(orch, bus),
			server.WithAssets(settings.Capture.AssetBaseURL, assets.Root()),
		)
	} else {
		logger.Info("capture disabled: capture.browser_endpoint is not set")
	}

	srv := server.New(workflows, gen, opts...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", settings.ListenAddr)
		errCh <- srv.Listen(settings.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", observability.FieldError, err)
	}
	if orch != nil {
		waitCaptures(shutdownCtx, orch, logger)
	}
	return nil
}

// waitCaptures lets detached captures finish until ctx expires. Records of
// captures still running after that stay in processing.
func waitCaptures(ctx context.Context, orch *capture.Orchestrator, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("captures still running at shutdown")
	}
}

func openWorkflowStore(ctx context.Context, s config.Settings) (workflowstore.Store, error) {
	if s.PostgresURL == "" {
		return workflowstore.NewMemoryStore(), nil
	}
	return workflowstore.OpenPostgres(ctx, s.PostgresURL)
}

func openCaptureStore(s config.CaptureSettings) (capture.Store, error) {
	switch s.Store {
	case config.StoreSQLite:
		return capture.NewSQLiteStore(s.SQLitePath)
	case config.StoreRedis:
		return capture.NewRedisStore(redis.NewClient(&redis.Options{Addr: s.RedisAddr})), nil
	default:
		return capture.NewMemoryStore(), nil
	}
}

// buildGenerator routes models to the providers that have keys. The HTTP
// endpoint, when set, handles every other model.
func buildGenerator(ctx context.Context, s config.GenerationSettings) (generate.Generator, func(), error) {
	images := generate.ImageLoader{BaseURL: s.ImageBaseURL}
	router := generate.NewRouter()
	closeFn := func() {}

	if s.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, s.GeminiAPIKey, images)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini client: %w", err)
		}
		router.Handle("gemini", g)
		closeFn = func() { _ = g.Close() }
	}
	if s.AnthropicAPIKey != "" {
		router.Handle("claude", anthropic.New(s.AnthropicAPIKey, anthropic.WithImageLoader(images)))
	}
	if s.OpenAIAPIKey != "" {
		g := openai.New(s.OpenAIAPIKey)
		for _, prefix := range []string{"gpt", "o1", "o3", "o4"} {
			router.Handle(prefix, g)
		}
	}
	if s.Endpoint != "" {
		router.Fallback(generate.NewHTTPGenerator(s.Endpoint))
	}
	return router, closeFn, nil
}
