package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/cmd"
	"github.com/crankci/crank/pkg/config"
	"github.com/crankci/crank/pkg/definition"
	"github.com/crankci/crank/pkg/eventbus"
	"github.com/crankci/crank/pkg/executor"
	"github.com/crankci/crank/pkg/gates"
	"github.com/crankci/crank/pkg/metrics"
	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/otelhelper"
	"github.com/crankci/crank/pkg/persistence"
	"github.com/crankci/crank/pkg/runnerpool"
	"github.com/crankci/crank/pkg/scheduler"
	"github.com/crankci/crank/pkg/status"
	"github.com/crankci/crank/pkg/trigger"
	"github.com/crankci/crank/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
)

// Options carries the daemon configuration resolved from flags.
type Options struct {
	Port          int
	MetricsPort   int
	WorkflowsPath string
	ConfigPath    string
	DatabaseURL   string
	ArtifactsURL  string
	EventBus      string
	WorkRoot      string
}

// Daemon assembles the whole engine: trigger evaluation, scheduling, gates,
// status reporting, metrics, and the HTTP API.
type Daemon struct {
	logger      *slog.Logger
	options     Options
	bus         eventbus.EventBus
	persistence persistence.Persistence
	artifacts   artifacts.Store
	scheduler   *scheduler.Scheduler
	evaluator   *trigger.Evaluator
	schedules   *trigger.ScheduleSource
	metrics     *metrics.Metrics
}

func NewDaemon(ctx context.Context, logger *slog.Logger, options Options) (*Daemon, error) {
	engineConfig, err := config.LoadEngineConfig(options.ConfigPath)
	if err != nil {
		return nil, err
	}

	definitions, err := loadWorkflows(options.WorkflowsPath)
	if err != nil {
		return nil, err
	}

	if len(definitions) == 0 {
		return nil, fmt.Errorf("no workflow definitions found under %s", options.WorkflowsPath)
	}

	bus, err := cmd.NewEventBus(options.EventBus, "engine", logger)
	if err != nil {
		return nil, err
	}

	store, err := cmd.NewPersistence(options.DatabaseURL)
	if err != nil {
		return nil, err
	}

	artifactStore, err := cmd.NewArtifactStore(ctx, options.ArtifactsURL)
	if err != nil {
		return nil, err
	}

	registry := cmd.NewRegistry(logger, artifactStore)

	steps := executor.NewComposite(
		executor.NewShellExecutor(logger),
		executor.NewActionExecutor(registry, logger),
	)

	pool := runnerpool.NewPool(logger, engineConfig.Runners)
	gateManager := gates.NewManager(logger, bus, engineConfig.Environments)

	engine := scheduler.NewScheduler(logger, pool, gateManager, steps, bus, store, options.WorkRoot)

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, err := otelhelper.NewTracer(ctx, "crank")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}

		engine.SetTracer(tracer)
	}

	evaluator := trigger.NewEvaluator(logger, definitions...)

	schedules := trigger.NewScheduleSource(logger, func(seed trigger.RunSeed) {
		if _, err := engine.Start(context.Background(), seed.Definition, seed.Event); err != nil {
			logger.Error("Failed to start scheduled run",
				"workflow_id", seed.Definition.ID, "error", err)
		}
	})

	for _, def := range definitions {
		if err := schedules.Add(def); err != nil {
			return nil, err
		}

		if err := store.SaveWorkflow(ctx, def); err != nil {
			return nil, fmt.Errorf("failed to persist workflow %s: %w", def.ID, err)
		}
	}

	reporter := status.NewReporter(logger, engine, status.NewLogCheckPublisher(logger))
	if err := reporter.Attach(bus); err != nil {
		return nil, err
	}

	engineMetrics := metrics.New()
	if err := engineMetrics.Attach(bus); err != nil {
		return nil, err
	}

	return &Daemon{
		logger:      logger,
		options:     options,
		bus:         bus,
		persistence: store,
		artifacts:   artifactStore,
		scheduler:   engine,
		evaluator:   evaluator,
		schedules:   schedules,
		metrics:     engineMetrics,
	}, nil
}

// App builds the fiber application serving the engine API.
func (d *Daemon) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		d.logger,
		d.evaluator,
		d.scheduler,
		d.persistence,
		d.artifacts,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	handlers.Register(app)

	return app
}

// Run serves until the context is cancelled or a signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := d.bus.Subscribe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.ErrorContext(ctx, "Event bus subscription ended", "error", err)
		}
	}()

	d.schedules.Start()
	defer d.schedules.Stop()

	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(d.options.MetricsPort),
		Handler:           d.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "Metrics server failed", "error", err)
		}
	}()

	app := d.App()
	failed := make(chan error, 1)

	go func() {
		failed <- app.Listen(":" + strconv.Itoa(d.options.Port))
	}()

	d.logger.InfoContext(ctx, "Crank engine started",
		"port", d.options.Port, "metrics_port", d.options.MetricsPort)

	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		d.logger.Error("Failed to shut down API server", "error", err)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("Failed to shut down metrics server", "error", err)
	}

	if err := d.bus.Close(); err != nil {
		d.logger.Error("Failed to close event bus", "error", err)
	}

	if err := d.persistence.Close(shutdownCtx); err != nil {
		d.logger.Error("Failed to close persistence", "error", err)
	}

	return nil
}

// loadWorkflows builds every .yaml/.yml definition under the directory.
func loadWorkflows(root string) ([]*models.WorkflowDefinition, error) {
	loader := definition.NewLoader()

	var definitions []*models.WorkflowDefinition

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		source, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		def, err := loader.Load(source)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", path, err)
		}

		definitions = append(definitions, def)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return definitions, nil
}
