// Package bunrui is the public API for embedding the Bunrui run
// classification and dispatch server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := bunrui.New(
//	    bunrui.WithVersion(version),
//	    bunrui.WithLogger(logger),
//	    bunrui.WithToolType(7, "workflow generator", "workflow_generator"),
//	    bunrui.WithCollaborator("workflow_generator", myCollaborator),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: bunrui (root) imports
// internal/*, but internal/* never imports bunrui (root). Public types (Run)
// are standalone structs with no internal imports; conversion helpers live
// here because this is the only file that sees both sides of the boundary.
package bunrui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/bunrui/internal/classifier"
	"github.com/ashita-ai/bunrui/internal/config"
	"github.com/ashita-ai/bunrui/internal/dispatch"
	"github.com/ashita-ai/bunrui/internal/mcp"
	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/server"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/telemetry"
	"github.com/ashita-ai/bunrui/internal/tooltype"
	"github.com/ashita-ai/bunrui/migrations"
)

// App is the Bunrui server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	worker       *dispatch.Worker
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Bunrui server. It connects to the database, runs
// migrations, seeds the tool-type registry, and wires the classifier,
// dispatch worker, and HTTP/MCP servers. It does NOT start any goroutines or
// accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("bunrui starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Seed the tool-type registry: built-in codes, then config entries, then
	// option entries. Conflicting re-registrations fail construction so a
	// deployment cannot silently repurpose a code. The registry must be
	// complete before the store exists because the store validates every
	// CreateRun against it.
	registry := tooltype.NewRegistry()
	for _, tt := range cfg.ToolTypes {
		if err := registry.Register(tt.Code, tt.Name, tt.DispatchKey); err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("tool types (config): %w", err)
		}
	}
	for _, tt := range o.toolTypes {
		if err := registry.Register(tt.code, tt.name, tt.dispatchKey); err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("tool types (options): %w", err)
		}
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, registry, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any extension migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Adapt public collaborators to the internal dispatch interface.
	collaborators := make(map[string]dispatch.Collaborator, len(o.collaborators))
	for key, c := range o.collaborators {
		collaborators[key] = adaptCollaborator(c)
	}

	worker := dispatch.NewWorker(db, registry, collaborators, logger, dispatch.WorkerConfig{
		PollInterval:    cfg.DispatchPollInterval,
		BatchSize:       cfg.DispatchBatchSize,
		MaxAttempts:     cfg.DispatchMaxAttempts,
		DeliveryTimeout: cfg.DispatchDeliveryTimeout,
	})

	classifierSvc := classifier.New(registry, db, worker, logger)

	mcpSrv := mcp.New(db, registry, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Classifier:          classifierSvc,
		Registry:            registry,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		worker:       worker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the dispatch worker and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain remaining claimable outbox entries to collaborators.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("bunrui shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: outbox drain.
	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	a.worker.Drain(drainCtx)
	drainCancel()

	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("bunrui stopped")
	return nil
}

// Handler exposes the root HTTP handler, primarily for tests and embedding
// into an existing server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ── Public/internal boundary adapters ─────────────────────────────────────────

// adaptCollaborator wraps a public Collaborator for internal dispatch. The
// wrapper preserves the optional Canceller capability: only implementations
// that cancel get the internal CancelRun method.
func adaptCollaborator(c Collaborator) dispatch.Collaborator {
	if canceller, ok := c.(Canceller); ok {
		return &cancellableCollaboratorAdapter{
			collaboratorAdapter: collaboratorAdapter{c: c},
			canceller:           canceller,
		}
	}
	return &collaboratorAdapter{c: c}
}

type collaboratorAdapter struct {
	c Collaborator
}

func (a *collaboratorAdapter) Deliver(ctx context.Context, run model.RunRecord) error {
	return a.c.Deliver(ctx, toPublicRun(run))
}

type cancellableCollaboratorAdapter struct {
	collaboratorAdapter
	canceller Canceller
}

func (a *cancellableCollaboratorAdapter) CancelRun(ctx context.Context, run model.RunRecord) error {
	return a.canceller.CancelRun(ctx, toPublicRun(run))
}

func toPublicRun(r model.RunRecord) Run {
	return Run{
		ID:        r.ID,
		AppID:     r.AppID,
		ToolType:  r.ToolType,
		Status:    string(r.Status),
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
