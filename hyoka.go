// Package hyoka is the evaluation alignment workflow service as a library.
//
// An App generates evaluation configurations for labelled issues, scores
// them against ground truth in background jobs, and serves the results over
// HTTP and MCP. Callers supply the LLM-facing Generator and Runner:
//
//	app, err := hyoka.New(
//		hyoka.WithGenerator(gen),
//		hyoka.WithRunner(runner),
//	)
//	if err != nil { ... }
//	err = app.Run(ctx)
package hyoka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/api"
	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/mcp"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/ratelimit"
	"github.com/ashita-ai/hyoka/internal/server"
	"github.com/ashita-ai/hyoka/internal/service/activeeval"
	"github.com/ashita-ai/hyoka/internal/service/workflow"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
	"github.com/ashita-ai/hyoka/migrations"
)

// shutdownTimeout bounds each shutdown phase.
const shutdownTimeout = 30 * time.Second

// App is a fully wired hyoka server.
type App struct {
	cfg          config.Config
	db           *storage.DB
	queue        *jobs.Queue
	workers      []*jobs.Worker
	broker       *server.Broker
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to Postgres, runs migrations and wires
// every component. A Generator and a Runner are required.
func New(opts ...Option) (*App, error) {
	o := &resolvedOptions{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.generator == nil || o.runner == nil {
		return nil, errors.New("hyoka: WithGenerator and WithRunner are required")
	}
	logger := o.logger

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

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
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}

	logger.Info("hyoka starting", "version", o.version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	queue := jobs.NewQueue(db.Pool(), cfg.JobAttempts)
	workerCfg := jobs.WorkerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.JobPollInterval,
		Lease:        cfg.JobLease,
		Backoff:      cfg.JobBackoff,
	}
	generationWorker := jobs.NewWorker(db.Pool(), workflow.QueueGeneration, workerCfg, logger)
	evaluationsWorker := jobs.NewWorker(db.Pool(), workflow.QueueEvaluations, workerCfg, logger)

	ledger := activeeval.New(db, logger)
	orchestrator := workflow.New(workflow.Deps{
		Scheduler: queue,
		Store:     db,
		Ledger:    ledger,
		Generator: &generatorAdapter{g: o.generator},
		Runner:    &runnerAdapter{r: o.runner},
	}, workflow.Config{
		AlignmentThreshold:      cfg.AlignmentThreshold,
		QualityThreshold:        cfg.QualityThreshold,
		MaxGenerationAttempts:   cfg.MaxGenerationAttempts,
		FeedbackLimit:           cfg.MismatchFeedbackLimit,
		RecalculationStaleAfter: cfg.RecalculationStaleAfter,
	}, logger)
	orchestrator.RegisterGeneration(generationWorker)
	orchestrator.RegisterEvaluations(evaluationsWorker)

	recalcLimiter := ratelimit.NewMemoryLimiter(cfg.RecalcRateLimitRPS, cfg.RecalcRateLimitBurst)
	logger.Info("recalculation rate limit: memory (in-process token bucket)",
		"rps", cfg.RecalcRateLimitRPS, "burst", cfg.RecalcRateLimitBurst)

	broker := server.NewBroker(db, logger)
	mcpSrv := mcp.New(db, orchestrator, ledger, logger, o.version)

	srv := server.New(server.ServerConfig{
		Workflows:        orchestrator,
		Evaluations:      db,
		Active:           ledger,
		Health:           healthChecker{db: db, queue: queue},
		Logger:           logger,
		Broker:           broker,
		RecalcLimiter:    recalcLimiter,
		RecalcRetryAfter: recalcLimiter.RetryAfter(),
		MCPServer:        mcpSrv.MCPServer(),
		OpenAPISpec:      api.OpenAPISpec,
		Port:             cfg.Port,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		Version:          o.version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		queue:        queue,
		workers:      []*jobs.Worker{generationWorker, evaluationsWorker},
		broker:       broker,
		limiter:      recalcLimiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the job workers, the event broker and the HTTP server, then
// blocks until ctx is cancelled or the server fails. On return, Shutdown has
// been called.
func (a *App) Run(ctx context.Context) error {
	for _, w := range a.workers {
		w.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops accepting HTTP requests, lets in-flight jobs finish, then
// closes the database pool and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hyoka shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownTimeout)
	var drained errgroup.Group
	for _, w := range a.workers {
		drained.Go(func() error {
			w.Drain(drainCtx)
			return nil
		})
	}
	_ = drained.Wait()
	drainCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("hyoka stopped")
	return nil
}

// healthChecker reports database reachability and job backlog.
type healthChecker struct {
	db    *storage.DB
	queue *jobs.Queue
}

func (h healthChecker) Ping(ctx context.Context) error { return h.db.Ping(ctx) }

func (h healthChecker) QueueDepth(ctx context.Context) (int, error) { return h.queue.Depth(ctx) }

// ── Adapters (defined here because this file imports both sides) ───────────────

// generatorAdapter wraps a hyoka.Generator to satisfy workflow.Generator.
type generatorAdapter struct {
	g Generator
}

func (a *generatorAdapter) Generate(ctx context.Context, req workflow.GenerationRequest) (workflow.GeneratedEvaluation, error) {
	pub := GenerationRequest{
		WorkspaceID:    req.WorkspaceID,
		CommitID:       req.CommitID,
		IssueID:        req.IssueID,
		DocumentUUID:   req.DocumentUUID,
		ProviderName:   req.ProviderName,
		Model:          req.Model,
		Attempt:        req.Attempt,
		FalsePositives: toPublicSpans(req.FalsePositives),
		FalseNegatives: toPublicSpans(req.FalseNegatives),
	}
	if req.Previous != nil {
		pub.Previous = &EvaluationConfiguration{
			Criteria:        req.Previous.Criteria,
			PassDescription: req.Previous.PassDescription,
			FailDescription: req.Previous.FailDescription,
		}
	}
	out, err := a.g.Generate(ctx, pub)
	if err != nil {
		return workflow.GeneratedEvaluation{}, err
	}
	return workflow.GeneratedEvaluation{
		Name:          out.Name,
		Configuration: toInternalConfiguration(out.Configuration),
	}, nil
}

// runnerAdapter wraps a hyoka.Runner to satisfy workflow.Runner.
type runnerAdapter struct {
	r Runner
}

func (a *runnerAdapter) Run(ctx context.Context, req workflow.RunRequest) (bool, error) {
	return a.r.Run(ctx, RunRequest{
		WorkspaceID:    req.WorkspaceID,
		CommitID:       req.CommitID,
		EvaluationUUID: req.Evaluation.UUID,
		DocumentUUID:   req.Evaluation.DocumentUUID,
		Configuration:  toPublicConfiguration(req.Evaluation.Configuration),
		Span:           Span{SpanID: req.SpanID, TraceID: req.TraceID},
	})
}

func toPublicSpans(pairs []model.SpanTraceID) []Span {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]Span, len(pairs))
	for i, p := range pairs {
		out[i] = Span{SpanID: p.SpanID, TraceID: p.TraceID}
	}
	return out
}

func toPublicConfiguration(c model.EvaluationConfiguration) EvaluationConfiguration {
	return EvaluationConfiguration{
		Criteria:        c.Criteria,
		PassDescription: c.PassDescription,
		FailDescription: c.FailDescription,
		ProviderName:    c.ProviderName,
		Model:           c.Model,
	}
}

func toInternalConfiguration(c EvaluationConfiguration) model.EvaluationConfiguration {
	return model.EvaluationConfiguration{
		Criteria:        c.Criteria,
		PassDescription: c.PassDescription,
		FailDescription: c.FailDescription,
		ProviderName:    c.ProviderName,
		Model:           c.Model,
	}
}
