package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	cfhttp "github.com/Strob0t/PipelineForge/internal/adapter/http"
	"github.com/Strob0t/PipelineForge/internal/adapter/httpstage"
	cfotel "github.com/Strob0t/PipelineForge/internal/adapter/otel"
	"github.com/Strob0t/PipelineForge/internal/adapter/ws"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/domain/quality"
	"github.com/Strob0t/PipelineForge/internal/logger"
	"github.com/Strob0t/PipelineForge/internal/middleware"
	"github.com/Strob0t/PipelineForge/internal/pool"
	"github.com/Strob0t/PipelineForge/internal/resilience"
	"github.com/Strob0t/PipelineForge/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(sigCtx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"stages", len(cfg.Stages),
	)

	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			log.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	in, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.Close()

	pipeline, err := httpstage.Pipeline(cfg.Stages, httpstage.NewClient())
	if err != nil {
		return fmt.Errorf("stages: %w", err)
	}

	hub := ws.NewHub(cfg.Server.CORSOrigin, log)
	defer hub.Close()

	// --- Audit ---
	bus := service.NewAuditBus(log)
	bus.SubscribeAll(service.LogSink(log))
	bus.SubscribeAll(service.MetricsSink(metrics))
	bus.SubscribeAll(service.BroadcastSink(hub))
	bus.SubscribeAll(service.EventStoreSink(in.events, log))
	if in.queue != nil {
		bus.SubscribeAll(service.QueueSink(in.queue, log))
	}

	// --- Services ---
	checkpoints := service.NewCheckpointService(in.store, in.cache, cfg.Cache.L2TTL)
	supervisor := service.NewSupervisor(service.RecoveryPolicy{
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetryDelay:     cfg.Orchestrator.RetryDelay,
		AttemptTimeout: cfg.Orchestrator.StageTimeout,
	}, resilience.NewRegistry(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	supervisor.SetMetrics(metrics)

	gate := quality.ScoreGate{
		ReviseBelow: cfg.Orchestrator.ScoreThreshold,
		AbortBelow:  cfg.Orchestrator.AbortThreshold,
	}
	orch := service.NewOrchestrator(pipeline, gate, supervisor, checkpoints, bus, cfg.Orchestrator, log)
	orch.SetMetrics(metrics)

	sessions := service.NewSessionManager(cfg.Collaboration, bus, log)
	sessions.SetMetrics(metrics)

	runs := service.NewRunService(orch, checkpoints, sessions, in.events, pool.New(cfg.Orchestrator.MaxConcurrentRuns), log)

	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSweep()
	go sessions.RunSweeper(sweepCtx, cfg.Collaboration.SweepInterval)

	if n, err := runs.ResumeInterrupted(ctx); err != nil {
		log.Warn("resume interrupted runs", "error", err)
	} else if n > 0 {
		log.Info("recovered interrupted runs", "count", n)
	}

	if in.queue != nil {
		unsubscribe, err := runs.SubscribeQueue(ctx, in.queue)
		if err != nil {
			return fmt.Errorf("queue subscribers: %w", err)
		}
		defer unsubscribe()
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))

	var writeMW func(http.Handler) http.Handler
	if in.idemKV != nil {
		writeMW = middleware.Idempotency(in.idemKV)
	}
	cfhttp.MountRoutes(r, &cfhttp.Handlers{
		Runs:     runs,
		Sessions: sessions,
		Hub:      hub,
		Checks:   in.checks,
	}, writeMW)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpErr := srv.Shutdown(shutdownCtx)
	stopSweep()
	runsErr := runs.Shutdown(shutdownCtx)
	if runsErr != nil {
		log.Warn("runs interrupted by shutdown deadline", "error", runsErr)
	}
	return errors.Join(httpErr, runsErr)
}
