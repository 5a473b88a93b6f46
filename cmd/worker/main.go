// Command worker runs the polling loops that claim and process ingestion jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/event-ingestor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/event-ingestor/internal/config"
	"github.com/fairyhunter13/event-ingestor/internal/domain"
	"github.com/fairyhunter13/event-ingestor/internal/observability"
	"github.com/fairyhunter13/event-ingestor/internal/usecase"
	"github.com/fairyhunter13/event-ingestor/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBConnMaxIdleTime)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	hostname, _ := os.Hostname()
	workerID := domain.WorkerIdentity(hostname, uuid.NewString()[:8])

	store := postgres.NewStore(pool)
	policy := domain.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseBackoff: cfg.BaseBackoff()}
	proc := usecase.NewProcessService(store, policy, workerID, cfg.StaleLockTimeout)

	runner := worker.New(proc, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Poll:        cfg.WorkerPoll(),
		IdleMax:     cfg.WorkerIdleBackoffMax(),
	})

	slog.Info("worker starting",
		slog.String("worker_id", workerID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("poll", cfg.WorkerPoll()),
		slog.Duration("stale_lock_timeout", cfg.StaleLockTimeout))

	if err := runner.Run(ctx); err != nil {
		slog.Error("worker stopped on fatal error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
