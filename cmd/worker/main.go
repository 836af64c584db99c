package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/foodops/internal/app"
	"github.com/odyssey-erp/foodops/internal/inventory"
	jobmetrics "github.com/odyssey-erp/foodops/internal/jobs"
	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/platform/cache"
	"github.com/odyssey-erp/foodops/internal/platform/db"
	"github.com/odyssey-erp/foodops/internal/shared"
	"github.com/odyssey-erp/foodops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var locker shared.Locker = shared.NoopLocker{}
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		locker = shared.NewWorkflowLocker(redisClient, cfg.WorkflowLockTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	// Low stock alerts are consumed here, so the worker's inventory service
	// only logs them instead of re-enqueueing.
	inventoryService := inventory.NewService(inventory.NewRepository(pool), shared.NewAuditLogger(pool), inventory.ServiceConfig{
		Metrics: metrics.Workflows(),
		Logger:  logger,
	})
	stockJobs := jobs.NewStockJobs(inventoryService, locker, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyTTL, logger, jobMetrics)

	sweepTask, err := jobs.NewExpirySweepTask(time.Time{})
	if err != nil {
		logger.Error("build expiry sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := append(stockJobs.Handlers(), jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle})
	retry := []asynq.Option{asynq.MaxRetry(3)}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.JobsConcurrency,
		Logger:      logger,
		Handlers:    handlers,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpirySweepCron, Task: sweepTask, Options: retry},
			{Spec: cfg.LowStockScanCron, Task: jobs.NewLowStockScanTask(), Options: retry},
			{Spec: cfg.AggregateVerifyCron, Task: jobs.NewAggregateVerifyTask(), Options: retry},
			{Spec: cfg.IdempotencyGCCron, Task: jobs.NewIdempotencyCleanupTask(), Options: retry},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
