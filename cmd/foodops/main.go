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
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/foodops/cmd/foodops/cli"
	"github.com/odyssey-erp/foodops/internal/app"
	"github.com/odyssey-erp/foodops/internal/fulfillment"
	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/platform/cache"
	"github.com/odyssey-erp/foodops/internal/platform/db"
	"github.com/odyssey-erp/foodops/internal/production"
	"github.com/odyssey-erp/foodops/internal/settings"
	"github.com/odyssey-erp/foodops/internal/shared"
	"github.com/odyssey-erp/foodops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, logger, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var locker shared.Locker = shared.NoopLocker{}
	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, workflow locks and settings cache disabled", slog.Any("error", err))
	} else {
		redisClient = client
		locker = shared.NewWorkflowLocker(redisClient, cfg.WorkflowLockTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), auditLogger, inventory.ServiceConfig{
		Metrics:  metrics.Workflows(),
		LowStock: jobs.NewLowStockPublisher(jobsClient, logger),
		Logger:   logger,
	})

	productionService := production.NewService(production.NewRepository(dbpool), auditLogger, production.ServiceConfig{
		Locker:      locker,
		Idempotency: idempotencyStore,
		Metrics:     metrics.Workflows(),
		LowStock:    inventoryService,
		Logger:      logger,
	})

	settingsService := settings.NewService(settings.NewRepository(dbpool), redisClient, cfg.SettingsCacheTTL, logger)

	fulfillmentService := fulfillment.NewService(fulfillment.NewRepository(dbpool), auditLogger, settingsService, fulfillment.ServiceConfig{
		Locker:      locker,
		Idempotency: idempotencyStore,
		Metrics:     metrics.Workflows(),
		Logger:      logger,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("jobs inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		ProductionHandler:  production.NewHandler(logger, productionService),
		FulfillmentHandler: fulfillment.NewHandler(logger, fulfillmentService),
		SettingsHandler:    settings.NewHandler(logger, settingsService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	logger.Info("http server stopped")
}

func runJobsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	if err := cli.Run(ctx, jobsCLI, args, os.Stdout); err != nil {
		logger.Error("jobs command", slog.Any("error", err))
		return 1
	}
	return 0
}
