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

	"github.com/aquaflow/aquaflow/internal/app"
	"github.com/aquaflow/aquaflow/internal/observability"
	"github.com/aquaflow/aquaflow/internal/platform/cache"
	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
	"github.com/aquaflow/aquaflow/jobs"
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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	stack := app.NewBillingStack(pool, redisClient, cfg, logger)
	lock := shared.NewRunLock(redisClient)
	registry := shared.NewProviderRegistry(map[shared.NotifyMethod]shared.Provider{
		shared.NotifyEmail: shared.LogProvider(logger, shared.NotifyEmail),
		shared.NotifySMS:   shared.LogProvider(logger, shared.NotifySMS),
	})

	ordersJob := jobs.NewOrdersJob(stack.Engine.Orders, stack.Subscriptions, lock, cfg.RunLockTTL, logger, metrics.Jobs())
	invoicesJob := jobs.NewInvoicesJob(stack.Engine.Invoices, stack.Catalog, client, lock, cfg.RunLockTTL, logger, metrics.Jobs())
	notifyJob := jobs.NewNotifyJob(registry, logger, metrics.Jobs())

	ordersTask, err := jobs.NewOrdersTask("")
	if err != nil {
		logger.Error("build orders task", slog.Any("error", err))
		os.Exit(1)
	}
	invoicesTask, err := jobs.NewInvoicesTask("")
	if err != nil {
		logger.Error("build invoices task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOrdersGenerate, Handler: ordersJob.Handle},
			{Type: jobs.TaskInvoicesGenerate, Handler: invoicesJob.Handle},
			{Type: jobs.TaskNotify, Handler: notifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OrderCron, Task: ordersTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.InvoiceCron, Task: invoicesTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
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
