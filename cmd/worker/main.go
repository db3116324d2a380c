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

	"github.com/hexeko/billing/internal/app"
	jobmetrics "github.com/hexeko/billing/internal/jobs"
	"github.com/hexeko/billing/internal/observability"
	"github.com/hexeko/billing/internal/platform/cache"
	"github.com/hexeko/billing/internal/platform/db"
	"github.com/hexeko/billing/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "billing-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	engine, err := app.NewEngine(cfg, pool, redisClient, logger)
	if err != nil {
		logger.Error("init engine", slog.Any("error", err))
		os.Exit(1)
	}

	observed := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(observed.Registerer())
	generateJob := jobs.NewGenerateInvoicesJob(engine.Orchestrator, logger, metrics)
	verifyJob := jobs.NewVerifyLedgerJob(engine.Ledger, logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.GenerationCron != "" {
		task, err := jobs.NewGenerateInvoicesTask(jobs.PeriodPrevious)
		if err != nil {
			logger.Error("build generation task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.GenerationCron,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(3), asynq.Timeout(2 * time.Hour)},
		})
	}
	if cfg.LedgerVerifyCron != "" {
		task, err := jobs.NewVerifyLedgerTask()
		if err != nil {
			logger.Error("build verify task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.LedgerVerifyCron,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(1)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.QueueRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGenerateInvoices, Handler: generateJob.Handle},
			{Type: jobs.TaskVerifyLedger, Handler: verifyJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: observed.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
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
