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

	"github.com/hibiken/asynq"

	"github.com/hexeko/billing/cmd/billing/cli"
	"github.com/hexeko/billing/internal/app"
	"github.com/hexeko/billing/internal/export"
	exporthttp "github.com/hexeko/billing/internal/export/http"
	invoicinghttp "github.com/hexeko/billing/internal/invoicing/http"
	ledgerhttp "github.com/hexeko/billing/internal/ledger/http"
	"github.com/hexeko/billing/internal/observability"
	"github.com/hexeko/billing/internal/platform/cache"
	"github.com/hexeko/billing/internal/platform/db"
	"github.com/hexeko/billing/internal/shared"
	"github.com/hexeko/billing/jobs"
	"github.com/hexeko/billing/migrations"
)

func main() {
	cmd, err := cli.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup", slog.String("command", cmd.Name))
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

	if err := run(ctx, cmd, cfg, logger); err != nil {
		logger.Error("billing", slog.String("command", cmd.Name), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd cli.Command, cfg *app.Config, logger *slog.Logger) error {
	switch cmd.Name {
	case cli.CmdServe:
		return serve(ctx, cfg, logger)
	case cli.CmdMigrate:
		return migrate(ctx, cfg, logger)
	case cli.CmdJobsTrigger, cli.CmdJobsInspect, cli.CmdJobsScheduled:
		return runJobs(ctx, cmd, cfg)
	case cli.CmdLedgerVerify:
		return verifyLedger(ctx, cmd, cfg, logger)
	default:
		return cli.ErrUsage
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "billing-api"})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	engine, err := app.NewEngine(cfg, pool, redisClient, logger)
	if err != nil {
		return err
	}

	queue := jobs.NewClient(cfg.QueueRedis())
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.QueueRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Metrics:        observability.NewMetrics(),
		InvoiceHandler: invoicinghttp.NewHandler(logger, engine.Service, queue, shared.NewIdempotencyStore(pool)),
		LedgerHandler:  ledgerhttp.NewHandler(logger, engine.Ledger),
		ExportHandler:  exporthttp.NewHandler(logger, engine.Exports, export.NewFormatter(cfg.Locale())),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Readiness: map[string]app.Pinger{
			"postgres": pool,
			"redis":    cache.Pinger{Client: redisClient},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runJobs(ctx context.Context, cmd cli.Command, cfg *app.Config) error {
	jobsCLI := cli.NewJobsCLI(cfg.QueueRedis())
	defer jobsCLI.Close()

	switch cmd.Name {
	case cli.CmdJobsTrigger:
		info, err := jobsCLI.Trigger(ctx, cmd.Job, cmd.Period, cmd.IDs)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s task %s on %s\n", info.Type, info.ID, info.Queue)
	case cli.CmdJobsInspect:
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	case cli.CmdJobsScheduled:
		tasks, err := jobsCLI.ListScheduled(ctx, cmd.Size)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Printf("%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
	}
	return nil
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2, ApplicationName: "billing-migrate"})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	for _, name := range applied {
		logger.Info("migration applied", slog.String("name", name))
	}
	return err
}

func verifyLedger(ctx context.Context, cmd cli.Command, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2, ApplicationName: "billing-cli"})
	if err != nil {
		return err
	}
	defer pool.Close()

	engine, err := app.NewEngine(cfg, pool, nil, logger)
	if err != nil {
		return err
	}
	report, err := cli.VerifyLedger(ctx, engine.Ledger, cmd.IDs, os.Stdout)
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%d aggregates diverged", len(report.Violations))
	}
	return nil
}
