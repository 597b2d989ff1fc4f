package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/denis-tsv/ExactlyOnce/internal/application/factories/infrastructure"
	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/config"
	"github.com/denis-tsv/ExactlyOnce/internal/dispatch"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"
	"github.com/denis-tsv/ExactlyOnce/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})).
		With("app", cfg.App.Name, "component", "dispatcher")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go metrics.Serve(ctx, cfg.Metrics.Addr, logger)

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	// Repositories
	txManager := postgres.NewTxManager(pgPool)
	offsetRepo := postgres.NewOffsetRepository(pgPool)
	inboxRepo := postgres.NewInboxRepository(pgPool)
	processedRepo := postgres.NewProcessedRepository(pgPool)
	dataRepo := postgres.NewProcessedDataRepository(pgPool)

	commands, err := command.NewDefaultRegistry(dataRepo)
	if err != nil {
		logger.Error("invalid command registry", "error", err)
		os.Exit(1)
	}
	if err := commands.Validate(cfg.Kafka.Topics...); err != nil {
		logger.Error("configured topics without a command", "error", err)
		os.Exit(1)
	}

	executor := dispatch.NewExecutor(txManager, processedRepo, commands, logger)
	dispatcher := dispatch.NewDispatcher(inboxRepo, offsetRepo, executor, dispatch.Config{
		NoInboxMessagesDelay: cfg.ExactlyOnce.NoInboxMessagesDelay,
		UnitTimeout:          cfg.ExactlyOnce.LockedDelay,
	}, logger)

	scheduler := worker.NewScheduler(offsetRepo, dispatcher, worker.SchedulerConfig{
		Workers:              cfg.ExactlyOnce.Workers,
		LockedDelay:          cfg.ExactlyOnce.LockedDelay,
		NoInboxMessagesDelay: cfg.ExactlyOnce.NoInboxMessagesDelay,
		RetryDelay:           cfg.ExactlyOnce.RetryDelay,
	}, logger)
	pruner := worker.NewInboxPruner(inboxRepo, cfg.ExactlyOnce.PruneInterval, cfg.ExactlyOnce.PruneRetention, logger)

	logger.Info(">>> STARTING DISPATCHER <<<", "topics", commands.Topics())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return pruner.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatcher exited")
}
