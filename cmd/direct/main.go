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
	"github.com/denis-tsv/ExactlyOnce/internal/direct"
	"github.com/denis-tsv/ExactlyOnce/internal/dispatch"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"
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
		With("app", cfg.App.Name, "component", "direct")
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

	txManager := postgres.NewTxManager(pgPool)
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

	var sources []direct.Source
	for _, c := range infraFactory.KafkaConsumers() {
		sources = append(sources, c)
	}

	executor := dispatch.NewExecutor(txManager, processedRepo, commands, logger)
	consumer := direct.NewConsumer(sources, executor, direct.Config{
		RetryDelay:  cfg.ExactlyOnce.RetryDelay,
		UnitTimeout: cfg.ExactlyOnce.LockedDelay,
	}, logger)

	logger.Info("direct consumer started", "topics", cfg.Kafka.Topics, "group_id", cfg.Kafka.GroupID)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("direct consumer stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("direct consumer exited")
}
