package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/denis-tsv/ExactlyOnce/internal/application/factories/infrastructure"
	"github.com/denis-tsv/ExactlyOnce/internal/config"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/ingest"
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
		With("app", cfg.App.Name, "component", "ingest")
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

	inboxRepo := postgres.NewInboxRepository(pgPool)
	offsetRepo := postgres.NewOffsetRepository(pgPool)

	var sources []ingest.Source
	for _, c := range infraFactory.KafkaConsumers() {
		sources = append(sources, c)
	}

	pump := ingest.NewPump(sources, inboxRepo, offsetRepo, ingest.Config{
		BatchSize:         cfg.ExactlyOnce.BatchSize,
		NoMessagesTimeout: cfg.ExactlyOnce.NoKafkaMessagesDelay,
		RetryDelay:        cfg.ExactlyOnce.RetryDelay,
	}, logger)

	logger.Info("ingest started", "topics", cfg.Kafka.Topics, "group_id", cfg.Kafka.GroupID)

	if err := pump.Run(ctx); err != nil {
		logger.Error("ingest stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ingest exited")
}
