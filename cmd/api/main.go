package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/api"
	"github.com/denis-tsv/ExactlyOnce/internal/application/factories/infrastructure"
	"github.com/denis-tsv/ExactlyOnce/internal/config"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/usecase"
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
		With("app", cfg.App.Name, "component", "api")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// Repositories
	offsetRepo := postgres.NewOffsetRepository(pgPool)
	inboxRepo := postgres.NewInboxRepository(pgPool)

	// UseCases
	publishUC := usecase.NewPublishMessages(infraFactory.KafkaProducer(), cfg.Kafka.Topics)
	listCursorsUC := usecase.NewListCursors(redisClient, offsetRepo, inboxRepo)

	handlers := api.NewHandlers(publishUC, listCursorsUC, logger)
	apiHandler := api.NewRouter(handlers, redisClient, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exiting")
}
