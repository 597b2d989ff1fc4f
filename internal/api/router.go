package api

import (
	"log/slog"
	"net/http"

	"github.com/denis-tsv/ExactlyOnce/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func NewRouter(h *Handlers, redisClient *redis.Client, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Idempotent per Idempotency-Key request header; per-message dedup is the
	// Idempotence-Key record header.
	r.With(middleware.Idempotency(redisClient, logger)).Post("/messages", h.PublishMessages)

	r.Get("/cursors", h.ListCursors)

	r.Handle("/metrics", promhttp.Handler())

	logger.Info("registered routes", "routes", []string{"POST /messages", "GET /cursors", "GET /health", "GET /metrics"})

	return r
}
