package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "The total number of broker batches written to the inbox",
	}, []string{"topic"})
	IngestedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "The total number of new inbox rows",
	}, []string{"topic"})
	IngestDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_duplicates_total",
		Help: "The total number of redelivered records absorbed by the inbox",
	}, []string{"topic"})
	IngestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_failures_total",
		Help: "The total number of batches that were not acknowledged",
	}, []string{"topic"})
	IngestUnprovisioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_unprovisioned_records_total",
		Help: "The total number of records logged for a partition without a cursor",
	}, []string{"topic"})

	CursorClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_cursor_claims_total",
		Help: "The total number of cursors leased",
	})
	CursorIdle = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_cursor_idle_total",
		Help: "The total number of claimed cursors with nothing to dispatch",
	})
	Dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_messages_total",
		Help: "The total number of handled messages by outcome",
	}, []string{"topic", "outcome"})
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_failures_total",
		Help: "The total number of failed dispatch attempts",
	}, []string{"topic"})
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_processing_duration_seconds",
		Help:    "Time taken to execute a command and commit its marker",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	DirectConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "direct_messages_total",
		Help: "The total number of records handled by the direct consumer by outcome",
	}, []string{"topic", "outcome"})
	DirectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "direct_failures_total",
		Help: "The total number of records rewound after a failure",
	}, []string{"topic"})

	Pruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_pruned_total",
		Help: "The total number of inbox rows deleted after processing",
	})

	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_messages_published_total",
		Help: "The total number of messages produced by the ingress",
	}, []string{"topic"})
)

// Outcome labels for Dispatched and DirectConsumed.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
