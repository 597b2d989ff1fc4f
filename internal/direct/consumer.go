// Package direct dispatches broker records without the inbox log. Exclusivity
// comes from consumer-group partition ownership instead of a cursor lease, so
// it must not run against the same topics as the ingest/dispatcher pair.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/command"
	"github.com/denis-tsv/ExactlyOnce/internal/dispatch"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	kafkaInfra "github.com/denis-tsv/ExactlyOnce/internal/infrastructure/kafka"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Rewind(msgs ...kafka.Message)
	Topic() string
}

type Executor interface {
	Execute(ctx context.Context, msg inbox.Message, then func(ctx context.Context) error) (dispatch.Outcome, error)
}

type Config struct {
	RetryDelay  time.Duration
	UnitTimeout time.Duration
}

type Consumer struct {
	sources  []Source
	executor Executor
	cfg      Config
	logger   *slog.Logger
}

func NewConsumer(sources []Source, executor Executor, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 30 * time.Second
	}
	return &Consumer{
		sources:  sources,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run consumes every source concurrently until ctx is done. An unmapped topic
// stops all sources and is returned.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			return c.consume(ctx, src)
		})
	}
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, src Source) error {
	logger := c.logger.With("topic", src.Topic())
	logger.Info("direct consumer started")

	for {
		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("direct consumer stopped")
				return nil
			}
			logger.Error("failed to fetch message", "error", err)
			sleep(ctx, c.cfg.RetryDelay)
			continue
		}

		err = c.Handle(ctx, src, msg)
		if errors.Is(err, command.ErrUnknownTopic) {
			src.Rewind(msg)
			logger.Error("unmapped topic, stopping", "error", err)
			return err
		}
		if err != nil {
			metrics.DirectFailures.WithLabelValues(msg.Topic).Inc()
			logger.Error("processing failed, rewinding",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			src.Rewind(msg)
			sleep(ctx, c.cfg.RetryDelay)
		}
	}
}

// Handle runs the atomic unit for one record and commits its offset once the
// unit has succeeded or the key turned out to be processed already.
func (c *Consumer) Handle(ctx context.Context, src Source, rec kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.UnitTimeout)
	defer cancel()

	msg, ok := kafkaInfra.ToInboxMessage(rec)
	if !ok {
		c.logger.Warn("record without idempotence key, using broker position",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"idempotence_key", msg.IdempotenceKey,
		)
	}

	outcome, err := c.executor.Execute(ctx, msg, nil)
	if err != nil {
		return err
	}

	if err := src.CommitMessages(ctx, rec); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}

	label := metrics.OutcomeProcessed
	if outcome == dispatch.AlreadyProcessed {
		label = metrics.OutcomeDuplicate
	}
	metrics.DirectConsumed.WithLabelValues(msg.Topic, label).Inc()

	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
