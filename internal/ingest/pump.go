package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	kafkaInfra "github.com/denis-tsv/ExactlyOnce/internal/infrastructure/kafka"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Source is one subscribed topic.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	// Rewind makes msgs the next ones returned by FetchMessage.
	Rewind(msgs ...kafka.Message)
	Topic() string
}

type Log interface {
	InsertBatch(ctx context.Context, msgs []inbox.Message) (int64, error)
}

// Cursors tells whether a partition has a cursor. Records of a partition
// without one are logged but never dispatched.
type Cursors interface {
	Exists(ctx context.Context, topic string, partition int) (bool, error)
}

type Config struct {
	BatchSize int
	// NoMessagesTimeout closes a batch that has not filled up in time.
	NoMessagesTimeout time.Duration
	RetryDelay        time.Duration
}

// Pump copies broker records into the inbox log. A batch is acknowledged to
// the broker only after it is durably written; redelivered duplicates are
// absorbed by the log's uniqueness on the idempotence key.
type Pump struct {
	sources []Source
	log     Log
	cursors Cursors
	cfg     Config
	logger  *slog.Logger

	// provisioned caches partitions known to have a cursor.
	provisioned sync.Map
}

// NewPump builds a pump. cursors may be nil, which disables the check for
// unprovisioned partitions.
func NewPump(sources []Source, log Log, cursors Cursors, cfg Config, logger *slog.Logger) *Pump {
	return &Pump{
		sources: sources,
		log:     log,
		cursors: cursors,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run services every source in its own goroutine until ctx is done. A failing
// source is retried on its own and never stops the others.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range p.sources {
		src := src
		g.Go(func() error {
			p.consume(ctx, src)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pump) consume(ctx context.Context, src Source) {
	logger := p.logger.With("topic", src.Topic())
	logger.Info("ingestion started", "batch_size", p.cfg.BatchSize, "no_messages_timeout", p.cfg.NoMessagesTimeout)

	for ctx.Err() == nil {
		batch, err := p.collect(ctx, src)
		if err != nil && ctx.Err() == nil {
			logger.Error("failed to fetch message", "error", err)
		}
		if len(batch) == 0 {
			if err != nil {
				sleep(ctx, p.cfg.RetryDelay)
			}
			continue
		}

		if err := p.store(ctx, src, batch); err != nil {
			metrics.IngestFailures.WithLabelValues(src.Topic()).Inc()
			logger.Error("failed to ingest batch",
				"error", err,
				"from_offset", batch[0].Offset,
				"to_offset", batch[len(batch)-1].Offset,
			)
			src.Rewind(batch...)
			sleep(ctx, p.cfg.RetryDelay)
		}
	}

	logger.Info("ingestion stopped")
}

// collect fetches until the batch is full or the timeout elapses. The
// records fetched so far are returned together with any fetch error.
func (p *Pump) collect(ctx context.Context, src Source) ([]kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.NoMessagesTimeout)
	defer cancel()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	for len(batch) < p.cfg.BatchSize {
		msg, err := src.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return batch, nil
			}
			return batch, err
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// store writes the batch and then commits it. A commit failure leaves the
// rows in place; the redelivered records are then no-ops.
func (p *Pump) store(ctx context.Context, src Source, batch []kafka.Message) error {
	msgs := make([]inbox.Message, 0, len(batch))
	for _, rec := range batch {
		m, ok := kafkaInfra.ToInboxMessage(rec)
		if !ok {
			p.logger.Warn("record without idempotence key, using broker position",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"idempotence_key", m.IdempotenceKey,
			)
		}
		msgs = append(msgs, m)
	}

	// The write and the commit run to completion even when shutdown starts.
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	inserted, err := p.log.InsertBatch(unitCtx, msgs)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if err := src.CommitMessages(unitCtx, batch...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	topic := src.Topic()
	metrics.IngestedBatches.WithLabelValues(topic).Inc()
	metrics.IngestedMessages.WithLabelValues(topic).Add(float64(inserted))
	if dup := int64(len(msgs)) - inserted; dup > 0 {
		metrics.IngestDuplicates.WithLabelValues(topic).Add(float64(dup))
		p.logger.Info("redelivered records absorbed", "topic", topic, "duplicates", dup)
	}
	p.logger.Debug("batch ingested", "topic", topic, "records", len(msgs), "inserted", inserted)

	p.warnUnprovisioned(unitCtx, msgs)

	return nil
}

type partitionKey struct {
	topic     string
	partition int
}

// warnUnprovisioned reports partitions of msgs that have no cursor and
// returns them. A failed lookup is logged and does not affect the batch.
func (p *Pump) warnUnprovisioned(ctx context.Context, msgs []inbox.Message) []partitionKey {
	if p.cursors == nil {
		return nil
	}

	counts := make(map[partitionKey]int)
	var order []partitionKey
	for _, m := range msgs {
		k := partitionKey{topic: m.Topic, partition: m.Partition}
		if _, ok := p.provisioned.Load(k); ok {
			continue
		}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	var missing []partitionKey
	for _, k := range order {
		ok, err := p.cursors.Exists(ctx, k.topic, k.partition)
		if err != nil {
			p.logger.Error("failed to check cursor", "topic", k.topic, "partition", k.partition, "error", err)
			continue
		}
		if ok {
			p.provisioned.Store(k, struct{}{})
			continue
		}

		missing = append(missing, k)
		metrics.IngestUnprovisioned.WithLabelValues(k.topic).Add(float64(counts[k]))
		p.logger.Warn("partition has no cursor, records will not be dispatched until it is provisioned",
			"topic", k.topic,
			"partition", k.partition,
			"records", counts[k],
			"hint", "eoctl provision --topic "+k.topic,
		)
	}

	return missing
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
