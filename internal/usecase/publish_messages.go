package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/event"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/kafka"
	"github.com/denis-tsv/ExactlyOnce/internal/metrics"
	"github.com/denis-tsv/ExactlyOnce/internal/tracing"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidMessage = errors.New("invalid message")

type Producer interface {
	Send(ctx context.Context, records ...kafka.Record) error
}

type PublishMessages struct {
	producer Producer
	topics   map[string]struct{}
}

func NewPublishMessages(producer Producer, topics []string) *PublishMessages {
	known := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		known[t] = struct{}{}
	}
	return &PublishMessages{
		producer: producer,
		topics:   known,
	}
}

type Published struct {
	Topic          string `json:"topic"`
	IdempotenceKey string `json:"idempotence_key"`
}

// Execute produces every message to its topic concurrently. Each record carries
// its idempotence key and the caller's trace context as headers. A key is
// generated for messages that come without one.
func (uc *PublishMessages) Execute(ctx context.Context, msgs []event.Message) ([]Published, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidMessage)
	}

	records := make([]kafka.Record, 0, len(msgs))
	published := make([]Published, 0, len(msgs))
	for i, m := range msgs {
		if _, ok := uc.topics[m.Topic]; !ok {
			return nil, fmt.Errorf("%w: message %d: unknown topic %q", ErrInvalidMessage, i, m.Topic)
		}
		if len(m.Payload) == 0 {
			return nil, fmt.Errorf("%w: message %d: empty payload", ErrInvalidMessage, i)
		}

		key := m.IdempotenceKey
		if len(key) > inbox.MaxIdempotenceKeyLen {
			return nil, fmt.Errorf("%w: message %d: idempotence key longer than %d bytes", ErrInvalidMessage, i, inbox.MaxIdempotenceKeyLen)
		}
		if key == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, fmt.Errorf("generate idempotence key: %w", err)
			}
			key = id.String()
		}

		headers := map[string]string{inbox.HeaderIdempotenceKey: key}
		tracing.Inject(ctx, headers)

		var partitionKey []byte
		if m.Key != nil {
			partitionKey = []byte(*m.Key)
		}

		records = append(records, kafka.Record{
			Topic:   m.Topic,
			Key:     partitionKey,
			Value:   m.Payload,
			Headers: headers,
		})
		published = append(published, Published{Topic: m.Topic, IdempotenceKey: key})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range records {
		r := r
		g.Go(func() error {
			if err := uc.producer.Send(gctx, r); err != nil {
				return fmt.Errorf("produce to %s: %w", r.Topic, err)
			}
			metrics.Published.WithLabelValues(r.Topic).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return published, nil
}
