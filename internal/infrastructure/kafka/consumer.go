package kafka

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Consumer reads one topic as a member of a consumer group.
//
// kafka-go does not allow SetOffset on a group reader, so Rewind keeps the
// given messages in a local replay queue served before anything new is
// fetched. From the caller's point of view that is a seek back to the first
// rewound record: nothing after it is committed until it succeeds.
type Consumer struct {
	reader *kafka.Reader

	mu     sync.Mutex
	replay []kafka.Message
}

func NewConsumer(brokers []string, topic string, groupID string, startOffset string) *Consumer {
	// When a consumer group has no committed offset yet, kafka-go uses StartOffset.
	first := kafka.FirstOffset
	if strings.EqualFold(strings.TrimSpace(startOffset), "latest") {
		first = kafka.LastOffset
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: false, // Force IPv4
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,    // Process immediately
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		Dialer:         dialer,
		StartOffset:    first,
		CommitInterval: 0, // synchronous commits only
	})
	return &Consumer{reader: r}
}

func (c *Consumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	if len(c.replay) > 0 {
		msg := c.replay[0]
		c.replay = c.replay[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()

	return c.reader.FetchMessage(ctx)
}

func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

// Rewind schedules msgs, in order, for redelivery ahead of any message not
// yet returned.
func (c *Consumer) Rewind(msgs ...kafka.Message) {
	if len(msgs) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	replay := make([]kafka.Message, 0, len(msgs)+len(c.replay))
	replay = append(replay, msgs...)
	c.replay = append(replay, c.replay...)
}

func (c *Consumer) Topic() string {
	return c.reader.Config().Topic
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
