package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/business"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
)

type RecordWriter interface {
	Create(ctx context.Context, r *business.Record) error
}

// Topic1Command stores the payload exactly as it was produced.
type Topic1Command struct {
	records RecordWriter
}

func NewTopic1Command(records RecordWriter) *Topic1Command {
	return &Topic1Command{records: records}
}

func (c *Topic1Command) Handle(ctx context.Context, msg inbox.Message) error {
	if err := c.records.Create(ctx, &business.Record{
		Topic:          msg.Topic,
		IdempotenceKey: msg.IdempotenceKey,
		Data:           msg.Payload,
	}); err != nil {
		return fmt.Errorf("topic-1 command: %w", err)
	}
	return nil
}

// Topic2Command expects a JSON payload and stores it compacted.
type Topic2Command struct {
	records RecordWriter
}

func NewTopic2Command(records RecordWriter) *Topic2Command {
	return &Topic2Command{records: records}
}

func (c *Topic2Command) Handle(ctx context.Context, msg inbox.Message) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg.Payload); err != nil {
		return fmt.Errorf("topic-2 command: decode payload: %w", err)
	}

	if err := c.records.Create(ctx, &business.Record{
		Topic:          msg.Topic,
		IdempotenceKey: msg.IdempotenceKey,
		Data:           buf.Bytes(),
	}); err != nil {
		return fmt.Errorf("topic-2 command: %w", err)
	}
	return nil
}

// NewDefaultRegistry wires the handlers of every known topic.
func NewDefaultRegistry(records RecordWriter) (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(Topic1, NewTopic1Command(records)); err != nil {
		return nil, err
	}
	if err := r.Register(Topic2, NewTopic2Command(records)); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
