package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/event"
	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/kafka"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []kafka.Record
	err     error
}

func (p *fakeProducer) Send(_ context.Context, records ...kafka.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, records...)
	return nil
}

func TestPublishAssignsKeysAndHeaders(t *testing.T) {
	prod := &fakeProducer{}
	uc := NewPublishMessages(prod, []string{"topic-1", "topic-2"})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	key := "order-1"
	published, err := uc.Execute(ctx, []event.Message{
		{Topic: "topic-1", Key: &key, IdempotenceKey: "K1", Payload: json.RawMessage(`{"a":1}`)},
		{Topic: "topic-2", Payload: json.RawMessage(`"x"`)},
	})
	require.NoError(t, err)
	require.Len(t, published, 2)

	assert.Equal(t, "K1", published[0].IdempotenceKey)
	generated, err := uuid.Parse(published[1].IdempotenceKey)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), generated.Version())

	require.Len(t, prod.records, 2)
	byTopic := map[string]kafka.Record{}
	for _, r := range prod.records {
		byTopic[r.Topic] = r
	}

	r1 := byTopic["topic-1"]
	assert.Equal(t, []byte("order-1"), r1.Key)
	assert.Equal(t, "K1", r1.Headers[inbox.HeaderIdempotenceKey])
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", r1.Headers["traceparent"])

	r2 := byTopic["topic-2"]
	assert.Nil(t, r2.Key)
	assert.Equal(t, published[1].IdempotenceKey, r2.Headers[inbox.HeaderIdempotenceKey])
}

func TestPublishRejectsInvalidMessages(t *testing.T) {
	prod := &fakeProducer{}
	uc := NewPublishMessages(prod, []string{"topic-1"})

	_, err := uc.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = uc.Execute(context.Background(), []event.Message{{Topic: "orders", Payload: json.RawMessage(`1`)}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = uc.Execute(context.Background(), []event.Message{{Topic: "topic-1"}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, prod.records)
}

func TestPublishIdempotenceKeyLength(t *testing.T) {
	prod := &fakeProducer{}
	uc := NewPublishMessages(prod, []string{"topic-1"})

	_, err := uc.Execute(context.Background(), []event.Message{
		{Topic: "topic-1", IdempotenceKey: "K1", Payload: json.RawMessage(`1`)},
		{Topic: "topic-1", IdempotenceKey: strings.Repeat("k", 200), Payload: json.RawMessage(`2`)},
	})
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.Contains(t, err.Error(), "message 1")
	assert.Empty(t, prod.records)

	atLimit := strings.Repeat("k", inbox.MaxIdempotenceKeyLen)
	published, err := uc.Execute(context.Background(), []event.Message{
		{Topic: "topic-1", IdempotenceKey: atLimit, Payload: json.RawMessage(`1`)},
	})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, atLimit, prod.records[0].Headers[inbox.HeaderIdempotenceKey])
}

func TestPublishProducerFailure(t *testing.T) {
	boom := errors.New("leader not available")
	uc := NewPublishMessages(&fakeProducer{err: boom}, []string{"topic-1"})

	_, err := uc.Execute(context.Background(), []event.Message{{Topic: "topic-1", Payload: json.RawMessage(`1`)}})
	assert.ErrorIs(t, err, boom)
}

type cursorStub []*cursor.Offset

func (c cursorStub) List(context.Context) ([]*cursor.Offset, error) { return c, nil }

type pendingStub map[string]int64

func (p pendingStub) CountPending(_ context.Context, topic string, _ int, _ int64) (int64, error) {
	return p[topic], nil
}

func TestListCursorsCachesSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2025, 5, 22, 6, 16, 28, 0, time.UTC)
	cursors := cursorStub{
		{Topic: "topic-1", Partition: 0, LastProcessedOffset: 4, AvailableAfter: now.Add(-time.Second)},
		{Topic: "topic-2", Partition: 0, LastProcessedOffset: -1, AvailableAfter: now.Add(30 * time.Second)},
	}

	uc := NewListCursors(client, cursors, pendingStub{"topic-1": 2})
	uc.now = func() time.Time { return now }

	out, err := uc.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Due)
	assert.Equal(t, int64(2), out[0].Pending)
	assert.False(t, out[1].Due)
	assert.Equal(t, int64(-1), out[1].LastProcessedOffset)

	assert.True(t, mr.Exists(cursorsCacheKey))

	// Served from the cache while the TTL holds.
	uc.cursors = cursorStub{}
	cached, err := uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	mr.FastForward(2 * time.Second)
	fresh, err := uc.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)
}
