package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"

	"github.com/redis/go-redis/v9"
)

const cursorsCacheKey = "cursors:snapshot"

type CursorLister interface {
	List(ctx context.Context) ([]*cursor.Offset, error)
}

type PendingCounter interface {
	CountPending(ctx context.Context, topic string, partition int, offset int64) (int64, error)
}

type CursorDTO struct {
	Topic               string    `json:"topic"`
	Partition           int       `json:"partition"`
	LastProcessedOffset int64     `json:"last_processed_offset"`
	AvailableAfter      time.Time `json:"available_after"`
	Due                 bool      `json:"due"`
	Pending             int64     `json:"pending"`
}

// ListCursors is the operator view of the cursor table.
type ListCursors struct {
	redisClient *redis.Client
	cursors     CursorLister
	inbox       PendingCounter
	now         func() time.Time
}

func NewListCursors(redisClient *redis.Client, cursors CursorLister, inbox PendingCounter) *ListCursors {
	return &ListCursors{
		redisClient: redisClient,
		cursors:     cursors,
		inbox:       inbox,
		now:         time.Now,
	}
}

func (uc *ListCursors) Execute(ctx context.Context) ([]CursorDTO, error) {
	if uc.redisClient != nil {
		val, err := uc.redisClient.Get(ctx, cursorsCacheKey).Result()
		if err == nil {
			var cached []CursorDTO
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return cached, nil
			}
		}
	}

	offsets, err := uc.cursors.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}

	now := uc.now()
	out := make([]CursorDTO, 0, len(offsets))
	for _, o := range offsets {
		pending, err := uc.inbox.CountPending(ctx, o.Topic, o.Partition, o.LastProcessedOffset)
		if err != nil {
			return nil, fmt.Errorf("count pending for %s/%d: %w", o.Topic, o.Partition, err)
		}
		out = append(out, CursorDTO{
			Topic:               o.Topic,
			Partition:           o.Partition,
			LastProcessedOffset: o.LastProcessedOffset,
			AvailableAfter:      o.AvailableAfter,
			Due:                 !o.AvailableAfter.After(now),
			Pending:             pending,
		})
	}

	if uc.redisClient != nil {
		data, _ := json.Marshal(out)
		// Short TTL: the snapshot goes stale as soon as a worker advances.
		uc.redisClient.Set(ctx, cursorsCacheKey, data, 1*time.Second)
	}

	return out, nil
}
