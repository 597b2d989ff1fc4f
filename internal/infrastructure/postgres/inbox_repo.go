package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type InboxRepository struct {
	pool *pgxpool.Pool
	tx   *TxManager
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool, tx: NewTxManager(pool)}
}

// InsertBatch stores msgs in one transaction. A message whose idempotence key
// is already logged is skipped without error. It returns the number of new rows.
func (r *InboxRepository) InsertBatch(ctx context.Context, msgs []inbox.Message) (int64, error) {
	const query = `
		INSERT INTO exactly_once.inbox_messages (topic, partition, "offset", idempotence_key, payload, headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, NOW()))
		ON CONFLICT (idempotence_key) DO NOTHING
	`

	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		headers := m.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		payload := m.Payload
		if payload == nil {
			payload = []byte{}
		}
		batch.Queue(query, m.Topic, m.Partition, m.Offset, m.IdempotenceKey, payload, headers, nullIfZeroTime(m.CreatedAt))
	}

	var inserted int64
	err := r.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		br := executorFrom(txCtx, r.pool).SendBatch(txCtx, batch)
		for i := range msgs {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("insert inbox message %d/%d: %w", i+1, len(msgs), err)
			}
			inserted += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("insert inbox batch: %w", err)
	}

	return inserted, nil
}

// NextAfter returns the oldest logged message of (topic, partition) with an
// offset strictly greater than offset, or nil when there is none.
func (r *InboxRepository) NextAfter(ctx context.Context, topic string, partition int, offset int64) (*inbox.Message, error) {
	const query = `
		SELECT id, topic, partition, "offset", idempotence_key, payload, headers, created_at
		FROM exactly_once.inbox_messages
		WHERE topic = $1 AND partition = $2 AND "offset" > $3
		ORDER BY "offset" ASC
		LIMIT 1
	`

	var m inbox.Message
	err := executorFrom(ctx, r.pool).QueryRow(ctx, query, topic, partition, offset).Scan(
		&m.ID, &m.Topic, &m.Partition, &m.Offset, &m.IdempotenceKey, &m.Payload, &m.Headers, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get next inbox message: %w", err)
	}

	return &m, nil
}

// Prune deletes logged messages older than retention that are already behind
// their cursor and have a processed marker.
func (r *InboxRepository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	const query = `
		DELETE FROM exactly_once.inbox_messages AS m
		USING exactly_once.inbox_message_offsets AS o
		WHERE m.topic = o.topic
			AND m.partition = o.partition
			AND m."offset" <= o.last_processed_offset
			AND m.created_at < NOW() - make_interval(secs => $1::double precision)
			AND EXISTS (
				SELECT 1 FROM exactly_once.processed_inbox_messages AS p
				WHERE p.idempotence_key = m.idempotence_key
			)
	`

	tag, err := executorFrom(ctx, r.pool).Exec(ctx, query, seconds(retention))
	if err != nil {
		return 0, fmt.Errorf("prune inbox messages: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CountPending returns how many logged messages of (topic, partition) lie beyond offset.
func (r *InboxRepository) CountPending(ctx context.Context, topic string, partition int, offset int64) (int64, error) {
	const query = `
		SELECT COUNT(*)
		FROM exactly_once.inbox_messages
		WHERE topic = $1 AND partition = $2 AND "offset" > $3
	`

	var n int64
	if err := executorFrom(ctx, r.pool).QueryRow(ctx, query, topic, partition, offset).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending inbox messages: %w", err)
	}

	return n, nil
}
