package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/cursor"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OffsetRepository owns the cursor table. Progress and leases are only ever
// mutated through these statements.
type OffsetRepository struct {
	pool *pgxpool.Pool
}

func NewOffsetRepository(pool *pgxpool.Pool) *OffsetRepository {
	return &OffsetRepository{pool: pool}
}

// ClaimDue leases the cursor with the earliest available_after that is already
// in the past. Rows locked by a concurrent claimant are skipped, not waited on.
// The lease is pushed to now + lease and the pre-claim snapshot is returned.
// It returns nil when no cursor is due.
func (r *OffsetRepository) ClaimDue(ctx context.Context, lease time.Duration) (*cursor.Offset, error) {
	const query = `
		UPDATE exactly_once.inbox_message_offsets AS o
		SET available_after = NOW() + make_interval(secs => $1::double precision)
		FROM (
			SELECT id, last_processed_offset, available_after
			FROM exactly_once.inbox_message_offsets
			WHERE available_after < NOW()
			ORDER BY available_after ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AS due
		WHERE o.id = due.id
		RETURNING o.id, o.topic, o.partition, due.last_processed_offset, due.available_after, o.available_after
	`

	var c cursor.Offset
	err := executorFrom(ctx, r.pool).QueryRow(ctx, query, seconds(lease)).Scan(
		&c.ID, &c.Topic, &c.Partition, &c.LastProcessedOffset, &c.AvailableAfter, &c.LeasedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim due cursor: %w", err)
	}

	return &c, nil
}

// Advance moves the cursor to offset. The stored offset never decreases.
// The cursor becomes due immediately only while leasedUntil is still the
// current lease; once another claimant has re-leased the row its lease is kept.
func (r *OffsetRepository) Advance(ctx context.Context, id int64, offset int64, leasedUntil time.Time) error {
	const query = `
		UPDATE exactly_once.inbox_message_offsets
		SET last_processed_offset = GREATEST(last_processed_offset, $2),
			available_after = CASE WHEN available_after = $3::timestamptz THEN NOW() ELSE available_after END
		WHERE id = $1
	`

	tag, err := executorFrom(ctx, r.pool).Exec(ctx, query, id, offset, nullIfZeroTime(leasedUntil))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance cursor %d: %w", id, cursor.ErrNotProvisioned)
	}

	return nil
}

// Postpone keeps the offset and makes the cursor due again after delay. Like
// Advance it leaves the row alone when leasedUntil is no longer the current lease.
func (r *OffsetRepository) Postpone(ctx context.Context, id int64, delay time.Duration, leasedUntil time.Time) error {
	const query = `
		UPDATE exactly_once.inbox_message_offsets
		SET available_after = CASE
			WHEN available_after = $3::timestamptz THEN NOW() + make_interval(secs => $2::double precision)
			ELSE available_after
		END
		WHERE id = $1
	`

	tag, err := executorFrom(ctx, r.pool).Exec(ctx, query, id, seconds(delay), nullIfZeroTime(leasedUntil))
	if err != nil {
		return fmt.Errorf("postpone cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postpone cursor %d: %w", id, cursor.ErrNotProvisioned)
	}

	return nil
}

// Provision creates the missing cursors for partitions [0, partitions) of topic.
func (r *OffsetRepository) Provision(ctx context.Context, topic string, partitions int) (int64, error) {
	const query = `
		INSERT INTO exactly_once.inbox_message_offsets (topic, partition, last_processed_offset)
		SELECT $1, p, $3
		FROM generate_series(0, $2::int - 1) AS p
		ON CONFLICT (topic, partition) DO NOTHING
	`

	if partitions <= 0 {
		return 0, fmt.Errorf("provision %s: partitions must be positive", topic)
	}

	tag, err := executorFrom(ctx, r.pool).Exec(ctx, query, topic, partitions, cursor.InitialOffset)
	if err != nil {
		return 0, fmt.Errorf("provision cursors: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Exists reports whether a cursor is provisioned for (topic, partition).
func (r *OffsetRepository) Exists(ctx context.Context, topic string, partition int) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM exactly_once.inbox_message_offsets
			WHERE topic = $1 AND partition = $2
		)
	`

	var ok bool
	if err := executorFrom(ctx, r.pool).QueryRow(ctx, query, topic, partition).Scan(&ok); err != nil {
		return false, fmt.Errorf("check cursor: %w", err)
	}

	return ok, nil
}

func (r *OffsetRepository) Get(ctx context.Context, topic string, partition int) (*cursor.Offset, error) {
	const query = `
		SELECT id, topic, partition, last_processed_offset, available_after
		FROM exactly_once.inbox_message_offsets
		WHERE topic = $1 AND partition = $2
	`

	var c cursor.Offset
	err := executorFrom(ctx, r.pool).QueryRow(ctx, query, topic, partition).Scan(
		&c.ID, &c.Topic, &c.Partition, &c.LastProcessedOffset, &c.AvailableAfter,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get cursor %s/%d: %w", topic, partition, cursor.ErrNotProvisioned)
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	return &c, nil
}

func (r *OffsetRepository) List(ctx context.Context) ([]*cursor.Offset, error) {
	const query = `
		SELECT id, topic, partition, last_processed_offset, available_after
		FROM exactly_once.inbox_message_offsets
		ORDER BY topic ASC, partition ASC
	`

	rows, err := executorFrom(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	var offsets []*cursor.Offset
	for rows.Next() {
		c := &cursor.Offset{}
		if err := rows.Scan(&c.ID, &c.Topic, &c.Partition, &c.LastProcessedOffset, &c.AvailableAfter); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		offsets = append(offsets, c)
	}

	return offsets, rows.Err()
}
