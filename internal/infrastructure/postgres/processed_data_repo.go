package postgres

import (
	"context"
	"fmt"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/business"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ProcessedDataRepository struct {
	pool *pgxpool.Pool
}

func NewProcessedDataRepository(pool *pgxpool.Pool) *ProcessedDataRepository {
	return &ProcessedDataRepository{pool: pool}
}

func (r *ProcessedDataRepository) Create(ctx context.Context, d *business.Record) error {
	const query = `
		INSERT INTO exactly_once.processed_data (topic, idempotence_key, data, created_at)
		VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()))
	`

	data := d.Data
	if data == nil {
		data = []byte{}
	}

	if _, err := executorFrom(ctx, r.pool).Exec(ctx, query, d.Topic, d.IdempotenceKey, data, nullIfZeroTime(d.CreatedAt)); err != nil {
		return fmt.Errorf("insert processed data: %w", err)
	}

	return nil
}

func (r *ProcessedDataRepository) CountByKey(ctx context.Context, idempotenceKey string) (int64, error) {
	const query = `SELECT COUNT(*) FROM exactly_once.processed_data WHERE idempotence_key = $1`

	var n int64
	if err := executorFrom(ctx, r.pool).QueryRow(ctx, query, idempotenceKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed data: %w", err)
	}

	return n, nil
}
