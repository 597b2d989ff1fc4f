package postgres

import (
	"context"
	"fmt"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessedRepository is the ledger of handled idempotence keys.
type ProcessedRepository struct {
	pool *pgxpool.Pool
}

func NewProcessedRepository(pool *pgxpool.Pool) *ProcessedRepository {
	return &ProcessedRepository{pool: pool}
}

func (r *ProcessedRepository) Exists(ctx context.Context, idempotenceKey string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM exactly_once.processed_inbox_messages WHERE idempotence_key = $1
		)
	`

	var exists bool
	if err := executorFrom(ctx, r.pool).QueryRow(ctx, query, idempotenceKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed marker: %w", err)
	}

	return exists, nil
}

// Save inserts the marker. The primary key is the arbiter between racing
// writers: the loser gets inbox.ErrAlreadyProcessed, and since Postgres aborts
// the surrounding transaction on the violation, the caller must roll back.
func (r *ProcessedRepository) Save(ctx context.Context, idempotenceKey string) error {
	const query = `
		INSERT INTO exactly_once.processed_inbox_messages (idempotence_key)
		VALUES ($1)
	`

	if _, err := executorFrom(ctx, r.pool).Exec(ctx, query, idempotenceKey); err != nil {
		if IsUniqueViolation(err, constraintProcessedPK) {
			return fmt.Errorf("%w: %s", inbox.ErrAlreadyProcessed, idempotenceKey)
		}
		return fmt.Errorf("insert processed marker: %w", err)
	}

	return nil
}
