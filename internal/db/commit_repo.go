package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/types"
)

// CommitRepository stores the outcome of every applied Commit so that a
// replayed idempotency key returns the original result.
type CommitRepository struct {
	db DBTX
}

// NewCommitRepository creates a new CommitRepository.
func NewCommitRepository(db DBTX) *CommitRepository {
	return &CommitRepository{db: db}
}

// FindByKey returns the commit recorded under key, or nil if none.
func (r *CommitRepository) FindByKey(ctx context.Context, accountID, key string) (*types.CommitRecord, error) {
	var c types.CommitRecord
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, idempotency_key, feature, credit_cost, usage_count, balance_after, created_at
		 FROM commit_records
		 WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key,
	).Scan(&c.ID, &c.AccountID, &c.IdempotencyKey, &c.Feature, &c.CreditCost, &c.UsageCount, &c.BalanceAfter, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up commit record", err)
	}
	return &c, nil
}

// Insert stores a commit record.
func (r *CommitRepository) Insert(ctx context.Context, c *types.CommitRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO commit_records (id, account_id, idempotency_key, feature, credit_cost, usage_count, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.AccountID, c.IdempotencyKey, c.Feature, c.CreditCost, c.UsageCount, c.BalanceAfter, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictIdempotency, "duplicate idempotency key", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert commit record", err)
	}
	return nil
}
