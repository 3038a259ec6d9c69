package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/types"
)

// CreditTransactionRepository provides data access for the append-only
// credit_transactions table. Rows are never updated apart from the archive
// stamp and never deleted independently of their account.
type CreditTransactionRepository struct {
	db DBTX
}

// NewCreditTransactionRepository creates a new CreditTransactionRepository.
func NewCreditTransactionRepository(db DBTX) *CreditTransactionRepository {
	return &CreditTransactionRepository{db: db}
}

const txColumns = `id, account_id, delta, balance_after, reason, idempotency_key, created_at`

func scanTransaction(row pgx.Row) (*types.CreditTransaction, error) {
	var t types.CreditTransaction
	if err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Delta,
		&t.BalanceAfter,
		&t.Reason,
		&t.IdempotencyKey,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert appends a transaction. A duplicate idempotency key for the same
// account fails with ErrCodeConflictIdempotency.
func (r *CreditTransactionRepository) Insert(ctx context.Context, t *types.CreditTransaction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.AccountID, t.Delta, t.BalanceAfter, t.Reason, t.IdempotencyKey, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictIdempotency, "duplicate idempotency key", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert credit transaction", err)
	}
	return nil
}

// FindByKey returns the transaction recorded under key, or nil if none.
func (r *CreditTransactionRepository) FindByKey(ctx context.Context, accountID, key string) (*types.CreditTransaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+txColumns+`
		 FROM credit_transactions
		 WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up credit transaction", err)
	}
	return t, nil
}

// Sum returns the sum of all deltas for an account.
func (r *CreditTransactionRepository) Sum(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0)::BIGINT FROM credit_transactions WHERE account_id = $1`,
		accountID,
	).Scan(&sum)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum credit transactions", err)
	}
	return sum, nil
}

// List returns transactions newest first, strictly before the cursor.
// A zero cursor means no upper bound.
func (r *CreditTransactionRepository) List(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+txColumns+`
		 FROM credit_transactions
		 WHERE account_id = $1
		   AND ($2::timestamptz IS NULL OR created_at < $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		accountID, cursor, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list credit transactions", err)
	}
	return collectTransactions(rows)
}

// ListUnarchived returns transactions created before the cutoff that have not
// yet been exported, oldest first.
func (r *CreditTransactionRepository) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+txColumns+`
		 FROM credit_transactions
		 WHERE archived_at IS NULL AND created_at < $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unarchived transactions", err)
	}
	return collectTransactions(rows)
}

// MarkArchived stamps archived_at on the given transactions.
func (r *CreditTransactionRepository) MarkArchived(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_transactions SET archived_at = $2 WHERE id = ANY($1)`,
		ids, at,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark transactions archived", err)
	}
	return tag.RowsAffected(), nil
}

func collectTransactions(rows pgx.Rows) ([]*types.CreditTransaction, error) {
	defer rows.Close()
	var out []*types.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating credit transactions", err)
	}
	return out, nil
}
