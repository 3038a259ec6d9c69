package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/types"
)

// UsageRepository provides data access for per-period feature counters.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a new UsageRepository.
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// Get returns the counter value, or zero if the period has no record yet.
func (r *UsageRepository) Get(ctx context.Context, accountID string, feature types.Feature, periodKey string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM usage_records
		 WHERE account_id = $1 AND feature = $2 AND period_key = $3`,
		accountID, feature, periodKey,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to get usage", err)
	}
	return count, nil
}

// ListForPeriod returns every counter of an account in one period.
func (r *UsageRepository) ListForPeriod(ctx context.Context, accountID, periodKey string) (map[types.Feature]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT feature, count FROM usage_records
		 WHERE account_id = $1 AND period_key = $2`,
		accountID, periodKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list usage", err)
	}
	defer rows.Close()

	out := make(map[types.Feature]int)
	for rows.Next() {
		var (
			feature types.Feature
			count   int
		)
		if err := rows.Scan(&feature, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage row", err)
		}
		out[feature] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage rows", err)
	}
	return out, nil
}

// Increment adds one to the counter, creating it lazily, and returns the
// new value.
func (r *UsageRepository) Increment(ctx context.Context, accountID string, feature types.Feature, periodKey string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (account_id, feature, period_key, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (account_id, feature, period_key)
		 DO UPDATE SET count = usage_records.count + 1, updated_at = NOW()
		 RETURNING count`,
		accountID, feature, periodKey,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}
	return count, nil
}

// ListUnarchived returns counters not yet exported whose last write is older
// than the cutoff, in (account_id, period_key, feature) order strictly after
// the cursor. Records of a still-open period are skipped by the caller, which
// pages past them with the cursor; a zero cursor starts from the beginning.
func (r *UsageRepository) ListUnarchived(ctx context.Context, updatedBefore time.Time, after types.UsageCursor, limit int) ([]types.UsageRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT account_id, feature, period_key, count, created_at, updated_at
		 FROM usage_records
		 WHERE archived_at IS NULL AND updated_at < $1
		   AND (account_id, period_key, feature) > ($2, $3, $4)
		 ORDER BY account_id, period_key, feature
		 LIMIT $5`,
		updatedBefore, after.AccountID, after.PeriodKey, after.Feature, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unarchived usage", err)
	}
	defer rows.Close()

	var out []types.UsageRecord
	for rows.Next() {
		var u types.UsageRecord
		if err := rows.Scan(&u.AccountID, &u.Feature, &u.PeriodKey, &u.Count, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage record", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage records", err)
	}
	return out, nil
}

// MarkArchived stamps archived_at on one counter. The row itself is kept.
func (r *UsageRepository) MarkArchived(ctx context.Context, rec types.UsageRecord, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE usage_records SET archived_at = $4
		 WHERE account_id = $1 AND feature = $2 AND period_key = $3`,
		rec.AccountID, rec.Feature, rec.PeriodKey, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark usage archived", err)
	}
	return nil
}
