package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/types"
)

// AccountRepository provides data access for the accounts and
// credit_accounts tables.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// accountColumns defines the standard set of columns selected for account
// queries. Used consistently across all query methods to avoid column drift.
const accountColumns = `a.id, a.owner_type, a.owner_id, a.role, a.tier,
	a.subscription_expires_at, a.trial_expires_at, a.period_anchor,
	a.canceled_at, a.last_billing_event_at, a.created_at, a.updated_at`

// creditColumns defines the columns selected for credit account queries.
const creditColumns = `c.account_id, c.balance, c.monthly_allotment, c.rollover_cap,
	c.last_reset_at, c.last_reset_period, c.halted_at, c.updated_at`

func accountDest(a *types.Account) []any {
	return []any{
		&a.ID,
		&a.OwnerType,
		&a.OwnerID,
		&a.Role,
		&a.Tier,
		&a.SubscriptionExpiresAt,
		&a.TrialExpiresAt,
		&a.PeriodAnchor,
		&a.CanceledAt,
		&a.LastBillingEventAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

func creditDest(c *types.CreditAccount) []any {
	return []any{
		&c.AccountID,
		&c.Balance,
		&c.MonthlyAllotment,
		&c.RolloverCap,
		&c.LastResetAt,
		&c.LastResetPeriod,
		&c.HaltedAt,
		&c.UpdatedAt,
	}
}

func notFoundAccount(id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundAccount, "account not found", nil, map[string]any{"account_id": id})
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*types.Account, error) {
	var a types.Account
	err := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1`,
		id,
	).Scan(accountDest(&a)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFoundAccount(id)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	return &a, nil
}

// GetCredit retrieves the credit account of an account.
func (r *AccountRepository) GetCredit(ctx context.Context, accountID string) (*types.CreditAccount, error) {
	var c types.CreditAccount
	err := r.db.QueryRow(ctx,
		`SELECT `+creditColumns+` FROM credit_accounts c WHERE c.account_id = $1`,
		accountID,
	).Scan(creditDest(&c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCreditAccount, "credit account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get credit account", err)
	}
	return &c, nil
}

// LockForUpdate loads the account and its credit account and holds row
// locks on both until the surrounding transaction ends. It must only be
// called with a pgx.Tx.
func (r *AccountRepository) LockForUpdate(ctx context.Context, id string) (*types.Account, *types.CreditAccount, error) {
	var (
		a types.Account
		c types.CreditAccount
	)
	dest := append(accountDest(&a), creditDest(&c)...)
	err := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`, `+creditColumns+`
		 FROM accounts a
		 JOIN credit_accounts c ON c.account_id = a.id
		 WHERE a.id = $1
		 FOR UPDATE`,
		id,
	).Scan(dest...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, notFoundAccount(id)
		}
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock account", err)
	}
	return &a, &c, nil
}

// List pages through accounts ordered by ID.
func (r *AccountRepository) List(ctx context.Context, afterID string, limit int) ([]*types.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE a.id > $1
		 ORDER BY a.id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list accounts", err)
	}
	defer rows.Close()

	var out []*types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(accountDest(&a)...); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account row", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account rows", err)
	}
	return out, nil
}

// Create inserts the account and its credit account. The credit account
// always starts at a zero balance; grants go through the ledger.
func (r *AccountRepository) Create(ctx context.Context, a *types.Account, c *types.CreditAccount) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, owner_type, owner_id, role, tier,
			subscription_expires_at, trial_expires_at, period_anchor, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OwnerType, a.OwnerID, a.Role, a.Tier,
		a.SubscriptionExpiresAt, a.TrialExpiresAt, a.PeriodAnchor, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictAccountExists, "account already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO credit_accounts (account_id, balance, monthly_allotment, rollover_cap, updated_at)
		 VALUES ($1, 0, $2, $3, $4)`,
		a.ID, c.MonthlyAllotment, c.RolloverCap, a.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create credit account", err)
	}
	return nil
}

// Update writes the mutable account fields.
func (r *AccountRepository) Update(ctx context.Context, a *types.Account) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET tier = $2,
		     subscription_expires_at = $3,
		     trial_expires_at = $4,
		     period_anchor = $5,
		     canceled_at = $6,
		     last_billing_event_at = $7,
		     updated_at = $8
		 WHERE id = $1`,
		a.ID, a.Tier, a.SubscriptionExpiresAt, a.TrialExpiresAt, a.PeriodAnchor,
		a.CanceledAt, a.LastBillingEventAt, a.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundAccount(a.ID)
	}
	return nil
}

// SetBalance moves the cached balance. Only the ledger calls it, in the same
// transaction that appends the matching credit_transactions row.
func (r *AccountRepository) SetBalance(ctx context.Context, accountID string, balance int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE credit_accounts SET balance = $2, updated_at = NOW() WHERE account_id = $1`,
		accountID, balance,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update balance", err)
	}
	return nil
}

// UpdateCreditTerms sets the monthly allotment and rollover cap.
func (r *AccountRepository) UpdateCreditTerms(ctx context.Context, accountID string, allotment int64, rolloverCap *int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE credit_accounts
		 SET monthly_allotment = $2, rollover_cap = $3, updated_at = NOW()
		 WHERE account_id = $1`,
		accountID, allotment, rolloverCap,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update credit terms", err)
	}
	return nil
}

// MarkReset records the period of the latest monthly reset.
func (r *AccountRepository) MarkReset(ctx context.Context, accountID, periodKey string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE credit_accounts
		 SET last_reset_period = $2, last_reset_at = $3, updated_at = NOW()
		 WHERE account_id = $1`,
		accountID, periodKey, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark credit reset", err)
	}
	return nil
}

// SetHalted sets or clears halted_at together with the cached balance.
func (r *AccountRepository) SetHalted(ctx context.Context, accountID string, haltedAt *time.Time, balance int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE credit_accounts
		 SET halted_at = $2, balance = $3, updated_at = NOW()
		 WHERE account_id = $1`,
		accountID, haltedAt, balance,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update halt state", err)
	}
	return nil
}
