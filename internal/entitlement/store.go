// Package entitlement decides whether an account may use a feature and
// durably records the usage and credit consequences of that decision.
//
// All mutations for one account run inside Store.WithAccountTx, which
// serializes writers per account. Reads go straight to the Store and never
// wait on an in-flight transaction.
package entitlement

import (
	"context"
	"time"

	"creditgate/internal/types"
)

// Store is the persistence boundary of the engine. Implementations must
// return *types.AppError values: ErrCodeNotFound* for missing rows,
// ErrCodeInternalDB or ErrCodeStorageUnavailable for infrastructure faults.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*types.Account, error)
	GetCreditAccount(ctx context.Context, accountID string) (*types.CreditAccount, error)
	GetUsage(ctx context.Context, accountID string, feature types.Feature, periodKey string) (int, error)
	ListUsage(ctx context.Context, accountID, periodKey string) (map[types.Feature]int, error)

	// ListAccounts pages through accounts ordered by ID, starting after afterID.
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*types.Account, error)
	// ListTransactions returns entries newest first, created strictly before
	// before; a zero before means no upper bound.
	ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error)

	// CreateAccount inserts the account with a zero-balance credit account.
	// It fails with ErrCodeConflictAccountExists if the ID is taken.
	CreateAccount(ctx context.Context, account *types.Account, credit *types.CreditAccount) error

	// WithAccountTx runs fn with exclusive write access to one account's
	// usage and credit state. If fn returns an error nothing it wrote is
	// kept.
	WithAccountTx(ctx context.Context, accountID string, fn func(tx AccountTx) error) error
}

// AccountTx is the write view of a single account inside WithAccountTx.
// Account and Credit return the state as loaded when the transaction began,
// updated in place by the mutating methods.
type AccountTx interface {
	Account() *types.Account
	Credit() *types.CreditAccount

	UsageCount(ctx context.Context, feature types.Feature, periodKey string) (int, error)
	// IncrementUsage adds one to the counter, creating it at zero first,
	// and returns the new count.
	IncrementUsage(ctx context.Context, feature types.Feature, periodKey string) (int, error)

	// FindTransaction returns nil, nil when the key has not been used.
	FindTransaction(ctx context.Context, idempotencyKey string) (*types.CreditTransaction, error)
	// AppendTransaction stores t and sets the cached balance to
	// t.BalanceAfter.
	AppendTransaction(ctx context.Context, t *types.CreditTransaction) error
	SumTransactions(ctx context.Context) (int64, error)

	// FindCommit returns nil, nil when the key has not been used.
	FindCommit(ctx context.Context, idempotencyKey string) (*types.CommitRecord, error)
	InsertCommit(ctx context.Context, rec *types.CommitRecord) error

	UpdateAccount(ctx context.Context, account *types.Account) error
	UpdateCreditTerms(ctx context.Context, allotment int64, rolloverCap *int64) error
	MarkReset(ctx context.Context, periodKey string, at time.Time) error

	// SetHalted stops (non-nil at) or resumes (nil) writes for the account.
	// Resuming also rewrites the cached balance to the given value.
	SetHalted(ctx context.Context, at *time.Time, balance int64) error
}

// Metrics receives engine events. Implementations must not block.
type Metrics interface {
	RecordDecision(ctx context.Context, tier types.Tier, feature types.Feature, reason types.DenialReason)
	RecordCommit(ctx context.Context, feature types.Feature, creditCost int64)
	RecordLedgerInconsistency(ctx context.Context, accountID string)
}

// Alerter delivers ledger inconsistency alerts to operators.
type Alerter interface {
	PublishLedgerAlert(ctx context.Context, alert types.LedgerAlert) error
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(context.Context, types.Tier, types.Feature, types.DenialReason) {}
func (nopMetrics) RecordCommit(context.Context, types.Feature, int64)                            {}
func (nopMetrics) RecordLedgerInconsistency(context.Context, string)                             {}

type nopAlerter struct{}

func (nopAlerter) PublishLedgerAlert(context.Context, types.LedgerAlert) error { return nil }

// isStorageFault reports whether err came from the storage layer rather than
// from a domain rule.
func isStorageFault(err error) bool {
	return types.HasCode(err, types.ErrCodeInternalDB) || types.HasCode(err, types.ErrCodeStorageUnavailable)
}

// storageUnavailable normalizes a storage fault to the transient code callers
// may retry with the same idempotency key.
func storageUnavailable(err error) error {
	if types.HasCode(err, types.ErrCodeStorageUnavailable) {
		return err
	}
	return types.NewAppError(types.ErrCodeStorageUnavailable, "storage temporarily unavailable", err)
}
