package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/entitlement"
	"creditgate/internal/types"
)

// Store implements entitlement.Store on PostgreSQL. Each account's writes
// are serialized by row locks on its accounts and credit_accounts rows taken
// at the start of WithAccountTx; unrelated accounts never contend.
type Store struct {
	pool   Pool
	logger *slog.Logger
}

var _ entitlement.Store = (*Store)(nil)

// NewStore creates a Store backed by pool.
func NewStore(pool Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	return NewAccountRepository(s.pool).GetByID(ctx, accountID)
}

func (s *Store) GetCreditAccount(ctx context.Context, accountID string) (*types.CreditAccount, error) {
	return NewAccountRepository(s.pool).GetCredit(ctx, accountID)
}

func (s *Store) GetUsage(ctx context.Context, accountID string, feature types.Feature, periodKey string) (int, error) {
	return NewUsageRepository(s.pool).Get(ctx, accountID, feature, periodKey)
}

func (s *Store) ListUsage(ctx context.Context, accountID, periodKey string) (map[types.Feature]int, error) {
	return NewUsageRepository(s.pool).ListForPeriod(ctx, accountID, periodKey)
}

func (s *Store) ListAccounts(ctx context.Context, afterID string, limit int) ([]*types.Account, error) {
	return NewAccountRepository(s.pool).List(ctx, afterID, limit)
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	return NewCreditTransactionRepository(s.pool).List(ctx, accountID, before, limit)
}

// CreateAccount inserts both rows in one transaction.
func (s *Store) CreateAccount(ctx context.Context, account *types.Account, credit *types.CreditAccount) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return NewAccountRepository(tx).Create(ctx, account, credit)
	})
}

// WithAccountTx locks the account, runs fn and commits. Any error from fn
// rolls back every write it made.
func (s *Store) WithAccountTx(ctx context.Context, accountID string, fn func(tx entitlement.AccountTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		accounts := NewAccountRepository(tx)
		account, credit, err := accounts.LockForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		return fn(&accountTx{
			account:  account,
			credit:   credit,
			accounts: accounts,
			txs:      NewCreditTransactionRepository(tx),
			usage:    NewUsageRepository(tx),
			commits:  NewCommitRepository(tx),
		})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// Rollback after a successful Commit is a no-op.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.WarnContext(ctx, "transaction rollback failed", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// accountTx is the locked write view handed to entitlement code.
type accountTx struct {
	account *types.Account
	credit  *types.CreditAccount

	accounts *AccountRepository
	txs      *CreditTransactionRepository
	usage    *UsageRepository
	commits  *CommitRepository
}

func (t *accountTx) Account() *types.Account      { return t.account }
func (t *accountTx) Credit() *types.CreditAccount { return t.credit }

func (t *accountTx) UsageCount(ctx context.Context, feature types.Feature, periodKey string) (int, error) {
	return t.usage.Get(ctx, t.account.ID, feature, periodKey)
}

func (t *accountTx) IncrementUsage(ctx context.Context, feature types.Feature, periodKey string) (int, error) {
	return t.usage.Increment(ctx, t.account.ID, feature, periodKey)
}

func (t *accountTx) FindTransaction(ctx context.Context, key string) (*types.CreditTransaction, error) {
	return t.txs.FindByKey(ctx, t.account.ID, key)
}

func (t *accountTx) AppendTransaction(ctx context.Context, ct *types.CreditTransaction) error {
	if err := t.txs.Insert(ctx, ct); err != nil {
		return err
	}
	if err := t.accounts.SetBalance(ctx, t.account.ID, ct.BalanceAfter); err != nil {
		return err
	}
	t.credit.Balance = ct.BalanceAfter
	return nil
}

func (t *accountTx) SumTransactions(ctx context.Context) (int64, error) {
	return t.txs.Sum(ctx, t.account.ID)
}

func (t *accountTx) FindCommit(ctx context.Context, key string) (*types.CommitRecord, error) {
	return t.commits.FindByKey(ctx, t.account.ID, key)
}

func (t *accountTx) InsertCommit(ctx context.Context, rec *types.CommitRecord) error {
	return t.commits.Insert(ctx, rec)
}

func (t *accountTx) UpdateAccount(ctx context.Context, account *types.Account) error {
	if err := t.accounts.Update(ctx, account); err != nil {
		return err
	}
	*t.account = *account
	return nil
}

func (t *accountTx) UpdateCreditTerms(ctx context.Context, allotment int64, rolloverCap *int64) error {
	if err := t.accounts.UpdateCreditTerms(ctx, t.account.ID, allotment, rolloverCap); err != nil {
		return err
	}
	t.credit.MonthlyAllotment = allotment
	t.credit.RolloverCap = rolloverCap
	return nil
}

func (t *accountTx) MarkReset(ctx context.Context, periodKey string, at time.Time) error {
	if err := t.accounts.MarkReset(ctx, t.account.ID, periodKey, at); err != nil {
		return err
	}
	t.credit.LastResetPeriod = periodKey
	t.credit.LastResetAt = &at
	return nil
}

func (t *accountTx) SetHalted(ctx context.Context, at *time.Time, balance int64) error {
	if err := t.accounts.SetHalted(ctx, t.account.ID, at, balance); err != nil {
		return err
	}
	t.credit.HaltedAt = at
	t.credit.Balance = balance
	return nil
}

// Archive exposes the queries used by the usage_archive maintenance task.
func (s *Store) Archive() *ArchiveRepository {
	return &ArchiveRepository{usage: NewUsageRepository(s.pool), txs: NewCreditTransactionRepository(s.pool)}
}

// ArchiveRepository groups the export queries for closed-period data.
type ArchiveRepository struct {
	usage *UsageRepository
	txs   *CreditTransactionRepository
}

func (r *ArchiveRepository) ListUnarchivedUsage(ctx context.Context, updatedBefore time.Time, after types.UsageCursor, limit int) ([]types.UsageRecord, error) {
	return r.usage.ListUnarchived(ctx, updatedBefore, after, limit)
}

func (r *ArchiveRepository) MarkUsageArchived(ctx context.Context, rec types.UsageRecord, at time.Time) error {
	return r.usage.MarkArchived(ctx, rec, at)
}

func (r *ArchiveRepository) ListUnarchivedTransactions(ctx context.Context, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	return r.txs.ListUnarchived(ctx, before, limit)
}

func (r *ArchiveRepository) MarkTransactionsArchived(ctx context.Context, ids []string, at time.Time) (int64, error) {
	return r.txs.MarkArchived(ctx, ids, at)
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one)
}
