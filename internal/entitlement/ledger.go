package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// MonthlyResetKeyPrefix prefixes the idempotency key of a monthly reset; the
// period key completes it, making one reset per account and period.
const MonthlyResetKeyPrefix = "MONTHLY_RESET:"

// InitialGrantKey is the idempotency key of the first allotment granted when
// an account is created.
const InitialGrantKey = "INITIAL_GRANT"

// ValidateClientKey checks an idempotency key supplied by a caller. Keys the
// ledger issues for itself (the initial grant and monthly resets) are
// reserved, so a caller can never pre-empt or replay them.
func ValidateClientKey(key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeValidationIdempotencyKey, "idempotency key is required", nil)
	}
	if key == InitialGrantKey || strings.HasPrefix(key, MonthlyResetKeyPrefix) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationReservedKey,
			"idempotency key uses a reserved ledger prefix", nil,
			map[string]any{"idempotency_key": key})
	}
	return nil
}

// Ledger is the append-only credit ledger. Every balance change is a
// CreditTransaction appended in the same storage transaction that moves the
// cached balance.
type Ledger struct {
	store              Store
	clock              billing.PeriodClock
	defaultRolloverCap int64
	metrics            Metrics
	alerter            Alerter
	logger             *slog.Logger
	now                func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerMetrics sets the metrics sink.
func WithLedgerMetrics(m Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// WithAlerter sets where ledger inconsistency alerts are sent.
func WithAlerter(a Alerter) LedgerOption {
	return func(l *Ledger) { l.alerter = a }
}

// WithLedgerClock overrides the wall clock used to stamp transactions.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger. defaultRolloverCap applies to credit accounts
// that carry no cap of their own.
func NewLedger(store Store, clock billing.PeriodClock, defaultRolloverCap int64, logger *slog.Logger, opts ...LedgerOption) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:              store,
		clock:              clock,
		defaultRolloverCap: defaultRolloverCap,
		metrics:            nopMetrics{},
		alerter:            nopAlerter{},
		logger:             logger,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance returns the committed cached balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	ca, err := l.store.GetCreditAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return ca.Balance, nil
}

// Transactions lists ledger entries newest first, strictly before the cursor.
// A zero cursor starts from the newest entry.
func (l *Ledger) Transactions(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, accountID, before, types.ClampLimit(limit))
}

// TryDebit removes amount credits unless that would take the balance below
// zero. A repeated key returns the originally recorded result.
func (l *Ledger) TryDebit(ctx context.Context, accountID string, amount int64, reason types.TransactionReason, key string) (*types.DebitResult, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "debit amount must be positive", nil)
	}
	return l.apply(ctx, accountID, -amount, reason, key)
}

// Credit adds amount credits. A repeated key returns the originally recorded
// result.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason types.TransactionReason, key string) (*types.DebitResult, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "credit amount must be positive", nil)
	}
	return l.apply(ctx, accountID, amount, reason, key)
}

// Adjust applies a signed operator adjustment through the same debit or
// credit path; the balance floor still holds for negative deltas.
func (l *Ledger) Adjust(ctx context.Context, accountID string, delta int64, reason types.TransactionReason, key string) (*types.DebitResult, error) {
	if delta == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "adjustment must be non-zero", nil)
	}
	res, err := l.apply(ctx, accountID, delta, reason, key)
	if err == nil && !res.Replayed {
		l.logger.InfoContext(ctx, "credit adjustment applied",
			"account_id", accountID,
			"delta", delta,
			"reason", reason,
			"new_balance", res.NewBalance,
		)
	}
	return res, err
}

func (l *Ledger) apply(ctx context.Context, accountID string, delta int64, reason types.TransactionReason, key string) (*types.DebitResult, error) {
	if err := ValidateClientKey(key); err != nil {
		return nil, err
	}

	var result *types.DebitResult
	err := l.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		var err error
		result, err = l.applyInTx(ctx, tx, delta, reason, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyInTx appends one transaction inside an open account transaction.
func (l *Ledger) applyInTx(ctx context.Context, tx AccountTx, delta int64, reason types.TransactionReason, key string) (*types.DebitResult, error) {
	credit := tx.Credit()
	if credit.Halted() {
		return nil, haltedError(credit)
	}

	prior, err := tx.FindTransaction(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Delta != delta || prior.Reason != reason {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictIdempotency,
				"idempotency key was already used for a different transaction", nil,
				map[string]any{"idempotency_key": key, "delta": prior.Delta, "reason": string(prior.Reason)})
		}
		return &types.DebitResult{Transaction: prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
	}

	next := credit.Balance + delta
	if next < 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDeniedInsufficientCredits,
			fmt.Sprintf("balance %d cannot cover %d credits", credit.Balance, -delta), nil,
			map[string]any{"reason": string(types.ReasonInsufficientCredits), "balance": credit.Balance, "credit_cost": -delta})
	}

	t := &types.CreditTransaction{
		ID:             uuid.NewString(),
		AccountID:      credit.AccountID,
		Delta:          delta,
		BalanceAfter:   next,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      l.now().UTC(),
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}
	return &types.DebitResult{Transaction: t, NewBalance: next}, nil
}

// MonthlyReset rolls the balance over into the period containing now:
// the balance is capped at the rollover cap and the monthly allotment is
// added, as a single MONTHLY_RESET transaction keyed by the period.
func (l *Ledger) MonthlyReset(ctx context.Context, accountID string, now time.Time) (*types.DebitResult, error) {
	var result *types.DebitResult
	err := l.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		var err error
		result, err = l.resetInTx(ctx, tx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		l.logger.InfoContext(ctx, "monthly credit reset applied",
			"account_id", accountID,
			"delta", result.Transaction.Delta,
			"new_balance", result.NewBalance,
			"idempotency_key", result.Transaction.IdempotencyKey,
		)
	}
	return result, nil
}

func (l *Ledger) resetInTx(ctx context.Context, tx AccountTx, now time.Time) (*types.DebitResult, error) {
	credit := tx.Credit()
	if credit.Halted() {
		return nil, haltedError(credit)
	}
	period := l.clock.Current(tx.Account().PeriodAnchor, now)
	key := MonthlyResetKeyPrefix + period.Key

	prior, err := tx.FindTransaction(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Reason != types.TxReasonMonthlyReset {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictIdempotency,
				"reset key is held by a different transaction", nil,
				map[string]any{"idempotency_key": key, "reason": string(prior.Reason)})
		}
		return &types.DebitResult{Transaction: prior, NewBalance: prior.BalanceAfter, Replayed: true}, nil
	}

	rolloverCap := l.defaultRolloverCap
	if credit.RolloverCap != nil {
		rolloverCap = *credit.RolloverCap
	}
	carried := min(credit.Balance, max(rolloverCap, 0))
	delta := carried + credit.MonthlyAllotment - credit.Balance

	result, err := l.applyInTx(ctx, tx, delta, types.TxReasonMonthlyReset, key)
	if err != nil {
		return nil, err
	}
	if err := tx.MarkReset(ctx, period.Key, l.now().UTC()); err != nil {
		return nil, err
	}
	return result, nil
}

// Reconcile compares the cached balance with the sum of the ledger. On a
// mismatch the account is halted, an operator alert is raised and an
// ErrCodeInternalLedgerInconsistent error is returned. The cache is never
// corrected here.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (*types.LedgerAlert, error) {
	var alert *types.LedgerAlert
	err := l.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		credit := tx.Credit()
		sum, err := tx.SumTransactions(ctx)
		if err != nil {
			return err
		}
		if sum == credit.Balance {
			return nil
		}

		now := l.now().UTC()
		alert = &types.LedgerAlert{
			AccountID:     credit.AccountID,
			CachedBalance: credit.Balance,
			LedgerSum:     sum,
			DetectedAt:    now,
		}
		if credit.Halted() {
			return nil
		}
		return tx.SetHalted(ctx, &now, credit.Balance)
	})
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, nil
	}

	l.logger.ErrorContext(ctx, "LEDGER_ALERT: cached balance diverges from transaction log, writes halted",
		"account_id", alert.AccountID,
		"cached_balance", alert.CachedBalance,
		"ledger_sum", alert.LedgerSum,
	)
	l.metrics.RecordLedgerInconsistency(ctx, alert.AccountID)
	if perr := l.alerter.PublishLedgerAlert(ctx, *alert); perr != nil {
		l.logger.ErrorContext(ctx, "failed to publish ledger alert", "account_id", alert.AccountID, "error", perr)
	}

	return alert, types.NewAppErrorWithDetails(types.ErrCodeInternalLedgerInconsistent,
		"cached balance diverges from transaction log", nil,
		map[string]any{"cached_balance": alert.CachedBalance, "ledger_sum": alert.LedgerSum})
}

// Resume lifts a halt after operator review. The cached balance is rebuilt
// from the transaction log, which is the source of truth.
func (l *Ledger) Resume(ctx context.Context, accountID string) (int64, error) {
	var (
		balance int64
		resumed bool
	)
	err := l.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		credit := tx.Credit()
		if !credit.Halted() {
			balance = credit.Balance
			return nil
		}
		sum, err := tx.SumTransactions(ctx)
		if err != nil {
			return err
		}
		balance, resumed = sum, true
		return tx.SetHalted(ctx, nil, sum)
	})
	if err != nil {
		return 0, err
	}
	if resumed {
		l.logger.WarnContext(ctx, "ledger writes resumed", "account_id", accountID, "balance", balance)
	}
	return balance, nil
}

func haltedError(credit *types.CreditAccount) error {
	details := map[string]any{"reason": string(types.ReasonLedgerHalted)}
	if credit.HaltedAt != nil {
		details["halted_at"] = credit.HaltedAt.UTC().Format(time.RFC3339)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeLedgerHalted,
		"credit ledger is halted pending operator review", nil, details)
}
