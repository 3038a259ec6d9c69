package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// Evaluator is the single entry point feature modules use: Evaluate to gate
// UI and pre-flight work, Commit once the gated action has succeeded.
type Evaluator struct {
	store     Store
	policies  billing.PolicyRegistry
	lifecycle *billing.Lifecycle
	usage     *UsageTracker
	ledger    *Ledger
	metrics   Metrics
	logger    *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator wires the engine components together.
func NewEvaluator(
	store Store,
	policies billing.PolicyRegistry,
	lifecycle *billing.Lifecycle,
	usage *UsageTracker,
	ledger *Ledger,
	logger *slog.Logger,
	opts ...EvaluatorOption,
) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		store:     store,
		policies:  policies,
		lifecycle: lifecycle,
		usage:     usage,
		ledger:    ledger,
		metrics:   nopMetrics{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Usage exposes the tracker for read-only summaries.
func (e *Evaluator) Usage() *UsageTracker { return e.usage }

// Ledger exposes the credit ledger.
func (e *Evaluator) Ledger() *Ledger { return e.ledger }

// stateReader supplies the mutable inputs of a decision. Evaluate reads them
// from committed state; Commit reads them inside the account transaction.
type stateReader struct {
	usage   func(periodKey string) (int, error)
	balance func() (int64, bool, error)
}

// Evaluate decides whether account may use feature at now. It never writes.
// Storage faults produce a STORAGE_UNAVAILABLE denial rather than an error so
// that a failing store can never read as an allow.
func (e *Evaluator) Evaluate(ctx context.Context, accountID string, feature types.Feature, now time.Time) (types.Decision, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		if isStorageFault(err) {
			return e.unavailable(ctx, feature, err), nil
		}
		return types.Decision{}, err
	}

	read := stateReader{
		usage: func(key string) (int, error) {
			return e.store.GetUsage(ctx, account.ID, feature, key)
		},
		balance: func() (int64, bool, error) {
			ca, err := e.store.GetCreditAccount(ctx, account.ID)
			if err != nil {
				return 0, false, err
			}
			return ca.Balance, ca.Halted(), nil
		},
	}

	d, err := e.decide(account, feature, now, read)
	if err != nil {
		if isStorageFault(err) {
			return e.unavailable(ctx, feature, err), nil
		}
		return types.Decision{}, err
	}
	e.metrics.RecordDecision(ctx, account.Tier, feature, d.Reason)
	return d, nil
}

func (e *Evaluator) unavailable(ctx context.Context, feature types.Feature, err error) types.Decision {
	e.logger.WarnContext(ctx, "entitlement storage unavailable", "feature", feature, "error", err)
	e.metrics.RecordDecision(ctx, "", feature, types.ReasonStorageUnavailable)
	return types.Decision{Allowed: false, Reason: types.ReasonStorageUnavailable, Feature: feature}
}

// decide runs the ordered gate checks. It is shared by Evaluate and Commit so
// both apply exactly the same rules.
func (e *Evaluator) decide(account *types.Account, feature types.Feature, now time.Time, read stateReader) (types.Decision, error) {
	d := types.Decision{Feature: feature}

	if account.Role == types.RoleAdmin {
		e.logger.Debug("admin bypass", "account_id", account.ID, "feature", feature)
		d.Allowed = true
		d.UsageLimit = types.Unlimited
		d.UsageRemaining = types.Unlimited
		return d, nil
	}

	if !e.roleAllows(account.Role, feature) {
		d.Reason = types.ReasonRoleRestricted
		return d, nil
	}

	d.Status = e.lifecycle.Status(account, now)
	d.PastDue = d.Status == types.SubStatusPastDue
	if !billing.MayTransact(d.Status) {
		d.Reason = types.ReasonSubscriptionInactive
		return d, nil
	}

	policy := e.policies.Lookup(account.Tier, feature)
	d.UpgradeHint = policy.UpgradeHint
	if !policy.Enabled {
		d.Reason = types.ReasonFeatureNotInTier
		return d, nil
	}
	d.CreditCost = policy.CreditCost
	d.UsageLimit = policy.UsageLimit

	balance, halted, err := read.balance()
	if err != nil {
		return types.Decision{}, err
	}
	d.Balance = balance
	if halted {
		d.Reason = types.ReasonLedgerHalted
		return d, nil
	}

	d.PeriodKey = e.usage.PeriodKey(account, now)
	count, err := read.usage(d.PeriodKey)
	if err != nil {
		return types.Decision{}, err
	}
	status := usageStatus(policy, feature, d.PeriodKey, count)
	d.UsageRemaining = status.Remaining
	if status.Capped {
		d.Reason = types.ReasonUsageLimitReached
		return d, nil
	}

	if policy.CreditCost > 0 && balance < policy.CreditCost {
		d.Reason = types.ReasonInsufficientCredits
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// roleAllows is the role gate. It is independent of the tier gate and both
// always apply. Unknown roles are restricted.
func (e *Evaluator) roleAllows(role types.Role, feature types.Feature) bool {
	switch role {
	case types.RoleAdmin, types.RoleProfessor:
		return true
	case types.RoleStudent:
		return e.policies.StudentVisible(feature)
	}
	return false
}

// Commit re-checks the decision and applies its consequences in one account
// transaction: the usage increment, the credit debit and the commit record
// are written together or not at all. A repeated key returns the recorded
// result without applying anything.
func (e *Evaluator) Commit(ctx context.Context, accountID string, feature types.Feature, key string, now time.Time) (*types.CommitResult, error) {
	if err := ValidateClientKey(key); err != nil {
		return nil, err
	}

	var (
		result   *types.CommitResult
		decision types.Decision
		tier     types.Tier
		admin    bool
	)
	err := e.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		account := tx.Account()
		tier = account.Tier
		admin = account.Role == types.RoleAdmin

		rec, err := tx.FindCommit(ctx, key)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Feature != feature {
				return types.NewAppErrorWithDetails(types.ErrCodeConflictIdempotency,
					"idempotency key was already used for a different feature", nil,
					map[string]any{"idempotency_key": key, "feature": string(rec.Feature)})
			}
			result = replayResult(rec)
			return nil
		}

		read := stateReader{
			usage: func(periodKey string) (int, error) {
				return tx.UsageCount(ctx, feature, periodKey)
			},
			balance: func() (int64, bool, error) {
				c := tx.Credit()
				return c.Balance, c.Halted(), nil
			},
		}
		decision, err = e.decide(account, feature, now, read)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return types.NewDenialError(decision)
		}

		rec = &types.CommitRecord{
			ID:             uuid.NewString(),
			AccountID:      account.ID,
			IdempotencyKey: key,
			Feature:        feature,
			BalanceAfter:   tx.Credit().Balance,
			CreatedAt:      now.UTC(),
		}

		if !admin {
			count, err := e.usage.Increment(ctx, tx, feature, now)
			if err != nil {
				return err
			}
			rec.UsageCount = count

			if decision.CreditCost > 0 {
				debit, err := e.ledger.applyInTx(ctx, tx, -decision.CreditCost, types.FeatureReason(feature), key)
				if err != nil {
					return err
				}
				rec.CreditCost = decision.CreditCost
				rec.BalanceAfter = debit.NewBalance
			}
		}

		if err := tx.InsertCommit(ctx, rec); err != nil {
			return err
		}
		result = &types.CommitResult{
			AccountID:      rec.AccountID,
			Feature:        rec.Feature,
			IdempotencyKey: rec.IdempotencyKey,
			CreditCost:     rec.CreditCost,
			UsageCount:     rec.UsageCount,
			Balance:        rec.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		if isStorageFault(err) {
			e.logger.WarnContext(ctx, "commit aborted by storage fault",
				"account_id", accountID, "feature", feature, "error", err)
			e.metrics.RecordDecision(ctx, tier, feature, types.ReasonStorageUnavailable)
			return nil, storageUnavailable(err)
		}
		if reason := types.ReasonFromError(err); reason != types.ReasonNone {
			e.metrics.RecordDecision(ctx, tier, feature, reason)
		}
		return nil, err
	}

	if result.Replayed {
		return result, nil
	}

	if admin {
		e.logger.InfoContext(ctx, "admin bypass commit",
			"account_id", accountID,
			"feature", feature,
			"idempotency_key", key,
		)
	}
	e.metrics.RecordDecision(ctx, tier, feature, types.ReasonNone)
	e.metrics.RecordCommit(ctx, feature, result.CreditCost)
	return result, nil
}

func replayResult(rec *types.CommitRecord) *types.CommitResult {
	return &types.CommitResult{
		AccountID:      rec.AccountID,
		Feature:        rec.Feature,
		IdempotencyKey: rec.IdempotencyKey,
		CreditCost:     rec.CreditCost,
		UsageCount:     rec.UsageCount,
		Balance:        rec.BalanceAfter,
		Replayed:       true,
	}
}
