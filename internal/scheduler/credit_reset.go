package scheduler

import (
	"context"
	"log/slog"
	"time"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// CreditReader loads the cached credit state of an account.
type CreditReader interface {
	GetCreditAccount(ctx context.Context, accountID string) (*types.CreditAccount, error)
}

// Resetter applies the period rollover. entitlement.Ledger satisfies it.
type Resetter interface {
	MonthlyReset(ctx context.Context, accountID string, now time.Time) (*types.DebitResult, error)
}

// CreditResetService rolls every account whose last reset predates its
// current period into that period.
type CreditResetService struct {
	accounts    AccountLister
	credits     CreditReader
	ledger      Resetter
	clock       billing.PeriodClock
	pageSize    int
	concurrency int
	logger      *slog.Logger
}

// NewCreditResetService creates a CreditResetService. Non-positive pageSize
// or concurrency fall back to 200 and 8.
func NewCreditResetService(accounts AccountLister, credits CreditReader, ledger Resetter, clock billing.PeriodClock,
	pageSize, concurrency int, logger *slog.Logger) *CreditResetService {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &CreditResetService{
		accounts:    accounts,
		credits:     credits,
		ledger:      ledger,
		clock:       clock,
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ResetDue applies MonthlyReset to every account not yet reset for the period
// containing now. Halted accounts are skipped and retried on the next run.
func (s *CreditResetService) ResetDue(ctx context.Context, now time.Time) (Result, error) {
	result := Result{Task: TaskCreditReset}
	err := fanOut(ctx, s.accounts, s.pageSize, s.concurrency, &result, func(ctx context.Context, a *types.Account) outcome {
		return s.resetOne(ctx, a, now)
	})

	s.logger.InfoContext(ctx, "credit reset run complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, err
}

func (s *CreditResetService) resetOne(ctx context.Context, a *types.Account, now time.Time) outcome {
	credit, err := s.credits.GetCreditAccount(ctx, a.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load credit account", "account_id", a.ID, "error", err)
		return outcomeFailed
	}
	periodKey := s.clock.Key(a.PeriodAnchor, now)
	if credit.LastResetPeriod == periodKey {
		return outcomeSkipped
	}
	if credit.Halted() {
		s.logger.WarnContext(ctx, "skipping reset of halted credit account",
			"account_id", a.ID,
			"period_key", periodKey,
		)
		return outcomeSkipped
	}

	res, err := s.ledger.MonthlyReset(ctx, a.ID, now)
	if err != nil {
		if types.HasCode(err, types.ErrCodeLedgerHalted) {
			return outcomeSkipped
		}
		s.logger.ErrorContext(ctx, "monthly reset failed",
			"account_id", a.ID,
			"period_key", periodKey,
			"error", err,
		)
		return outcomeFailed
	}
	if res.Replayed {
		return outcomeSkipped
	}
	return outcomeProcessed
}
