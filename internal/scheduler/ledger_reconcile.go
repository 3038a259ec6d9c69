package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"creditgate/internal/types"
)

// Reconciler compares cached balances with the ledger. entitlement.Ledger
// satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID string) (*types.LedgerAlert, error)
}

// LedgerReconcileService verifies every credit account. Divergent accounts
// are halted and alerted by the Reconciler itself.
type LedgerReconcileService struct {
	accounts    AccountLister
	ledger      Reconciler
	pageSize    int
	concurrency int
	logger      *slog.Logger
}

func NewLedgerReconcileService(accounts AccountLister, ledger Reconciler, pageSize, concurrency int, logger *slog.Logger) *LedgerReconcileService {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &LedgerReconcileService{
		accounts:    accounts,
		ledger:      ledger,
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ReconcileAll checks every account. Processed counts consistent accounts,
// Failed counts divergent ones and accounts that could not be checked.
func (s *LedgerReconcileService) ReconcileAll(ctx context.Context, _ time.Time) (Result, error) {
	result := Result{Task: TaskLedgerReconcile}
	var divergent atomic.Int64
	err := fanOut(ctx, s.accounts, s.pageSize, s.concurrency, &result, func(ctx context.Context, a *types.Account) outcome {
		alert, err := s.ledger.Reconcile(ctx, a.ID)
		if alert != nil {
			divergent.Add(1)
			return outcomeFailed
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "reconcile failed", "account_id", a.ID, "error", err)
			return outcomeFailed
		}
		return outcomeProcessed
	})

	level := slog.LevelInfo
	if result.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "ledger reconcile run complete",
		"consistent", result.Processed,
		"divergent", divergent.Load(),
		"failed", result.Failed,
	)
	return result, err
}
