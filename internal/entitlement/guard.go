package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"creditgate/internal/types"
)

// GuardSettings bounds every storage call.
type GuardSettings struct {
	// Timeout applies to each read and to each whole account transaction.
	Timeout time.Duration
	// MaxFailures consecutive storage faults open the breaker.
	MaxFailures uint32
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
}

// GuardedStore wraps a Store with a per-call timeout and a circuit breaker.
// Timeouts, driver errors and an open breaker all surface as
// ErrCodeStorageUnavailable so the evaluator denies instead of allowing.
type GuardedStore struct {
	inner   Store
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

var _ Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner.
func NewGuardedStore(inner Store, s GuardSettings, logger *slog.Logger) *GuardedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	g := &GuardedStore{inner: inner, timeout: s.Timeout, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "entitlement-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isInfraError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// isInfraError separates storage faults from domain errors such as
// not-found or a denial returned by a transaction body.
func isInfraError(err error) bool {
	return isStorageFault(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (g *GuardedStore) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "storage circuit open", err)
	}
	if isInfraError(err) {
		return storageUnavailable(err)
	}
	return err
}

func guarded[T any](g *GuardedStore, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.run(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (g *GuardedStore) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	return guarded(g, ctx, func(ctx context.Context) (*types.Account, error) {
		return g.inner.GetAccount(ctx, accountID)
	})
}

func (g *GuardedStore) GetCreditAccount(ctx context.Context, accountID string) (*types.CreditAccount, error) {
	return guarded(g, ctx, func(ctx context.Context) (*types.CreditAccount, error) {
		return g.inner.GetCreditAccount(ctx, accountID)
	})
}

func (g *GuardedStore) GetUsage(ctx context.Context, accountID string, feature types.Feature, periodKey string) (int, error) {
	return guarded(g, ctx, func(ctx context.Context) (int, error) {
		return g.inner.GetUsage(ctx, accountID, feature, periodKey)
	})
}

func (g *GuardedStore) ListUsage(ctx context.Context, accountID, periodKey string) (map[types.Feature]int, error) {
	return guarded(g, ctx, func(ctx context.Context) (map[types.Feature]int, error) {
		return g.inner.ListUsage(ctx, accountID, periodKey)
	})
}

func (g *GuardedStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*types.Account, error) {
	return guarded(g, ctx, func(ctx context.Context) ([]*types.Account, error) {
		return g.inner.ListAccounts(ctx, afterID, limit)
	})
}

func (g *GuardedStore) ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	return guarded(g, ctx, func(ctx context.Context) ([]*types.CreditTransaction, error) {
		return g.inner.ListTransactions(ctx, accountID, before, limit)
	})
}

func (g *GuardedStore) CreateAccount(ctx context.Context, account *types.Account, credit *types.CreditAccount) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.inner.CreateAccount(ctx, account, credit)
	})
}

// WithAccountTx runs the whole transaction under one deadline. Calls made
// through the AccountTx use the guarded context regardless of the context
// the caller passes.
func (g *GuardedStore) WithAccountTx(ctx context.Context, accountID string, fn func(tx AccountTx) error) error {
	return g.run(ctx, func(ctx context.Context) error {
		return g.inner.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
			return fn(&guardedTx{inner: tx, ctx: ctx})
		})
	})
}

type guardedTx struct {
	inner AccountTx
	ctx   context.Context
}

func (t *guardedTx) Account() *types.Account      { return t.inner.Account() }
func (t *guardedTx) Credit() *types.CreditAccount { return t.inner.Credit() }

func (t *guardedTx) UsageCount(_ context.Context, feature types.Feature, periodKey string) (int, error) {
	return t.inner.UsageCount(t.ctx, feature, periodKey)
}

func (t *guardedTx) IncrementUsage(_ context.Context, feature types.Feature, periodKey string) (int, error) {
	return t.inner.IncrementUsage(t.ctx, feature, periodKey)
}

func (t *guardedTx) FindTransaction(_ context.Context, key string) (*types.CreditTransaction, error) {
	return t.inner.FindTransaction(t.ctx, key)
}

func (t *guardedTx) AppendTransaction(_ context.Context, ct *types.CreditTransaction) error {
	return t.inner.AppendTransaction(t.ctx, ct)
}

func (t *guardedTx) SumTransactions(_ context.Context) (int64, error) {
	return t.inner.SumTransactions(t.ctx)
}

func (t *guardedTx) FindCommit(_ context.Context, key string) (*types.CommitRecord, error) {
	return t.inner.FindCommit(t.ctx, key)
}

func (t *guardedTx) InsertCommit(_ context.Context, rec *types.CommitRecord) error {
	return t.inner.InsertCommit(t.ctx, rec)
}

func (t *guardedTx) UpdateAccount(_ context.Context, account *types.Account) error {
	return t.inner.UpdateAccount(t.ctx, account)
}

func (t *guardedTx) UpdateCreditTerms(_ context.Context, allotment int64, rolloverCap *int64) error {
	return t.inner.UpdateCreditTerms(t.ctx, allotment, rolloverCap)
}

func (t *guardedTx) MarkReset(_ context.Context, periodKey string, at time.Time) error {
	return t.inner.MarkReset(t.ctx, periodKey, at)
}

func (t *guardedTx) SetHalted(_ context.Context, at *time.Time, balance int64) error {
	return t.inner.SetHalted(t.ctx, at, balance)
}
