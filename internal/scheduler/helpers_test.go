package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditgate/internal/billing"
	"creditgate/internal/entitlement"
	"creditgate/internal/memstore"
	"creditgate/internal/types"
)

var (
	testAnchor  = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	testCreated = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	nextPeriod  = time.Date(2025, 4, 2, 3, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engine struct {
	store    *memstore.Store
	clock    billing.PeriodClock
	ledger   *entitlement.Ledger
	accounts *entitlement.Accounts
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := discardLogger()
	store := memstore.New()
	clock := billing.NewPeriodClock(0)
	ledger := entitlement.NewLedger(store, clock, 10, logger,
		entitlement.WithLedgerClock(func() time.Time { return nextPeriod }))
	return &engine{
		store:    store,
		clock:    clock,
		ledger:   ledger,
		accounts: entitlement.NewAccounts(store, billing.NewDefaultRegistry(), clock, ledger, logger),
	}
}

func (e *engine) create(t *testing.T, id string, tier types.Tier) {
	t.Helper()
	anchor := testAnchor
	_, _, err := e.accounts.Create(context.Background(), entitlement.CreateAccountInput{
		ID:           id,
		OwnerType:    types.OwnerUser,
		OwnerID:      "user_" + id,
		Role:         types.RoleProfessor,
		Tier:         tier,
		PeriodAnchor: &anchor,
	}, testCreated)
	require.NoError(t, err)
}

func (e *engine) credit(t *testing.T, id string) *types.CreditAccount {
	t.Helper()
	c, err := e.store.GetCreditAccount(context.Background(), id)
	require.NoError(t, err)
	return c
}

// seedDiverged stores an account whose cached balance (10) disagrees with
// its ledger (5).
func (e *engine) seedDiverged(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.Seed(
		&types.Account{ID: id, OwnerType: types.OwnerUser, OwnerID: "user_" + id,
			Role: types.RoleProfessor, Tier: types.TierBasic, PeriodAnchor: testAnchor},
		&types.CreditAccount{Balance: 10, MonthlyAllotment: 50},
		&types.CreditTransaction{ID: "tx_" + id, Delta: 5, BalanceAfter: 5,
			Reason: types.TxReasonInitialGrant, IdempotencyKey: entitlement.InitialGrantKey, CreatedAt: testCreated},
	))
}

var errListing = errors.New("connection refused")

type failingLister struct{}

func (failingLister) ListAccounts(context.Context, string, int) ([]*types.Account, error) {
	return nil, errListing
}

// countingLister records the page requests made against an inner lister.
type countingLister struct {
	inner AccountLister
	calls []string
}

func (c *countingLister) ListAccounts(ctx context.Context, afterID string, limit int) ([]*types.Account, error) {
	c.calls = append(c.calls, afterID)
	return c.inner.ListAccounts(ctx, afterID, limit)
}
