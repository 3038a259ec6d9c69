package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditgate/internal/billing"
	"creditgate/internal/entitlement"
	"creditgate/internal/memstore"
	"creditgate/internal/types"
)

var (
	testNow    = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	testAnchor = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

type recordingMetrics struct {
	mu        sync.Mutex
	decisions map[types.DenialReason]int
	commits   int
	debited   int64
	alerts    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{decisions: make(map[types.DenialReason]int)}
}

func (m *recordingMetrics) RecordDecision(_ context.Context, _ types.Tier, _ types.Feature, reason types.DenialReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[reason]++
}

func (m *recordingMetrics) RecordCommit(_ context.Context, _ types.Feature, cost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	m.debited += cost
}

func (m *recordingMetrics) RecordLedgerInconsistency(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts++
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []types.LedgerAlert
}

func (a *recordingAlerter) PublishLedgerAlert(_ context.Context, alert types.LedgerAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

type fixture struct {
	store    *memstore.Store
	registry *billing.Registry
	eval     *entitlement.Evaluator
	ledger   *entitlement.Ledger
	accounts *entitlement.Accounts
	metrics  *recordingMetrics
	alerter  *recordingAlerter
}

type fixtureOpts struct {
	store    entitlement.Store
	policies *billing.PolicySet
	grace    time.Duration
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	f := &fixture{
		store:   memstore.New(),
		metrics: newRecordingMetrics(),
		alerter: &recordingAlerter{},
	}
	set := opts.policies
	if set == nil {
		set = billing.DefaultPolicySet()
	}
	reg, err := billing.NewRegistry(set)
	require.NoError(t, err)
	f.registry = reg

	var store entitlement.Store = f.store
	if opts.store != nil {
		store = opts.store
	}

	clock := billing.NewPeriodClock(0)
	f.ledger = entitlement.NewLedger(store, clock, 10, nil,
		entitlement.WithLedgerMetrics(f.metrics),
		entitlement.WithAlerter(f.alerter),
		entitlement.WithLedgerClock(func() time.Time { return testNow }),
	)
	usage := entitlement.NewUsageTracker(store, reg, clock)
	f.eval = entitlement.NewEvaluator(store, reg, billing.NewLifecycle(opts.grace), usage, f.ledger, nil,
		entitlement.WithMetrics(f.metrics))
	f.accounts = entitlement.NewAccounts(store, reg, clock, f.ledger, nil)
	return f
}

// seed stores an account whose ledger holds a single grant equal to balance.
func (f *fixture) seed(t *testing.T, a types.Account, balance int64) *types.Account {
	t.Helper()
	if a.ID == "" {
		a.ID = "acct_1"
	}
	if a.OwnerType == "" {
		a.OwnerType = types.OwnerUser
		a.OwnerID = "user_" + a.ID
	}
	if a.PeriodAnchor.IsZero() {
		a.PeriodAnchor = testAnchor
	}
	credit := &types.CreditAccount{AccountID: a.ID, Balance: balance, MonthlyAllotment: 50}
	var txs []*types.CreditTransaction
	if balance != 0 {
		txs = append(txs, &types.CreditTransaction{
			ID:             "tx_seed_" + a.ID,
			Delta:          balance,
			BalanceAfter:   balance,
			Reason:         types.TxReasonInitialGrant,
			IdempotencyKey: entitlement.InitialGrantKey,
			CreatedAt:      testNow.Add(-time.Hour),
		})
	}
	require.NoError(t, f.store.Seed(&a, credit, txs...))
	return &a
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

// requireLedgerInvariant checks that the cached balance equals the sum of
// all ledger deltas.
func (f *fixture) requireLedgerInvariant(t *testing.T, accountID string) {
	t.Helper()
	var sum int64
	for _, tx := range f.store.Transactions(accountID) {
		sum += tx.Delta
	}
	require.Equal(t, sum, f.balance(t, accountID), "cached balance diverges from ledger")
}

func professor(tier types.Tier) types.Account {
	return types.Account{Role: types.RoleProfessor, Tier: tier}
}

// failingStore fails every read and transaction with err.
type failingStore struct {
	*memstore.Store
	err error
}

func (s *failingStore) GetAccount(context.Context, string) (*types.Account, error) {
	return nil, s.err
}

func (s *failingStore) GetCreditAccount(context.Context, string) (*types.CreditAccount, error) {
	return nil, s.err
}

func (s *failingStore) WithAccountTx(context.Context, string, func(entitlement.AccountTx) error) error {
	return s.err
}
