// Package memstore is an in-process entitlement.Store. Writers for one
// account are serialized by a per-account mutex; a transaction's writes are
// staged and published under a short global write lock only when it
// succeeds, so readers see committed state only.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"creditgate/internal/entitlement"
	"creditgate/internal/types"
)

type usageKey struct {
	accountID string
	feature   types.Feature
	periodKey string
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*types.Account
	credits  map[string]*types.CreditAccount
	usage    map[usageKey]*types.UsageRecord
	ledger   map[string][]*types.CreditTransaction
	txKeys   map[string]map[string]*types.CreditTransaction
	commits  map[string]map[string]*types.CommitRecord

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

var _ entitlement.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*types.Account),
		credits:  make(map[string]*types.CreditAccount),
		usage:    make(map[usageKey]*types.UsageRecord),
		ledger:   make(map[string][]*types.CreditTransaction),
		txKeys:   make(map[string]map[string]*types.CreditTransaction),
		commits:  make(map[string]map[string]*types.CommitRecord),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func notFoundAccount(id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundAccount, "account not found", nil, map[string]any{"account_id": id})
}

// Seed loads an account with its credit state and ledger verbatim. The cached
// balance is stored as given, even if it disagrees with the ledger.
func (s *Store) Seed(account *types.Account, credit *types.CreditAccount, txs ...*types.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return types.NewAppError(types.ErrCodeConflictAccountExists, "account already exists", nil)
	}
	a, c := *account, *credit
	c.AccountID = a.ID
	s.accounts[a.ID] = &a
	s.credits[a.ID] = &c
	s.txKeys[a.ID] = make(map[string]*types.CreditTransaction)
	s.commits[a.ID] = make(map[string]*types.CommitRecord)
	for _, t := range txs {
		cp := *t
		cp.AccountID = a.ID
		s.ledger[a.ID] = append(s.ledger[a.ID], &cp)
		s.txKeys[a.ID][cp.IdempotencyKey] = &cp
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, notFoundAccount(accountID)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetCreditAccount(_ context.Context, accountID string) (*types.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credits[accountID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCreditAccount, "credit account not found", nil)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetUsage(_ context.Context, accountID string, feature types.Feature, periodKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.usage[usageKey{accountID, feature, periodKey}]; ok {
		return r.Count, nil
	}
	return 0, nil
}

func (s *Store) ListUsage(_ context.Context, accountID, periodKey string) (map[types.Feature]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Feature]int)
	for k, r := range s.usage {
		if k.accountID == accountID && k.periodKey == periodKey {
			out[k.feature] = r.Count
		}
	}
	return out, nil
}

// UsageRecords returns every counter of an account, across all periods.
func (s *Store) UsageRecords(accountID string) []types.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.UsageRecord
	for k, r := range s.usage {
		if k.accountID == accountID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b types.UsageRecord) int {
		return cmp.Or(cmp.Compare(a.PeriodKey, b.PeriodKey), cmp.Compare(a.Feature, b.Feature))
	})
	return out
}

func (s *Store) ListAccounts(_ context.Context, afterID string, limit int) ([]*types.Account, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*types.Account, 0, len(ids))
	for _, id := range ids {
		cp := *s.accounts[id]
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.ledger[accountID]
	out := make([]*types.CreditTransaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		t := all[i]
		if !before.IsZero() && !t.CreatedAt.Before(before) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// Transactions returns the full ledger of an account in append order.
func (s *Store) Transactions(accountID string) []types.CreditTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CreditTransaction, 0, len(s.ledger[accountID]))
	for _, t := range s.ledger[accountID] {
		out = append(out, *t)
	}
	return out
}

func (s *Store) CreateAccount(_ context.Context, account *types.Account, credit *types.CreditAccount) error {
	c := *credit
	c.Balance = 0
	return s.Seed(account, &c)
}

func (s *Store) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *Store) WithAccountTx(ctx context.Context, accountID string, fn func(tx entitlement.AccountTx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "transaction aborted", err)
	}

	s.mu.RLock()
	a, ok := s.accounts[accountID]
	c := s.credits[accountID]
	var account types.Account
	var credit types.CreditAccount
	if ok {
		account, credit = *a, *c
	}
	s.mu.RUnlock()
	if !ok {
		return notFoundAccount(accountID)
	}

	tx := &accountTx{
		store:   s,
		account: &account,
		credit:  &credit,
		usage:   make(map[usageKey]int),
		txKeys:  make(map[string]*types.CreditTransaction),
		commits: make(map[string]*types.CommitRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.NewAppError(types.ErrCodeStorageUnavailable, "transaction aborted", err)
	}
	s.publish(tx)
	return nil
}

// publish makes a successful transaction visible in one step.
func (s *Store) publish(tx *accountTx) {
	now := s.now().UTC()
	id := tx.account.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.accountDirty {
		a := *tx.account
		s.accounts[id] = &a
	}
	c := *tx.credit
	c.UpdatedAt = now
	s.credits[id] = &c

	for k, count := range tx.usage {
		r, ok := s.usage[k]
		if !ok {
			r = &types.UsageRecord{AccountID: k.accountID, Feature: k.feature, PeriodKey: k.periodKey, CreatedAt: now}
			s.usage[k] = r
		}
		r.Count = count
		r.UpdatedAt = now
	}
	for _, t := range tx.appended {
		s.ledger[id] = append(s.ledger[id], t)
		s.txKeys[id][t.IdempotencyKey] = t
	}
	for key, rec := range tx.commits {
		s.commits[id][key] = rec
	}
}

// accountTx stages writes until the transaction body returns.
type accountTx struct {
	store        *Store
	account      *types.Account
	credit       *types.CreditAccount
	accountDirty bool

	usage    map[usageKey]int
	appended []*types.CreditTransaction
	txKeys   map[string]*types.CreditTransaction
	commits  map[string]*types.CommitRecord
}

func (t *accountTx) Account() *types.Account      { return t.account }
func (t *accountTx) Credit() *types.CreditAccount { return t.credit }

func (t *accountTx) UsageCount(ctx context.Context, feature types.Feature, periodKey string) (int, error) {
	k := usageKey{t.account.ID, feature, periodKey}
	if n, ok := t.usage[k]; ok {
		return n, nil
	}
	return t.store.GetUsage(ctx, t.account.ID, feature, periodKey)
}

func (t *accountTx) IncrementUsage(ctx context.Context, feature types.Feature, periodKey string) (int, error) {
	n, err := t.UsageCount(ctx, feature, periodKey)
	if err != nil {
		return 0, err
	}
	n++
	t.usage[usageKey{t.account.ID, feature, periodKey}] = n
	return n, nil
}

func (t *accountTx) FindTransaction(_ context.Context, key string) (*types.CreditTransaction, error) {
	if ct, ok := t.txKeys[key]; ok {
		return ct, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if ct, ok := t.store.txKeys[t.account.ID][key]; ok {
		cp := *ct
		return &cp, nil
	}
	return nil, nil
}

func (t *accountTx) AppendTransaction(ctx context.Context, ct *types.CreditTransaction) error {
	if prior, _ := t.FindTransaction(ctx, ct.IdempotencyKey); prior != nil {
		return types.NewAppError(types.ErrCodeConflictIdempotency, "duplicate idempotency key", nil)
	}
	cp := *ct
	t.appended = append(t.appended, &cp)
	t.txKeys[cp.IdempotencyKey] = &cp
	t.credit.Balance = cp.BalanceAfter
	return nil
}

func (t *accountTx) SumTransactions(_ context.Context) (int64, error) {
	var sum int64
	t.store.mu.RLock()
	for _, ct := range t.store.ledger[t.account.ID] {
		sum += ct.Delta
	}
	t.store.mu.RUnlock()
	for _, ct := range t.appended {
		sum += ct.Delta
	}
	return sum, nil
}

func (t *accountTx) FindCommit(_ context.Context, key string) (*types.CommitRecord, error) {
	if rec, ok := t.commits[key]; ok {
		return rec, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if rec, ok := t.store.commits[t.account.ID][key]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (t *accountTx) InsertCommit(ctx context.Context, rec *types.CommitRecord) error {
	if prior, _ := t.FindCommit(ctx, rec.IdempotencyKey); prior != nil {
		return types.NewAppError(types.ErrCodeConflictIdempotency, "duplicate idempotency key", nil)
	}
	cp := *rec
	t.commits[cp.IdempotencyKey] = &cp
	return nil
}

func (t *accountTx) UpdateAccount(_ context.Context, account *types.Account) error {
	*t.account = *account
	t.accountDirty = true
	return nil
}

func (t *accountTx) UpdateCreditTerms(_ context.Context, allotment int64, rolloverCap *int64) error {
	t.credit.MonthlyAllotment = allotment
	t.credit.RolloverCap = rolloverCap
	return nil
}

func (t *accountTx) MarkReset(_ context.Context, periodKey string, at time.Time) error {
	t.credit.LastResetPeriod = periodKey
	t.credit.LastResetAt = &at
	return nil
}

func (t *accountTx) SetHalted(_ context.Context, at *time.Time, balance int64) error {
	t.credit.HaltedAt = at
	t.credit.Balance = balance
	return nil
}
