package entitlement

import (
	"context"
	"time"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// UsageTracker maintains per-period feature counters. Counters are created
// lazily and never decrease; a new period simply starts a new key.
type UsageTracker struct {
	store    Store
	policies billing.PolicyRegistry
	clock    billing.PeriodClock
}

// NewUsageTracker creates a UsageTracker.
func NewUsageTracker(store Store, policies billing.PolicyRegistry, clock billing.PeriodClock) *UsageTracker {
	return &UsageTracker{store: store, policies: policies, clock: clock}
}

// PeriodKey returns the period key for the account at now.
func (u *UsageTracker) PeriodKey(account *types.Account, now time.Time) string {
	return u.clock.Key(account.PeriodAnchor, now)
}

// Peek returns the current usage of feature without modifying anything.
func (u *UsageTracker) Peek(ctx context.Context, account *types.Account, feature types.Feature, now time.Time) (types.UsageStatus, error) {
	key := u.PeriodKey(account, now)
	count, err := u.store.GetUsage(ctx, account.ID, feature, key)
	if err != nil {
		return types.UsageStatus{}, err
	}
	return usageStatus(u.policies.Lookup(account.Tier, feature), feature, key, count), nil
}

// Summary returns the usage of every known feature for the current period.
func (u *UsageTracker) Summary(ctx context.Context, account *types.Account, now time.Time) ([]types.UsageStatus, error) {
	key := u.PeriodKey(account, now)
	counts, err := u.store.ListUsage(ctx, account.ID, key)
	if err != nil {
		return nil, err
	}

	features := u.policies.Features()
	out := make([]types.UsageStatus, 0, len(features))
	for _, f := range features {
		out = append(out, usageStatus(u.policies.Lookup(account.Tier, f), f, key, counts[f]))
	}
	return out, nil
}

// Increment records one use of feature. It must only be called from inside
// a transaction that also applies the matching credit debit.
func (u *UsageTracker) Increment(ctx context.Context, tx AccountTx, feature types.Feature, now time.Time) (int, error) {
	return tx.IncrementUsage(ctx, feature, u.PeriodKey(tx.Account(), now))
}

// usageStatus derives the cap view from a policy and a raw count.
func usageStatus(policy types.FeaturePolicy, feature types.Feature, key string, count int) types.UsageStatus {
	s := types.UsageStatus{
		Feature:   feature,
		PeriodKey: key,
		Count:     count,
		Limit:     policy.UsageLimit,
		Remaining: types.Unlimited,
	}
	if !policy.IsUnlimited() {
		s.Capped = count >= policy.UsageLimit
		s.Remaining = max(policy.UsageLimit-count, 0)
	}
	return s
}
