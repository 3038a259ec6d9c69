package billing

import (
	"testing"
	"time"

	"creditgate/internal/types"
)

func TestLifecycle_Status(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	lc := NewLifecycle(72 * time.Hour)

	tests := []struct {
		name    string
		account types.Account
		want    types.SubscriptionStatus
	}{
		{"free without trial date", types.Account{Tier: types.TierFree}, types.SubStatusTrialing},
		{"free trial running", types.Account{Tier: types.TierFree, TrialExpiresAt: at(time.Hour)}, types.SubStatusTrialing},
		{"free trial elapsed", types.Account{Tier: types.TierFree, TrialExpiresAt: at(-time.Second)}, types.SubStatusExpired},
		{"free trial ends exactly now", types.Account{Tier: types.TierFree, TrialExpiresAt: at(0)}, types.SubStatusExpired},
		{"enterprise open ended", types.Account{Tier: types.TierEnterprise}, types.SubStatusActive},
		{"paid in term", types.Account{Tier: types.TierBasic, SubscriptionExpiresAt: at(24 * time.Hour)}, types.SubStatusActive},
		{"paid in grace", types.Account{Tier: types.TierBasic, SubscriptionExpiresAt: at(-time.Hour)}, types.SubStatusPastDue},
		{"paid past grace", types.Account{Tier: types.TierPremium, SubscriptionExpiresAt: at(-73 * time.Hour)}, types.SubStatusExpired},
		{"canceled wins over dates", types.Account{Tier: types.TierBasic, SubscriptionExpiresAt: at(24 * time.Hour), CanceledAt: at(-time.Minute)}, types.SubStatusCanceled},
		{"canceled free", types.Account{Tier: types.TierFree, CanceledAt: at(-time.Minute)}, types.SubStatusCanceled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := lc.Status(&tc.account, now); got != tc.want {
				t.Errorf("Status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestLifecycle_NoGraceWindow(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	exp := now.Add(-time.Second)
	lc := NewLifecycle(0)

	got := lc.Status(&types.Account{Tier: types.TierBasic, SubscriptionExpiresAt: &exp}, now)
	if got != types.SubStatusExpired {
		t.Errorf("Status = %s, want EXPIRED", got)
	}
	if NewLifecycle(-time.Hour).GracePeriod() != 0 {
		t.Error("negative grace should clamp to zero")
	}
}

func TestMayTransact(t *testing.T) {
	want := map[types.SubscriptionStatus]bool{
		types.SubStatusTrialing: true,
		types.SubStatusActive:   true,
		types.SubStatusPastDue:  true,
		types.SubStatusExpired:  false,
		types.SubStatusCanceled: false,
	}
	for status, ok := range want {
		if got := MayTransact(status); got != ok {
			t.Errorf("MayTransact(%s) = %v, want %v", status, got, ok)
		}
	}
}
