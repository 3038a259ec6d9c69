package billing

import (
	"time"

	"creditgate/internal/types"
)

// Lifecycle derives the point-in-time subscription status of an account from
// its stored dates. It holds no state beyond the grace window.
type Lifecycle struct {
	grace time.Duration
}

// NewLifecycle returns a Lifecycle with the given grace window past
// subscription expiry. A negative window is treated as zero.
func NewLifecycle(grace time.Duration) *Lifecycle {
	if grace < 0 {
		grace = 0
	}
	return &Lifecycle{grace: grace}
}

// GracePeriod returns the configured grace window.
func (l *Lifecycle) GracePeriod() time.Duration {
	return l.grace
}

// Status evaluates the lifecycle rules in order. An explicit cancellation
// from the billing provider wins over every date-based rule.
func (l *Lifecycle) Status(a *types.Account, now time.Time) types.SubscriptionStatus {
	if a.CanceledAt != nil {
		return types.SubStatusCanceled
	}

	if a.Tier == types.TierFree {
		if a.TrialExpiresAt == nil || a.TrialExpiresAt.After(now) {
			return types.SubStatusTrialing
		}
		return types.SubStatusExpired
	}

	exp := a.SubscriptionExpiresAt
	switch {
	case exp == nil:
		return types.SubStatusActive
	case exp.After(now):
		return types.SubStatusActive
	case l.grace > 0 && now.Before(exp.Add(l.grace)):
		return types.SubStatusPastDue
	default:
		return types.SubStatusExpired
	}
}

// MayTransact reports whether an account in status s may use gated features.
func MayTransact(s types.SubscriptionStatus) bool {
	switch s {
	case types.SubStatusActive, types.SubStatusTrialing, types.SubStatusPastDue:
		return true
	}
	return false
}
