package types

import (
	"math"
	"time"
)

// Unlimited is the usage limit value meaning "no cap".
const Unlimited = -1

// DeniedCost is the credit cost sentinel carried by the fail-closed default
// policy. No balance can ever cover it.
const DeniedCost = math.MaxInt64

// Account is an entitlement subject. It is owned by exactly one billing
// subject (a user or an organization).
type Account struct {
	ID                    string     `json:"id"`
	OwnerType             OwnerType  `json:"owner_type"`
	OwnerID               string     `json:"owner_id"`
	Role                  Role       `json:"role"`
	Tier                  Tier       `json:"tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	TrialExpiresAt        *time.Time `json:"trial_expires_at,omitempty"`
	PeriodAnchor          time.Time  `json:"period_anchor"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	LastBillingEventAt    *time.Time `json:"last_billing_event_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FeaturePolicy is the immutable policy for one (tier, feature) pair.
type FeaturePolicy struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	UsageLimit  int    `json:"usage_limit" yaml:"usage_limit"`
	CreditCost  int64  `json:"credit_cost" yaml:"credit_cost"`
	UpgradeHint string `json:"upgrade_hint,omitempty" yaml:"upgrade_hint"`
}

// IsUnlimited reports whether the policy has no usage cap.
func (p FeaturePolicy) IsUnlimited() bool {
	return p.UsageLimit < 0
}

// UsageRecord is the counter for one account, feature and period.
type UsageRecord struct {
	AccountID  string     `json:"account_id"`
	Feature    Feature    `json:"feature"`
	PeriodKey  string     `json:"period_key"`
	Count      int        `json:"count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// UsageCursor is the position of a usage record in (account, period,
// feature) order. Export jobs page with it so that rows they leave behind
// never block the rows after them.
type UsageCursor struct {
	AccountID string
	PeriodKey string
	Feature   Feature
}

// Cursor returns the position of u.
func (u UsageRecord) Cursor() UsageCursor {
	return UsageCursor{AccountID: u.AccountID, PeriodKey: u.PeriodKey, Feature: u.Feature}
}

// CreditAccount holds the materialized balance for an account. The ledger
// (CreditTransaction rows) is the source of truth; Balance is a cache of
// the sum of all deltas.
type CreditAccount struct {
	AccountID        string     `json:"account_id"`
	Balance          int64      `json:"balance"`
	MonthlyAllotment int64      `json:"monthly_allotment"`
	RolloverCap      *int64     `json:"rollover_cap,omitempty"`
	LastResetAt      *time.Time `json:"last_reset_at,omitempty"`
	LastResetPeriod  string     `json:"last_reset_period,omitempty"`
	HaltedAt         *time.Time `json:"halted_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Halted reports whether writes for this account are stopped pending
// operator review of a ledger inconsistency.
func (c *CreditAccount) Halted() bool {
	return c != nil && c.HaltedAt != nil
}

// CreditTransaction is one append-only ledger entry.
type CreditTransaction struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	Delta          int64             `json:"delta"`
	BalanceAfter   int64             `json:"balance_after"`
	Reason         TransactionReason `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CommitRecord is written for every applied Commit so that a replayed
// idempotency key returns the original outcome, including zero-cost commits.
type CommitRecord struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Feature        Feature   `json:"feature"`
	CreditCost     int64     `json:"credit_cost"`
	UsageCount     int       `json:"usage_count"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision is the result of evaluating a feature request.
type Decision struct {
	Allowed        bool               `json:"allowed"`
	Reason         DenialReason       `json:"reason,omitempty"`
	Feature        Feature            `json:"feature"`
	CreditCost     int64              `json:"credit_cost"`
	UsageRemaining int                `json:"usage_remaining"`
	UsageLimit     int                `json:"usage_limit"`
	Balance        int64              `json:"balance"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	PastDue        bool               `json:"past_due,omitempty"`
	UpgradeHint    string             `json:"upgrade_hint,omitempty"`
	PeriodKey      string             `json:"period_key,omitempty"`
}

// CommitResult is returned by a successful Commit.
type CommitResult struct {
	AccountID      string  `json:"account_id"`
	Feature        Feature `json:"feature"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreditCost     int64   `json:"credit_cost"`
	UsageCount     int     `json:"usage_count"`
	Balance        int64   `json:"balance"`
	Replayed       bool    `json:"replayed"`
}

// DebitResult is returned by a successful ledger debit or credit.
type DebitResult struct {
	Transaction *CreditTransaction `json:"transaction"`
	NewBalance  int64              `json:"new_balance"`
	Replayed    bool               `json:"replayed"`
}

// UsageStatus is the read-only view of an account's usage of one feature
// in the current period.
type UsageStatus struct {
	Feature   Feature `json:"feature"`
	PeriodKey string  `json:"period_key"`
	Count     int     `json:"count"`
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
	Capped    bool    `json:"capped"`
}

// BillingUpdate is the externally supplied account-state fact pushed by the
// billing provider. The engine applies it; it never infers it.
type BillingUpdate struct {
	AccountID             string
	Tier                  Tier
	SubscriptionExpiresAt *time.Time
	Canceled              bool
	EventAt               time.Time
}

// LedgerAlert describes a detected divergence between the cached balance
// and the transaction log.
type LedgerAlert struct {
	AccountID     string    `json:"account_id"`
	CachedBalance int64     `json:"cached_balance"`
	LedgerSum     int64     `json:"ledger_sum"`
	DetectedAt    time.Time `json:"detected_at"`
}
