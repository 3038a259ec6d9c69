package entitlement

import (
	"context"
	"log/slog"
	"time"

	"creditgate/internal/billing"
	"creditgate/internal/types"
)

// CreateAccountInput describes a new entitlement subject.
type CreateAccountInput struct {
	ID                    string
	OwnerType             types.OwnerType
	OwnerID               string
	Role                  types.Role
	Tier                  types.Tier
	SubscriptionExpiresAt *time.Time
	TrialExpiresAt        *time.Time
	// PeriodAnchor defaults to the creation time.
	PeriodAnchor *time.Time
}

// Accounts applies account-state writes: creation, billing provider updates
// and operator tier overrides. Credit changes always go through the Ledger.
type Accounts struct {
	store    Store
	policies billing.PolicyRegistry
	clock    billing.PeriodClock
	ledger   *Ledger
	logger   *slog.Logger
}

// NewAccounts creates an Accounts service.
func NewAccounts(store Store, policies billing.PolicyRegistry, clock billing.PeriodClock, ledger *Ledger, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{store: store, policies: policies, clock: clock, ledger: ledger, logger: logger}
}

// Get returns the account and its credit state.
func (s *Accounts) Get(ctx context.Context, accountID string) (*types.Account, *types.CreditAccount, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	credit, err := s.store.GetCreditAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return account, credit, nil
}

// Create inserts the account and grants the first allotment of its tier.
// If the grant fails the account still exists with a zero balance and the
// next credit_reset run grants the period allotment.
func (s *Accounts) Create(ctx context.Context, in CreateAccountInput, now time.Time) (*types.Account, *types.CreditAccount, error) {
	if err := validateCreate(in); err != nil {
		return nil, nil, err
	}

	now = now.UTC()
	anchor := now
	if in.PeriodAnchor != nil {
		anchor = in.PeriodAnchor.UTC()
	}
	account := &types.Account{
		ID:                    in.ID,
		OwnerType:             in.OwnerType,
		OwnerID:               in.OwnerID,
		Role:                  in.Role,
		Tier:                  in.Tier,
		SubscriptionExpiresAt: in.SubscriptionExpiresAt,
		TrialExpiresAt:        in.TrialExpiresAt,
		PeriodAnchor:          anchor,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	plan := s.policies.CreditPlan(in.Tier)
	credit := &types.CreditAccount{
		AccountID:        in.ID,
		MonthlyAllotment: plan.MonthlyAllotment,
		RolloverCap:      plan.RolloverCap,
		UpdatedAt:        now,
	}
	if err := s.store.CreateAccount(ctx, account, credit); err != nil {
		return nil, nil, err
	}

	err := s.store.WithAccountTx(ctx, account.ID, func(tx AccountTx) error {
		if plan.MonthlyAllotment > 0 {
			if _, err := s.ledger.applyInTx(ctx, tx, plan.MonthlyAllotment, types.TxReasonInitialGrant, InitialGrantKey); err != nil {
				return err
			}
		}
		if err := tx.MarkReset(ctx, s.clock.Key(anchor, now), now); err != nil {
			return err
		}
		credit = tx.Credit()
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "initial credit grant failed", "account_id", account.ID, "error", err)
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "account created",
		"account_id", account.ID,
		"owner_type", account.OwnerType,
		"role", account.Role,
		"tier", account.Tier,
		"initial_balance", credit.Balance,
	)
	return account, credit, nil
}

func validateCreate(in CreateAccountInput) error {
	switch {
	case in.ID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	case in.OwnerID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "owner id is required", nil)
	case in.OwnerType != types.OwnerUser && in.OwnerType != types.OwnerOrganization:
		return types.NewAppError(types.ErrCodeValidationMissingField, "owner type must be USER or ORGANIZATION", nil)
	case !in.Role.Valid():
		return types.NewAppError(types.ErrCodeValidationInvalidRole, "unknown role", nil)
	case !in.Tier.Valid():
		return types.NewAppError(types.ErrCodeValidationInvalidTier, "unknown tier", nil)
	}
	return nil
}

// ApplyBillingUpdate writes a billing provider fact onto the account. Events
// strictly older than the last applied one are rejected with
// ErrCodeConflictStaleBillingEvent so reordered webhooks cannot roll state
// back. Provider timestamps have one-second resolution, so an event from the
// same second as the last one (subscription.updated right after .created)
// is applied in arrival order.
func (s *Accounts) ApplyBillingUpdate(ctx context.Context, u types.BillingUpdate, now time.Time) (*types.Account, error) {
	if u.AccountID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	}
	if !u.Canceled && !u.Tier.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTier, "unknown tier", nil)
	}

	var out types.Account
	err := s.store.WithAccountTx(ctx, u.AccountID, func(tx AccountTx) error {
		a := tx.Account()
		if a.LastBillingEventAt != nil && u.EventAt.Before(*a.LastBillingEventAt) {
			s.logger.WarnContext(ctx, "BILLING_ALERT: stale billing event ignored",
				"account_id", a.ID,
				"event_at", u.EventAt,
				"last_event_at", *a.LastBillingEventAt,
			)
			return types.NewAppError(types.ErrCodeConflictStaleBillingEvent, "billing event is older than the last applied event", nil)
		}

		eventAt := u.EventAt.UTC()
		next := *a
		next.LastBillingEventAt = &eventAt
		next.UpdatedAt = now.UTC()
		if u.Canceled {
			next.CanceledAt = &eventAt
		} else {
			next.CanceledAt = nil
			next.SubscriptionExpiresAt = u.SubscriptionExpiresAt
		}

		if !u.Canceled && u.Tier != a.Tier {
			if err := s.changeTier(ctx, tx, &next, u.Tier, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateAccount(ctx, &next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "billing update applied",
		"account_id", out.ID,
		"tier", out.Tier,
		"canceled", u.Canceled,
	)
	return &out, nil
}

// OverrideTier is the operator path for moving an account between tiers
// outside the billing provider. A nil expiry leaves the current one.
func (s *Accounts) OverrideTier(ctx context.Context, accountID string, tier types.Tier, expiresAt *time.Time, now time.Time) (*types.Account, error) {
	if !tier.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTier, "unknown tier", nil)
	}

	var out types.Account
	err := s.store.WithAccountTx(ctx, accountID, func(tx AccountTx) error {
		a := tx.Account()
		next := *a
		next.UpdatedAt = now.UTC()
		if expiresAt != nil {
			next.SubscriptionExpiresAt = expiresAt
		}
		if tier != a.Tier {
			if err := s.changeTier(ctx, tx, &next, tier, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateAccount(ctx, &next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "tier override applied", "account_id", accountID, "tier", tier)
	return &out, nil
}

// changeTier re-anchors the period at now, so usage counters start fresh
// under the new tier, and applies the new tier's credit plan with an
// immediate reset for the new period.
func (s *Accounts) changeTier(ctx context.Context, tx AccountTx, next *types.Account, tier types.Tier, now time.Time) error {
	from := next.Tier
	next.Tier = tier
	next.PeriodAnchor = now.UTC()

	plan := s.policies.CreditPlan(tier)
	if err := tx.UpdateCreditTerms(ctx, plan.MonthlyAllotment, plan.RolloverCap); err != nil {
		return err
	}
	// resetInTx reads the anchor from tx.Account().
	*tx.Account() = *next
	if tx.Credit().Halted() {
		s.logger.WarnContext(ctx, "tier changed on halted ledger, credit reset deferred", "account_id", next.ID)
	} else if _, err := s.ledger.resetInTx(ctx, tx, now); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "tier changed", "account_id", next.ID, "from", from, "to", tier)
	return nil
}
