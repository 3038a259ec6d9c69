package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/entitlement"
	"creditgate/internal/types"
)

// AccountService covers account reads and operator writes.
type AccountService interface {
	Get(ctx context.Context, accountID string) (*types.Account, *types.CreditAccount, error)
	Create(ctx context.Context, in entitlement.CreateAccountInput, now time.Time) (*types.Account, *types.CreditAccount, error)
	OverrideTier(ctx context.Context, accountID string, tier types.Tier, expiresAt *time.Time, now time.Time) (*types.Account, error)
}

// UsageReporter summarizes current-period usage for UI gating.
type UsageReporter interface {
	Summary(ctx context.Context, account *types.Account, now time.Time) ([]types.UsageStatus, error)
}

// StatusResolver derives the lifecycle status of an account.
type StatusResolver interface {
	Status(a *types.Account, now time.Time) types.SubscriptionStatus
}

// CreateAccountRequest is the body of POST /v1/accounts.
type CreateAccountRequest struct {
	ID                    string          `json:"id" validate:"required,max=128"`
	OwnerType             types.OwnerType `json:"owner_type" validate:"required,owner_type"`
	OwnerID               string          `json:"owner_id" validate:"required,max=128"`
	Role                  types.Role      `json:"role" validate:"required,role"`
	Tier                  types.Tier      `json:"tier" validate:"required,tier"`
	SubscriptionExpiresAt *time.Time      `json:"subscription_expires_at,omitempty"`
	TrialExpiresAt        *time.Time      `json:"trial_expires_at,omitempty"`
	PeriodAnchor          *time.Time      `json:"period_anchor,omitempty"`
}

// TierOverrideRequest is the body of PATCH /v1/accounts/{id}/tier.
type TierOverrideRequest struct {
	Tier                  types.Tier `json:"tier" validate:"required,tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
}

// AccountView is the account as returned by the API.
type AccountView struct {
	Account *types.Account           `json:"account"`
	Status  types.SubscriptionStatus `json:"status"`
	Credit  *types.CreditAccount     `json:"credit,omitempty"`
}

// UsageView is the response of GET /v1/accounts/{id}/usage.
type UsageView struct {
	AccountID string                   `json:"account_id"`
	Tier      types.Tier               `json:"tier"`
	Status    types.SubscriptionStatus `json:"status"`
	Features  []types.UsageStatus      `json:"features"`
}

// AccountHandler serves account reads, creation and tier overrides.
type AccountHandler struct {
	accounts  AccountService
	usage     UsageReporter
	status    StatusResolver
	validator *core.Validator
	maxBody   int64
	now       Clock
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(
	accounts AccountService,
	usage UsageReporter,
	status StatusResolver,
	v *core.Validator,
	maxBody int64,
	now Clock,
	l *slog.Logger,
) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	if now == nil {
		now = systemClock
	}
	return &AccountHandler{
		accounts:  accounts,
		usage:     usage,
		status:    status,
		validator: v,
		maxBody:   maxBody,
		now:       now,
		logger:    l,
	}
}

// RegisterRoutes mounts the /accounts routes. Reads need the service scope;
// creation and tier overrides need admin.
func (h *AccountHandler) RegisterRoutes(r chi.Router, guard ScopeGuard) {
	r.With(guard(types.ScopeAdmin)).Post("/accounts", h.Create)
	r.With(guard(types.ScopeService)).Get("/accounts/{id}", h.Get)
	r.With(guard(types.ScopeService)).Get("/accounts/{id}/usage", h.Usage)
	r.With(guard(types.ScopeAdmin)).Patch("/accounts/{id}/tier", h.OverrideTier)
}

// Create handles POST /v1/accounts. The account receives its tier's first
// allotment as an INITIAL_GRANT transaction.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := core.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.now()
	account, credit, err := h.accounts.Create(r.Context(), entitlement.CreateAccountInput{
		ID:                    req.ID,
		OwnerType:             req.OwnerType,
		OwnerID:               req.OwnerID,
		Role:                  req.Role,
		Tier:                  req.Tier,
		SubscriptionExpiresAt: req.SubscriptionExpiresAt,
		TrialExpiresAt:        req.TrialExpiresAt,
		PeriodAnchor:          req.PeriodAnchor,
	}, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "account provisioned",
		"account_id", account.ID,
		"actor", actor.Name,
	)
	core.Data(w, r, http.StatusCreated, AccountView{
		Account: account,
		Status:  h.status.Status(account, now),
		Credit:  credit,
	})
}

// Get handles GET /v1/accounts/{id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	account, credit, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, AccountView{
		Account: account,
		Status:  h.status.Status(account, h.now()),
		Credit:  credit,
	})
}

// Usage handles GET /v1/accounts/{id}/usage. It is read-only.
func (h *AccountHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	account, _, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.now()
	features, err := h.usage.Summary(r.Context(), account, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, UsageView{
		AccountID: account.ID,
		Tier:      account.Tier,
		Status:    h.status.Status(account, now),
		Features:  features,
	})
}

// OverrideTier handles PATCH /v1/accounts/{id}/tier. A tier change starts a
// new period and applies the new tier's credit plan.
func (h *AccountHandler) OverrideTier(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req TierOverrideRequest
	if err := core.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.now()
	account, err := h.accounts.OverrideTier(r.Context(), id, req.Tier, req.SubscriptionExpiresAt, now)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	_, credit, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.WarnContext(r.Context(), "tier overridden by operator",
		"account_id", id,
		"tier", req.Tier,
		"actor", actor.Name,
	)
	core.Data(w, r, http.StatusOK, AccountView{
		Account: account,
		Status:  h.status.Status(account, now),
		Credit:  credit,
	})
}
