package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/types"
)

// CreditLedger is the subset of the ledger the credit routes use.
type CreditLedger interface {
	Transactions(ctx context.Context, accountID string, before time.Time, limit int) ([]*types.CreditTransaction, error)
	Adjust(ctx context.Context, accountID string, delta int64, reason types.TransactionReason, key string) (*types.DebitResult, error)
	Reconcile(ctx context.Context, accountID string) (*types.LedgerAlert, error)
	Resume(ctx context.Context, accountID string) (int64, error)
}

// CreditAccountReader loads the cached credit state of an account.
type CreditAccountReader interface {
	Get(ctx context.Context, accountID string) (*types.Account, *types.CreditAccount, error)
}

// AdjustmentRequest is the body of POST /v1/accounts/{id}/credits/adjustments.
// A positive delta grants credits, a negative one removes them; the balance
// never goes below zero.
type AdjustmentRequest struct {
	Delta  int64                   `json:"delta" validate:"required"`
	Reason types.TransactionReason `json:"reason,omitempty" validate:"omitempty,oneof=MANUAL_ADJUSTMENT REFUND"`
}

// TransactionPage is one page of ledger entries, newest first.
type TransactionPage struct {
	Data       []*types.CreditTransaction `json:"data"`
	Pagination types.PageInfo             `json:"pagination"`
	NextBefore *time.Time                 `json:"next_before,omitempty"`
}

// ReconcileView reports the outcome of a reconciliation.
type ReconcileView struct {
	AccountID  string             `json:"account_id"`
	Consistent bool               `json:"consistent"`
	Alert      *types.LedgerAlert `json:"alert,omitempty"`
}

// ResumeView reports the balance after a halt is lifted.
type ResumeView struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// CreditHandler serves the credit balance, the ledger and operator credit
// operations.
type CreditHandler struct {
	ledger    CreditLedger
	accounts  CreditAccountReader
	validator *core.Validator
	maxBody   int64
	logger    *slog.Logger
}

// NewCreditHandler creates a CreditHandler.
func NewCreditHandler(ledger CreditLedger, accounts CreditAccountReader, v *core.Validator, maxBody int64, l *slog.Logger) *CreditHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CreditHandler{ledger: ledger, accounts: accounts, validator: v, maxBody: maxBody, logger: l}
}

// RegisterRoutes mounts the /accounts/{id}/credits routes.
func (h *CreditHandler) RegisterRoutes(r chi.Router, guard ScopeGuard) {
	const base = "/accounts/{id}/credits"
	service, admin := guard(types.ScopeService), guard(types.ScopeAdmin)

	r.With(service).Get(base, h.Balance)
	r.With(service).Get(base+"/transactions", h.Transactions)
	r.With(admin).Post(base+"/adjustments", h.Adjust)
	r.With(admin).Post(base+"/reconcile", h.Reconcile)
	r.With(admin).Post(base+"/resume", h.Resume)
}

// Balance handles GET /v1/accounts/{id}/credits.
func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	_, credit, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, credit)
}

// Transactions handles GET /v1/accounts/{id}/credits/transactions.
// Query: before (RFC3339 cursor, exclusive) and limit.
func (h *CreditHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	q := r.URL.Query()
	limit := types.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > types.MaxListLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
				"limit must be a number between 1 and "+strconv.Itoa(types.MaxListLimit), err,
				map[string]any{"field": "limit"}))
			return
		}
		limit = n
	}
	var before time.Time
	if raw := q.Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"before must be an RFC3339 timestamp", err,
				map[string]any{"field": "before"}))
			return
		}
	}

	txs, err := h.ledger.Transactions(r.Context(), id, before, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if txs == nil {
		txs = []*types.CreditTransaction{}
	}
	page := TransactionPage{
		Data:       txs,
		Pagination: types.PageInfo{Limit: limit, HasMore: len(txs) == limit},
	}
	if page.Pagination.HasMore {
		next := txs[len(txs)-1].CreatedAt
		page.NextBefore = &next
	}
	core.JSON(w, r, http.StatusOK, page)
}

// Adjust handles POST /v1/accounts/{id}/credits/adjustments. The
// Idempotency-Key makes retries safe: a replay returns the recorded
// transaction with 200 instead of 201.
func (h *CreditHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req AdjustmentRequest
	if err := core.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = types.TxReasonManualAdjustment
	}

	res, err := h.ledger.Adjust(r.Context(), id, req.Delta, req.Reason, key)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	} else {
		actor, _ := types.GetActor(r.Context())
		h.logger.InfoContext(r.Context(), "operator credit adjustment",
			"account_id", id,
			"delta", req.Delta,
			"reason", req.Reason,
			"actor", actor.Name,
		)
	}
	core.Data(w, r, status, res)
}

// Reconcile handles POST /v1/accounts/{id}/credits/reconcile. A divergence
// halts the account and is reported in the body, not as an error.
func (h *CreditHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	alert, err := h.ledger.Reconcile(r.Context(), id)
	if err != nil && !(alert != nil && types.HasCode(err, types.ErrCodeInternalLedgerInconsistent)) {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, ReconcileView{
		AccountID:  id,
		Consistent: alert == nil,
		Alert:      alert,
	})
}

// Resume handles POST /v1/accounts/{id}/credits/resume. The cached balance
// is rebuilt from the ledger and writes are allowed again.
func (h *CreditHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	balance, err := h.ledger.Resume(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	actor, _ := types.GetActor(r.Context())
	h.logger.WarnContext(r.Context(), "ledger resume requested", "account_id", id, "actor", actor.Name)
	core.Data(w, r, http.StatusOK, ResumeView{AccountID: id, Balance: balance})
}
