package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/types"
)

// EntitlementService is the single gate feature modules consult.
type EntitlementService interface {
	Evaluate(ctx context.Context, accountID string, feature types.Feature, now time.Time) (types.Decision, error)
	Commit(ctx context.Context, accountID string, feature types.Feature, key string, now time.Time) (*types.CommitResult, error)
}

// EntitlementRequest is the body of both evaluate and commit.
type EntitlementRequest struct {
	AccountID string        `json:"account_id" validate:"required,max=128"`
	Feature   types.Feature `json:"feature" validate:"required,feature"`
}

// EntitlementHandler serves the evaluate and commit endpoints.
type EntitlementHandler struct {
	service   EntitlementService
	validator *core.Validator
	maxBody   int64
	now       Clock
	logger    *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler. A nil clock uses the
// system clock.
func NewEntitlementHandler(service EntitlementService, v *core.Validator, maxBody int64, now Clock, l *slog.Logger) *EntitlementHandler {
	if l == nil {
		l = slog.Default()
	}
	if now == nil {
		now = systemClock
	}
	return &EntitlementHandler{service: service, validator: v, maxBody: maxBody, now: now, logger: l}
}

// RegisterRoutes mounts /entitlements. Both routes need the service scope.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router, guard ScopeGuard) {
	r.Route("/entitlements", func(r chi.Router) {
		r.Use(guard(types.ScopeService))
		r.Post("/evaluate", h.Evaluate)
		r.Post("/commit", h.Commit)
	})
}

func (h *EntitlementHandler) decode(w http.ResponseWriter, r *http.Request) (*EntitlementRequest, error) {
	var req EntitlementRequest
	if err := core.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		return nil, err
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Evaluate handles POST /v1/entitlements/evaluate. The decision is returned
// with 200 whether or not it allows the request; only an unknown account or
// a malformed request is an error.
func (h *EntitlementHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.service.Evaluate(r.Context(), req.AccountID, req.Feature, h.now())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if decision.Reason == types.ReasonStorageUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	core.Data(w, r, http.StatusOK, decision)
}

// Commit handles POST /v1/entitlements/commit. A denial is reported as an
// error whose code names the denial reason. Replays of a recorded key return
// the original result with replayed set.
func (h *EntitlementHandler) Commit(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	req, err := h.decode(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.Commit(r.Context(), req.AccountID, req.Feature, key, h.now())
	if err != nil {
		if reason := types.ReasonFromError(err); reason != types.ReasonNone {
			h.logger.InfoContext(r.Context(), "commit denied",
				"account_id", req.AccountID,
				"feature", req.Feature,
				"reason", reason,
			)
		}
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, result)
}
