package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/core"
	"creditgate/internal/external"
	"creditgate/internal/types"
)

// maxWebhookBodySize bounds a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// BillingUpdater applies billing provider facts to accounts.
type BillingUpdater interface {
	ApplyBillingUpdate(ctx context.Context, u types.BillingUpdate, now time.Time) (*types.Account, error)
}

// StripeWebhookConfig configures the Stripe webhook handler.
type StripeWebhookConfig struct {
	Secret string
	// PriceTiers maps Stripe price IDs to tiers.
	PriceTiers map[string]types.Tier
	// MetadataKey names the subscription metadata entry carrying the account
	// id. Defaults to "account_id".
	MetadataKey string
}

// StripeWebhookHandler turns Stripe subscription events into BillingUpdates.
// It is unauthenticated; the Stripe-Signature header is verified instead.
type StripeWebhookHandler struct {
	verifier    external.WebhookVerifier
	updater     BillingUpdater
	secret      string
	prices      map[string]types.Tier
	metadataKey string
	now         Clock
	logger      *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	updater BillingUpdater,
	cfg StripeWebhookConfig,
	now Clock,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = systemClock
	}
	key := cfg.MetadataKey
	if key == "" {
		key = "account_id"
	}
	return &StripeWebhookHandler{
		verifier:    verifier,
		updater:     updater,
		secret:      cfg.Secret,
		prices:      cfg.PriceTiers,
		metadataKey: key,
		now:         now,
		logger:      logger,
	}
}

// RegisterRoutes mounts the public webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing/stripe", h.Handle)
}

// errIgnoredEvent marks an event that is acknowledged without effect.
var errIgnoredEvent = errors.New("event ignored")

// Handle verifies and applies one Stripe event.
//
// Events that can never be applied (unknown account, unmapped price, stale
// ordering) are acknowledged with 200 so Stripe stops redelivering them.
// Storage faults answer 503 so Stripe retries later.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "invalid webhook event JSON", err))
		return
	}

	update, err := h.billingUpdate(&event)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, errIgnoredEvent) {
			level = slog.LevelDebug
		}
		h.logger.Log(r.Context(), level, "webhook event not applied",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err = h.updater.ApplyBillingUpdate(r.Context(), *update, h.now())
	switch {
	case err == nil:
		h.logger.InfoContext(r.Context(), "stripe billing event applied",
			"event_id", event.ID,
			"event_type", event.Type,
			"account_id", update.AccountID,
			"tier", update.Tier,
			"canceled", update.Canceled,
		)
	case types.HasCode(err, types.ErrCodeStorageUnavailable):
		h.logger.WarnContext(r.Context(), "storage unavailable, asking Stripe to retry",
			"event_id", event.ID,
			"account_id", update.AccountID,
		)
		core.Error(w, r, err)
		return
	case types.HasCode(err, types.ErrCodeConflictStaleBillingEvent):
		h.logger.InfoContext(r.Context(), "stale stripe event acknowledged",
			"event_id", event.ID,
			"account_id", update.AccountID,
		)
	default:
		h.logger.ErrorContext(r.Context(), "stripe billing event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"account_id", update.AccountID,
			"error", err,
		)
	}
	w.WriteHeader(http.StatusOK)
}

// billingUpdate maps a subscription event to the fact the engine applies.
func (h *StripeWebhookHandler) billingUpdate(event *stripeWebhookEvent) (*types.BillingUpdate, error) {
	switch event.Type {
	case external.EventStripeSubCreated, external.EventStripeSubUpdated, external.EventStripeSubDeleted:
	default:
		return nil, fmt.Errorf("%w: unhandled type %s", errIgnoredEvent, event.Type)
	}

	var data stripeEventData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	var sub stripeSubscriptionObj
	if err := json.Unmarshal(data.Object, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}

	accountID := strings.TrimSpace(sub.Metadata[h.metadataKey])
	if accountID == "" {
		return nil, fmt.Errorf("subscription %s has no %s metadata", sub.ID, h.metadataKey)
	}

	update := &types.BillingUpdate{
		AccountID: accountID,
		EventAt:   event.eventTimestamp(),
	}
	if event.Type == external.EventStripeSubDeleted || sub.terminal() {
		update.Canceled = true
		return update, nil
	}

	priceID := sub.priceID()
	tier, ok := h.prices[priceID]
	if !ok {
		return nil, fmt.Errorf("subscription %s uses unmapped price %q", sub.ID, priceID)
	}
	update.Tier = tier
	if end := sub.periodEnd(); end > 0 {
		exp := time.Unix(end, 0).UTC()
		update.SubscriptionExpiresAt = &exp
	}
	return update, nil
}

// stripeWebhookEvent is the minimal envelope of a Stripe event.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeSubscriptionObj holds the subscription fields the engine reads.
// Newer API versions carry current_period_end on the items only.
type stripeSubscriptionObj struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price            stripeSubPrice `json:"price"`
	CurrentPeriodEnd int64          `json:"current_period_end"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

func (e *stripeWebhookEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// terminal reports statuses after which the subscription never pays again.
func (s *stripeSubscriptionObj) terminal() bool {
	return s.Status == "canceled" || s.Status == "incomplete_expired"
}

func (s *stripeSubscriptionObj) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

func (s *stripeSubscriptionObj) periodEnd() int64 {
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd > 0 {
		return s.Items.Data[0].CurrentPeriodEnd
	}
	return s.CurrentPeriodEnd
}
