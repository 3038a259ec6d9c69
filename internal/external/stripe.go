// Package external holds the adapters to third-party providers. The engine
// only consumes billing facts pushed by Stripe, so the single integration is
// webhook signature verification.
package external

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the signature header and
	// signing secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types consumed by the billing webhook.
const (
	EventStripeSubCreated = "customer.subscription.created"
	EventStripeSubUpdated = "customer.subscription.updated"
	EventStripeSubDeleted = "customer.subscription.deleted"
)

// ErrWebhookSecretMissing is returned when no signing secret is configured.
var ErrWebhookSecretMissing = errors.New("stripe webhook secret is not configured")

// StripeVerifier implements WebhookVerifier with stripe-go's HMAC-SHA256
// check and timestamp tolerance.
type StripeVerifier struct {
	// Tolerance overrides webhook.DefaultTolerance when positive.
	Tolerance time.Duration
}

// Verify checks the Stripe-Signature header. Payloads signed outside the
// tolerance window are rejected to stop replays.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return ErrWebhookSecretMissing
	}
	if v.Tolerance > 0 {
		return webhook.ValidatePayloadWithTolerance(payload, header, secret, v.Tolerance)
	}
	return webhook.ValidatePayload(payload, header, secret)
}
