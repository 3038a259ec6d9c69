package external

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func TestStripeVerifier_ValidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test","type":"customer.subscription.updated"}`)

	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testSecret,
	})

	require.NoError(t, verifier.Verify(payload, sp.Header, testSecret))
}

func TestStripeVerifier_InvalidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)
	header := fmt.Sprintf("t=%d,v1=%s", time.Now().Unix(), "badbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadb")

	assert.Error(t, verifier.Verify(payload, header, testSecret))
}

func TestStripeVerifier_TamperedPayload(t *testing.T) {
	verifier := &StripeVerifier{}
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(`{"id":"evt_test","amount":1}`),
		Secret:  testSecret,
	})

	assert.Error(t, verifier.Verify([]byte(`{"id":"evt_test","amount":2}`), sp.Header, testSecret))
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	verifier := &StripeVerifier{}
	assert.Error(t, verifier.Verify([]byte(`{"id":"evt_test"}`), "", testSecret))
}

func TestStripeVerifier_MissingSecret(t *testing.T) {
	verifier := &StripeVerifier{}
	err := verifier.Verify([]byte(`{}`), "t=1,v1=00", "")
	assert.ErrorIs(t, err, ErrWebhookSecretMissing)
}

func TestStripeVerifier_ExpiredTimestamp(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)

	oldTime := time.Now().Add(-10 * time.Minute)
	sig := webhook.ComputeSignature(oldTime, payload, testSecret)
	header := fmt.Sprintf("t=%d,v1=%s", oldTime.Unix(), hex.EncodeToString(sig))

	assert.Error(t, verifier.Verify(payload, header, testSecret))
}

func TestStripeVerifier_CustomTolerance(t *testing.T) {
	verifier := &StripeVerifier{Tolerance: time.Hour}
	payload := []byte(`{"id":"evt_test"}`)

	oldTime := time.Now().Add(-10 * time.Minute)
	sig := webhook.ComputeSignature(oldTime, payload, testSecret)
	header := fmt.Sprintf("t=%d,v1=%s", oldTime.Unix(), hex.EncodeToString(sig))

	assert.NoError(t, verifier.Verify(payload, header, testSecret))
}
