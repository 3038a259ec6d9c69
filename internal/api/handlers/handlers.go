// Package handlers contains the HTTP handlers of the entitlement API.
//
// Handlers depend on small locally declared service interfaces so tests can
// wire them against the in-memory store or stubs. Route registration takes a
// ScopeGuard; the caller mounts the handlers under the authenticated /v1
// group, except for the billing webhook, which is public and verified by
// signature.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/types"
)

// ScopeGuard builds middleware that rejects actors without scope.
// core.Server.RequireScope satisfies it.
type ScopeGuard func(scope types.Scope) func(http.Handler) http.Handler

// Clock returns the current time. Handlers take one so tests can pin "now".
type Clock func() time.Time

// IdempotencyHeader carries the caller's idempotency key on write routes.
const IdempotencyHeader = "Idempotency-Key"

// maxIdempotencyKeyLength bounds the key stored with each commit and
// transaction.
const maxIdempotencyKeyLength = 255

func systemClock() time.Time { return time.Now().UTC() }

// idempotencyKey reads and validates the Idempotency-Key header.
func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		return "", types.NewAppError(types.ErrCodeValidationIdempotencyKey,
			"Idempotency-Key header is required", nil)
	}
	if len(key) > maxIdempotencyKeyLength {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationIdempotencyKey,
			"Idempotency-Key header is too long", nil,
			map[string]any{"max_length": maxIdempotencyKeyLength})
	}
	return key, nil
}

// accountIDParam returns the {id} path parameter.
func accountIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "account id is required", nil)
	}
	return id, nil
}
