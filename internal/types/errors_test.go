package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeDeniedRoleRestricted,
		Message: "students cannot create courses",
	}

	expected := "denied_role_restricted: students cannot create courses"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	appErr := NewAppError(ErrCodeInternalDB, "failed to read balance", underlying)

	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error through Unwrap")
	}

	wrapped := fmt.Errorf("commit: %w", appErr)
	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeInternalDB {
		t.Errorf("extracted Code = %q, want %q", target.Code, ErrCodeInternalDB)
	}
}

func TestAppErrorWithDetails_DoesNotMutate(t *testing.T) {
	original := NewAppErrorWithDetails(ErrCodeDeniedUsageLimitReached, "cap", nil, map[string]any{"a": 1})
	extended := original.WithDetails(map[string]any{"b": 2})

	if _, ok := original.Details["b"]; ok {
		t.Error("WithDetails mutated the original error")
	}
	if extended.Details["a"] != 1 || extended.Details["b"] != 2 {
		t.Errorf("merged details = %v", extended.Details)
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeValidationInvalidTier:      http.StatusBadRequest,
		ErrCodeAuthTokenInvalid:           http.StatusUnauthorized,
		ErrCodePermissionScope:            http.StatusForbidden,
		ErrCodeDeniedRoleRestricted:       http.StatusForbidden,
		ErrCodeDeniedSubscriptionInactive: http.StatusForbidden,
		ErrCodeDeniedFeatureNotInTier:     http.StatusForbidden,
		ErrCodeDeniedInsufficientCredits:  http.StatusPaymentRequired,
		ErrCodeDeniedUsageLimitReached:    http.StatusTooManyRequests,
		ErrCodeNotFoundAccount:            http.StatusNotFound,
		ErrCodeConflictIdempotency:        http.StatusConflict,
		ErrCodeLedgerHalted:               http.StatusLocked,
		ErrCodeStorageUnavailable:         http.StatusServiceUnavailable,
		ErrCodeInternalDB:                 http.StatusInternalServerError,
		ErrorCode("something_else"):       http.StatusInternalServerError,
	}

	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", code, got, want)
		}
	}
}

func TestDenialReason_RoundTrip(t *testing.T) {
	reasons := []DenialReason{
		ReasonRoleRestricted,
		ReasonSubscriptionInactive,
		ReasonFeatureNotInTier,
		ReasonUsageLimitReached,
		ReasonInsufficientCredits,
		ReasonStorageUnavailable,
		ReasonInvalidIdempotencyReplay,
		ReasonLedgerHalted,
	}

	for _, reason := range reasons {
		err := NewDenialError(Decision{Reason: reason, Feature: FeatureAIGrading})
		if got := ReasonFromError(fmt.Errorf("wrapped: %w", err)); got != reason {
			t.Errorf("ReasonFromError(%s) = %q", reason, got)
		}
	}

	if got := ReasonFromError(errors.New("plain")); got != ReasonNone {
		t.Errorf("ReasonFromError(plain) = %q, want empty", got)
	}
}

func TestDenialReason_Retryable(t *testing.T) {
	if !ReasonStorageUnavailable.Retryable() {
		t.Error("storage unavailable must be retryable")
	}
	if ReasonInsufficientCredits.Retryable() || ReasonUsageLimitReached.Retryable() {
		t.Error("terminal denials must not be retryable")
	}
}

func TestNewDenialError_Details(t *testing.T) {
	err := NewDenialError(Decision{
		Reason:      ReasonInsufficientCredits,
		Feature:     FeatureAIGrading,
		CreditCost:  3,
		Balance:     1,
		UpgradeHint: "upgrade to PREMIUM",
	})

	if err.Code != ErrCodeDeniedInsufficientCredits {
		t.Errorf("Code = %q", err.Code)
	}
	if err.Details["credit_cost"] != int64(3) || err.Details["balance"] != int64(1) {
		t.Errorf("details = %v", err.Details)
	}
	if err.Details["upgrade_hint"] != "upgrade to PREMIUM" {
		t.Errorf("upgrade hint missing: %v", err.Details)
	}
}

func TestTierAndRoleValid(t *testing.T) {
	for _, tier := range AllTiers {
		if !tier.Valid() {
			t.Errorf("%s should be valid", tier)
		}
	}
	if Tier("GOLD").Valid() {
		t.Error("unknown tier reported valid")
	}
	if !RoleStudent.Valid() || Role("GUEST").Valid() {
		t.Error("role validation mismatch")
	}
}
