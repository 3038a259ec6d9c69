package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidTier    ErrorCode = "validation_invalid_tier"
	ErrCodeValidationInvalidRole    ErrorCode = "validation_invalid_role"
	ErrCodeValidationInvalidFeature ErrorCode = "validation_invalid_feature"
	ErrCodeValidationInvalidAmount  ErrorCode = "validation_invalid_amount"
	ErrCodeValidationIdempotencyKey ErrorCode = "validation_idempotency_key_required"
	ErrCodeValidationReservedKey    ErrorCode = "validation_idempotency_key_reserved"
	ErrCodeValidationInvalidPolicy  ErrorCode = "validation_invalid_policy"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Permission (403)
	ErrCodePermissionScope ErrorCode = "permission_scope_insufficient"

	// Entitlement denials. Each maps 1:1 to a DenialReason.
	ErrCodeDeniedRoleRestricted       ErrorCode = "denied_role_restricted"
	ErrCodeDeniedSubscriptionInactive ErrorCode = "denied_subscription_inactive"
	ErrCodeDeniedFeatureNotInTier     ErrorCode = "denied_feature_not_in_tier"
	ErrCodeDeniedUsageLimitReached    ErrorCode = "denied_usage_limit_reached"
	ErrCodeDeniedInsufficientCredits  ErrorCode = "denied_insufficient_credits"

	// Not Found (404)
	ErrCodeNotFoundAccount       ErrorCode = "not_found_account"
	ErrCodeNotFoundCreditAccount ErrorCode = "not_found_credit_account"

	// Conflict (409)
	ErrCodeConflictAccountExists     ErrorCode = "conflict_account_exists"
	ErrCodeConflictIdempotency       ErrorCode = "conflict_idempotency_replay"
	ErrCodeConflictStaleBillingEvent ErrorCode = "conflict_stale_billing_event"

	// Locked (423)
	ErrCodeLedgerHalted ErrorCode = "locked_ledger_halted"

	// Internal/Upstream (500/503)
	ErrCodeInternalDB                 ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected         ErrorCode = "internal_unexpected_error"
	ErrCodeInternalLedgerInconsistent ErrorCode = "internal_ledger_inconsistent"
	ErrCodeStorageUnavailable         ErrorCode = "unavailable_storage"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case c == ErrCodeDeniedInsufficientCredits:
		return http.StatusPaymentRequired // 402
	case c == ErrCodeDeniedUsageLimitReached:
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "denied_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "locked_"):
		return http.StatusLocked // 423
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// denialCodes maps each denial reason to its error code.
var denialCodes = map[DenialReason]ErrorCode{
	ReasonRoleRestricted:           ErrCodeDeniedRoleRestricted,
	ReasonSubscriptionInactive:     ErrCodeDeniedSubscriptionInactive,
	ReasonFeatureNotInTier:         ErrCodeDeniedFeatureNotInTier,
	ReasonUsageLimitReached:        ErrCodeDeniedUsageLimitReached,
	ReasonInsufficientCredits:      ErrCodeDeniedInsufficientCredits,
	ReasonStorageUnavailable:       ErrCodeStorageUnavailable,
	ReasonInvalidIdempotencyReplay: ErrCodeConflictIdempotency,
	ReasonLedgerHalted:             ErrCodeLedgerHalted,
}

// ErrorCode returns the AppError code for a denial reason.
func (r DenialReason) ErrorCode() ErrorCode {
	if code, ok := denialCodes[r]; ok {
		return code
	}
	return ErrCodeInternalUnexpected
}

// Retryable reports whether the caller may retry the same request with the
// same idempotency key. Only transient storage failures qualify.
func (r DenialReason) Retryable() bool {
	return r == ReasonStorageUnavailable
}

// ReasonFromError recovers the denial reason carried by an error returned
// from the engine. Unknown errors report ReasonNone.
func ReasonFromError(err error) DenialReason {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ReasonNone
	}
	for reason, code := range denialCodes {
		if code == appErr.Code {
			return reason
		}
	}
	return ReasonNone
}

// NewDenialError builds the error returned when a Commit is denied.
func NewDenialError(d Decision) *AppError {
	details := map[string]any{
		"reason":  string(d.Reason),
		"feature": string(d.Feature),
	}
	if d.UpgradeHint != "" {
		details["upgrade_hint"] = d.UpgradeHint
	}
	if d.Reason == ReasonInsufficientCredits {
		details["credit_cost"] = d.CreditCost
		details["balance"] = d.Balance
	}
	if d.Reason == ReasonUsageLimitReached {
		details["usage_limit"] = d.UsageLimit
		details["period_key"] = d.PeriodKey
	}
	return NewAppErrorWithDetails(d.Reason.ErrorCode(), fmt.Sprintf("feature %s denied: %s", d.Feature, d.Reason), nil, details)
}
