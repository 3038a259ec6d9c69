package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"creditgate/internal/types"
)

// defaultMaxBodyBytes applies when no server config is available.
const defaultMaxBodyBytes = 1 << 20

// errCodeValidationInvalidJSON reports an undecodable request body.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any            `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with status.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Data writes data inside the success envelope.
func Data(w http.ResponseWriter, r *http.Request, status int, data any) {
	JSON(w, r, status, APIResponse{Data: data})
}

// Error writes err as an error envelope with the request ID attached.
//
// AppErrors keep their code, message and details, and the status comes from
// the code prefix. storage_unavailable is marked retryable with a
// Retry-After header. internal_* codes and non-AppErrors are reduced to a
// generic message so driver text never reaches the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		}})
		return
	}

	detail := ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID,
	}
	if appErr.Code == types.ErrCodeStorageUnavailable {
		detail.Retryable = true
		w.Header().Set("Retry-After", "1")
	}
	if strings.HasPrefix(string(appErr.Code), "internal_") {
		// Internal messages may carry driver text.
		detail.Message = "an internal error occurred"
		detail.Details = nil
	}
	JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{Error: detail})
}

// DecodeJSON strictly decodes a single JSON object from the body.
// Unknown fields, trailing data and bodies over maxBytes are rejected with
// validation_invalid_json. A maxBytes of zero or less uses
// defaultMaxBodyBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func decodeError(err error) *types.AppError {
	var (
		maxBytesErr *http.MaxBytesError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body too large", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(errCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(errCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must not be empty", err)
	default:
		return types.NewAppError(errCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
