package core

import (
	"errors"
	"net/http"
	"strings"

	"creditgate/internal/types"
)

// AuthMiddleware requires a bearer API key and stores the resolved Actor in
// the request context.
//
// A missing header yields 401 auth_token_missing. Every resolution failure
// yields the same 401 auth_token_invalid so callers cannot distinguish an
// unknown key from a revoked one; failures that are not auth_* AppErrors are
// logged at warn level. Without an Authenticator every request is rejected.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "bearer token is required", nil))
			return
		}
		if s.Authenticator == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "authentication is not configured", nil))
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil || actor == nil {
			var appErr *types.AppError
			if !errors.As(err, &appErr) || !strings.HasPrefix(string(appErr.Code), "auth_") {
				s.Logger.WarnContext(r.Context(), "token resolution failed", "error", err)
			}
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// RequireScope rejects actors without scope with 403 and reports the missing
// scope in the error details. It must run after AuthMiddleware.
func (s *Server) RequireScope(scope types.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if !ok {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
				return
			}
			if !actor.HasScope(scope) {
				Error(w, r, types.NewAppErrorWithDetails(types.ErrCodePermissionScope,
					"insufficient scope for this operation", nil,
					map[string]any{"required_scope": string(scope)}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization header. The scheme
// match is case-insensitive.
func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
