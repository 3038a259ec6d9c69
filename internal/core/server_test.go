package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/internal/config"
	"creditgate/internal/types"
)

// stubAuthenticator accepts a fixed token map.
type stubAuthenticator struct {
	actors map[string]types.Actor
	err    error
}

func (a *stubAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	if a.err != nil {
		return nil, a.err
	}
	actor, ok := a.actors[token]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown", nil)
	}
	return &actor, nil
}

type recordedRequest struct {
	method, route, status string
}

type stubMetrics struct {
	requests []recordedRequest
}

func (m *stubMetrics) RecordRequest(method, route, status string, _ time.Duration) {
	m.requests = append(m.requests, recordedRequest{method, route, status})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Build = config.BuildInfo{Version: "test"}
	s, err := NewServer(cfg, testLogger())
	require.NoError(t, err)
	s.Authenticator = &stubAuthenticator{actors: map[string]types.Actor{
		"svc.key":   {Name: "svc", Scopes: []types.Scope{types.ScopeService}},
		"admin.key": {Name: "admin", Scopes: []types.Scope{types.ScopeAdmin}},
	}}
	s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			actor, _ := types.GetActor(r.Context())
			Data(w, r, http.StatusOK, map[string]string{"name": actor.Name})
		})
		r.With(s.RequireScope(types.ScopeAdmin)).Post("/admin-only", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})
	s.PublicRouteRegistrars = append(s.PublicRouteRegistrars, func(r chi.Router) {
		r.Post("/webhooks/test", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	s.MountRoutes()
	return s
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, testLogger())
	assert.Error(t, err)
	_, err = NewServer(&config.Config{}, nil)
	assert.Error(t, err)
}

// ============================================================
// Auth
// ============================================================

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/v1/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthTokenMissing), errorDetail(t, rec).Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/v1/whoami", "nope.nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthTokenInvalid), errorDetail(t, rec).Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/v1/whoami", "svc.key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"name":"svc"}}`, rec.Body.String())
}

func TestAuthMiddleware_ResolverFailureIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = &stubAuthenticator{err: errors.New("boom")}
	rec := do(s, http.MethodGet, "/v1/whoami", "svc.key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScope(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, http.MethodPost, "/v1/admin-only", "svc.key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(types.ErrCodePermissionScope), errorDetail(t, rec).Code)

	rec = do(s, http.MethodPost, "/v1/admin-only", "admin.key")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/webhooks/test", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("Bearer "))
}

// ============================================================
// Base middleware
// ============================================================

func TestRecoverer(t *testing.T) {
	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/v1/panic", "svc.key")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := errorDetail(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), detail.RequestID)
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	s := newTestServer(t)
	m := &stubMetrics{}
	s.Metrics = m

	do(s, http.MethodGet, "/v1/whoami", "svc.key")
	require.Len(t, m.requests, 1)
	assert.Equal(t, recordedRequest{"GET", "/v1/whoami", "200"}, m.requests[0])
}

func TestNotFoundEnvelope(t *testing.T) {
	s := newTestServer(t)
	rec := do(s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(errorDetail(t, rec).Code, "not_found"))
}

// ============================================================
// Health
// ============================================================

func TestHandleHealth_Probes(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(context.Context) error { return nil }},
	}
	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":{"status":"healthy"}`)

	s.HealthProbes = append(s.HealthProbes,
		ProbeFunc{ProbeName: "queue", Fn: func(context.Context) error { return errors.New("unreachable") }},
		ProbeFunc{ProbeName: "flaky", Fn: func(context.Context) error { panic("oops") }},
	)
	rec = do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
	assert.Contains(t, rec.Body.String(), "probe panicked")
}

func TestHandleHealth_Timeout(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "slow", Fn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		}},
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req.WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "timed out")
}
