package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"creditgate/internal/billing"
	"creditgate/internal/config"
	"creditgate/internal/core"
	"creditgate/internal/entitlement"
	"creditgate/internal/memstore"
	"creditgate/internal/types"
)

const (
	serviceToken = "svc.token"
	adminToken   = "admin.token"
)

var (
	testNow    = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	testAnchor = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

func testClock() time.Time { return testNow }

type stubAuthenticator struct{}

func (stubAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	switch token {
	case serviceToken:
		return &types.Actor{KeyID: "k1", Name: "grading", Scopes: []types.Scope{types.ScopeService}}, nil
	case adminToken:
		return &types.Actor{KeyID: "k2", Name: "ops", Scopes: []types.Scope{types.ScopeAdmin}}, nil
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown key", nil)
}

// stubVerifier accepts any payload unless err is set.
type stubVerifier struct {
	err     error
	calls   int
	headers []string
}

func (v *stubVerifier) Verify(_ []byte, header string, _ string) error {
	v.calls++
	v.headers = append(v.headers, header)
	return v.err
}

// testEnv is the full API wired against the in-memory store.
type testEnv struct {
	store    *memstore.Store
	accounts *entitlement.Accounts
	ledger   *entitlement.Ledger
	verifier *stubVerifier
	server   *core.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memstore.New()
	reg := billing.NewDefaultRegistry()
	clock := billing.NewPeriodClock(0)
	lifecycle := billing.NewLifecycle(72 * time.Hour)
	ledger := entitlement.NewLedger(store, clock, 10, logger, entitlement.WithLedgerClock(testClock))
	usage := entitlement.NewUsageTracker(store, reg, clock)
	eval := entitlement.NewEvaluator(store, reg, lifecycle, usage, ledger, logger)
	accounts := entitlement.NewAccounts(store, reg, clock, ledger, logger)

	cfg := &config.Config{}
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.MaxBodyBytes = 1 << 20
	srv, err := core.NewServer(cfg, logger)
	require.NoError(t, err)
	srv.Authenticator = stubAuthenticator{}

	env := &testEnv{
		store:    store,
		accounts: accounts,
		ledger:   ledger,
		verifier: &stubVerifier{},
		server:   srv,
	}

	ents := NewEntitlementHandler(eval, srv.Validator, cfg.Server.MaxBodyBytes, testClock, logger)
	accts := NewAccountHandler(accounts, usage, lifecycle, srv.Validator, cfg.Server.MaxBodyBytes, testClock, logger)
	credits := NewCreditHandler(ledger, accounts, srv.Validator, cfg.Server.MaxBodyBytes, logger)
	hook := NewStripeWebhookHandler(env.verifier, accounts, StripeWebhookConfig{
		Secret:     "whsec_test",
		PriceTiers: map[string]types.Tier{"price_basic": types.TierBasic, "price_premium": types.TierPremium},
	}, testClock, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		ents.RegisterRoutes(r, srv.RequireScope)
		accts.RegisterRoutes(r, srv.RequireScope)
		credits.RegisterRoutes(r, srv.RequireScope)
	})
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, hook.RegisterRoutes)
	srv.MountRoutes()
	return env
}

// createAccount provisions an account through the service layer so it gets
// its initial grant.
func (e *testEnv) createAccount(t *testing.T, id string, role types.Role, tier types.Tier) {
	t.Helper()
	anchor := testAnchor
	_, _, err := e.accounts.Create(context.Background(), entitlement.CreateAccountInput{
		ID:           id,
		OwnerType:    types.OwnerUser,
		OwnerID:      "user_" + id,
		Role:         role,
		Tier:         tier,
		PeriodAnchor: &anchor,
	}, testNow)
	require.NoError(t, err)
}

type requestOpts struct {
	token   string
	key     string
	headers map[string]string
}

func (e *testEnv) do(t *testing.T, method, path string, body any, opts requestOpts) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	if opts.key != "" {
		req.Header.Set(IdempotencyHeader, opts.key)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the success envelope into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst), rec.Body.String())
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var env core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code types.ErrorCode) core.ErrorDetail {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	detail := errorBody(t, rec)
	require.Equal(t, string(code), detail.Code, rec.Body.String())
	return detail
}

func (e *testEnv) creditOf(t *testing.T, id string) *types.CreditAccount {
	t.Helper()
	credit, err := e.store.GetCreditAccount(context.Background(), id)
	require.NoError(t, err)
	return credit
}
