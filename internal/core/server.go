// Package core is the HTTP chassis of the entitlement API: the chi router,
// the middleware chain, the response envelope and request validation.
// Domain handlers register their routes through the registrar slices so
// this package never imports them.
package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/config"
	"creditgate/internal/types"
)

// MetricsCollector records per-request telemetry. The route argument is the
// chi route pattern (for example /v1/accounts/{accountID}), not the raw path,
// so label cardinality stays bounded.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// Authenticator resolves a bearer token to an Actor.
// Implementations return an auth_* AppError for unknown or revoked keys;
// any other error is treated as an infrastructure failure and logged.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// Server holds the router and the dependencies shared by every handler.
//
// Fields are exported so the API entry point (and tests) can wire optional
// collaborators such as Metrics and HealthProbes after construction. They
// must not be changed once MountRoutes has been called.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount authenticated routes under /v1.
	V1RouteRegistrars []func(r chi.Router)
	// PublicRouteRegistrars mount unauthenticated routes (webhooks) at the root.
	PublicRouteRegistrars []func(r chi.Router)

	router *chi.Mux
}

// NewServer initializes the validator and router and performs a "fail-fast"
// check on the required collaborators: a nil config or logger is an error.
//
// The caller is responsible for mounting routes via MountRoutes after the
// registrars are in place. This separation allows tests to build a server
// with only the routes they exercise.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer builds the net/http server with the configured timeouts.
// ReadHeaderTimeout reuses the read timeout so slow-header clients cannot
// hold connections open indefinitely.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadTimeout:       s.Config.Server.ReadTimeout,
		ReadHeaderTimeout: s.Config.Server.ReadTimeout,
		WriteTimeout:      s.Config.Server.WriteTimeout,
	}
}
