package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"creditgate/internal/types"
)

// defaultRequestTimeout applies when the config has no write timeout.
const defaultRequestTimeout = 15 * time.Second

var redactedHeaders = []string{"Authorization", "Cookie", "Stripe-Signature"}

// MountRoutes installs the middleware chain and every route.
//
// Order: Recoverer, ContextTimeout, RequestID, SecurityHeaders,
// RequestLogger, Metrics. Auth is applied to the /v1 group only.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))
	s.router.Use(s.MetricsMiddleware)

	s.router.Get("/health", s.HandleHealth)
	for _, register := range s.PublicRouteRegistrars {
		register(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, register := range s.V1RouteRegistrars {
			register(r)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusNotFound, APIErrorResponse{Error: ErrorDetail{
			Code:      "not_found_route",
			Message:   "no route for " + r.Method + " " + r.URL.Path,
			RequestID: types.GetRequestID(r.Context()),
		}})
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.WriteTimeout > time.Second {
		// Leave a second to write the error response.
		return s.Config.Server.WriteTimeout - time.Second
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware bounds the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id or generates one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req-" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	return hex.EncodeToString(b)
}
