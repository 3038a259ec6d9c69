package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a short
// timeout. Returns 200 OK if every probe reports healthy, 503 Service
// Unavailable if any probe fails or has not finished when the deadline hits.
//
// The deadline is derived from the request context and bounded by
// healthCheckTimeout. A probe that panics is reported as unhealthy rather
// than taking the process down. With no probes registered the handler
// answers 200 with the build version only.
//
// This endpoint is public (no authentication required) and is mounted at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(s.HealthProbes))
	)
	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			err := runProbe(ctx, p)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	status := http.StatusOK
	for _, probe := range s.HealthProbes {
		err, finished := results[probe.Name()]
		switch {
		case !finished:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
			status = http.StatusServiceUnavailable
		case err != nil:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			status = http.StatusServiceUnavailable
		default:
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}
	if status != http.StatusOK {
		resp.Status = "unhealthy"
	}
	JSON(w, r, status, resp)
}

// runProbe converts a panic inside Check into an error.
func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}
