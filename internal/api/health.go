package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status       string             `json:"status"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Uptime       int64              `json:"uptime_seconds"`
}

type DependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is a backing service reported by /v1/health.
type HealthChecker interface {
	Healthy(ctx context.Context) (bool, int64, error)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

const healthCheckTimeout = 5 * time.Second

var startTime = time.Now()

// AddHealthCheck registers a dependency probed on every health request.
func (s *Server) AddHealthCheck(name string, c HealthChecker) {
	s.checks = append(s.checks, namedCheck{name: name, checker: c})
}

// handleHealth reports liveness and the state of backing services. Provider
// probes live behind auth at /v1/workspaces/{ws}/providers/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "ok",
		Dependencies: []DependencyStatus{},
		Uptime:       int64(time.Since(startTime).Seconds()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	for _, c := range s.checks {
		ok, latency, err := c.checker.Healthy(ctx)
		ds := DependencyStatus{Name: c.name, Status: "ok", LatencyMs: latency}
		if !ok || err != nil {
			ds.Status = "down"
			resp.Status = "degraded"
		}
		if err != nil {
			ds.Error = err.Error()
		}
		resp.Dependencies = append(resp.Dependencies, ds)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
