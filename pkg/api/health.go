package api

import (
	"net/http"
	"time"

	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/types"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Exposures map[string]int    `json:"exposures,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint.
// This is a liveness check: 200 while the process is serving.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := metrics.GetHealth()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    h.Uptime,
	})
}

// readyHandler implements the /ready endpoint. The process is ready once its
// critical components are; exposure states are reported but never make it
// unready, since one failed exposure must not take the others down.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.GetReadiness()

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    readiness.Components,
		Message:   readiness.Message,
	}
	if resp.Checks == nil {
		resp.Checks = map[string]string{}
	}

	if s.source != nil {
		resp.Exposures = make(map[string]int)
		for _, st := range s.source.Statuses() {
			resp.Exposures[string(st.State)]++
		}
		if resp.Exposures[string(types.StackStateFailed)] > 0 {
			resp.Checks["exposures"] = "some exposures failed"
		} else {
			resp.Checks["exposures"] = "ok"
		}
	}

	code := http.StatusOK
	if readiness.Status != "ready" {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
