package handlers

import (
	"net/http"

	"github.com/marmos91/dittofc/pkg/fc/fabric"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Has every local port completed its fabric login?
type HealthHandler struct {
	node Node
}

// NewHealthHandler creates a new health handler.
//
// The node parameter may be nil, in which case the readiness check returns
// unhealthy status.
func NewHealthHandler(node Node) *HealthHandler {
	return &HealthHandler{node: node}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newResponse(StatusHealthy, map[string]string{
		"service": "dittofc",
	}, ""))
}

// PortReadiness is the login state of one local port.
type PortReadiness struct {
	Name  string `json:"name"`
	State string `json:"state"`
	FID   string `json:"fid"`
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK when every local port is READY, 503 Service Unavailable
// otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.node == nil {
		writeJSON(w, http.StatusServiceUnavailable, newResponse(StatusUnhealthy, nil, "node not initialized"))
		return
	}

	ports := h.node.Ports()
	if len(ports) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, newResponse(StatusUnhealthy, nil, "no ports configured"))
		return
	}

	states := make([]PortReadiness, 0, len(ports))
	ready := 0
	for _, p := range ports {
		states = append(states, PortReadiness{Name: p.Name, State: p.State, FID: p.FID})
		if p.State == fabric.PortReady.String() {
			ready++
		}
	}

	if ready != len(ports) {
		writeJSON(w, http.StatusServiceUnavailable,
			newResponse(StatusUnhealthy, states, "ports not ready"))
		return
	}
	writeJSON(w, http.StatusOK, newResponse(StatusHealthy, states, ""))
}
