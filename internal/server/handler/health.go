package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// HealthSource reports the supervised health of every component.
type HealthSource interface {
	Snapshot() []domain.ServiceHealth
	Healthy() bool
}

// HealthHandler serves the aggregated health-check endpoint.
type HealthHandler struct {
	health HealthSource
}

// NewHealthHandler creates a HealthHandler backed by the given source.
func NewHealthHandler(health HealthSource) *HealthHandler {
	return &HealthHandler{health: health}
}

// GetHealth responds with every component's supervised state. A down
// component turns the response into a 503 so load balancers stop routing;
// degraded components do not.
// GET /api/health
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	services := h.health.Snapshot()
	byName := make(map[string]domain.ServiceHealth, len(services))
	for _, svc := range services {
		byName[svc.Service] = svc
	}

	status := http.StatusOK
	overall := "ok"
	if !h.health.Healthy() {
		status = http.StatusServiceUnavailable
		overall = "down"
	}

	writeJSON(w, status, map[string]any{
		"status":    overall,
		"services":  byName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
