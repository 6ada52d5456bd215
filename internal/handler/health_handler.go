package handler

import (
	"context"
	"net/http"
	"time"

	"battle-sync/pkg/logger"
)

// HealthCheck probes one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	checks []HealthCheck
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(log *logger.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		logger: log,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components,omitempty"`
}

// Check handles GET /health. Any failing dependency reports 503.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   "battle-sync",
	}
	status := http.StatusOK

	if len(h.checks) > 0 {
		response.Components = make(map[string]string, len(h.checks))
	}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			h.logger.WithError(err).WithField("component", check.Name).Warn("Health check failed")
			response.Components[check.Name] = "unhealthy"
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Components[check.Name] = "healthy"
	}

	respondJSON(w, status, response, h.logger)
}
