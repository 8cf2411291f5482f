package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"localrag/internal/license"
)

// HealthChecker reports component health. *license.LicenseHealthCheck
// implements it.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) *license.HealthCheckResult
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checker HealthChecker
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker HealthChecker, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. An unhealthy result answers 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	result := h.checker.PerformHealthCheck(r.Context())
	if result.OverallStatus == license.HealthStatusUnhealthy {
		h.logger.WarnContext(r.Context(), "health check failed",
			slog.String("message", result.Message))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"version": h.version,
		"schema":  license.SchemaVersion,
	})
}
