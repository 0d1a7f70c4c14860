package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/probes"
)

// HealthChecker runs the probe fleet health check. *probes.Registry
// satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// HealthHandler serves GET /health: a live GMP connectivity check against
// every configured probe. This endpoint is what load balancers and uptime
// monitors poll, so it stays public even when auth is enabled.
type HealthHandler struct {
	checker HealthChecker
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		logger:  logger.Named("health_handler"),
	}
}

// healthResponse reports overall status plus per-probe detail. A probe's
// value is "connected" or "error: <detail>".
type healthResponse struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes"`
}

// Get handles GET /health.
// 200 with status "healthy" when every probe answers; 503 with status
// "degraded" when any probe is unreachable. The per-probe map is included
// either way so operators can see which probe is down.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	results := h.checker.Health(r.Context())

	resp := healthResponse{Status: "healthy", Probes: results}
	if probes.Degraded(results) {
		resp.Status = "degraded"
		ErrServiceUnavailable(w, resp)
		return
	}

	Ok(w, resp)
}
