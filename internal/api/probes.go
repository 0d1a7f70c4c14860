package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// ProbeFleet exposes the configured probe names. *probes.Registry satisfies it.
type ProbeFleet interface {
	Names() []string
}

// ActiveCounter reports active scans per probe. The scan repository
// satisfies it; counts are always derived from the store, never cached.
type ActiveCounter interface {
	CountActivePerProbe(ctx context.Context) (map[string]int, error)
}

// ProbeHandler serves the probe fleet view: every configured probe with its
// current scan load, in configured order. Probes are static configuration —
// there is no create/update/delete surface.
type ProbeHandler struct {
	fleet  ProbeFleet
	counts ActiveCounter
	logger *zap.Logger
}

// NewProbeHandler creates a new ProbeHandler.
func NewProbeHandler(fleet ProbeFleet, counts ActiveCounter, logger *zap.Logger) *ProbeHandler {
	return &ProbeHandler{
		fleet:  fleet,
		counts: counts,
		logger: logger.Named("probe_handler"),
	}
}

// probeResponse is one entry of the fleet view.
type probeResponse struct {
	Name        string `json:"name"`
	ActiveScans int    `json:"active_scans"`
}

// listProbesResponse wraps the fleet view.
type listProbesResponse struct {
	Probes []probeResponse `json:"probes"`
}

// List handles GET /probes.
// Probes with zero active scans are included — the selector's view of the
// fleet and the API's view must agree.
func (h *ProbeHandler) List(w http.ResponseWriter, r *http.Request) {
	active, err := h.counts.CountActivePerProbe(r.Context())
	if err != nil {
		h.logger.Error("failed to count active scans", zap.Error(err))
		ErrInternal(w)
		return
	}

	names := h.fleet.Names()
	items := make([]probeResponse, len(names))
	for i, name := range names {
		items[i] = probeResponse{
			Name:        name,
			ActiveScans: active[name],
		}
	}

	Ok(w, listProbesResponse{Probes: items})
}
