package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/engine"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// manualTargetFrequencyHours is the default rescan cadence for targets
// created through the API, deliberately tighter than the weekly default the
// sync source gets: a manually added target is usually under investigation.
const manualTargetFrequencyHours = 24

// TargetHandler serves the recurring-scan catalog. Entries normally arrive
// via the sync service; the POST path exists for targets the external source
// does not know about.
type TargetHandler struct {
	repo   repositories.TargetRepository
	logger *zap.Logger
}

// NewTargetHandler creates a new TargetHandler.
func NewTargetHandler(repo repositories.TargetRepository, logger *zap.Logger) *TargetHandler {
	return &TargetHandler{
		repo:   repo,
		logger: logger.Named("target_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// createTargetRequest is the body of POST /targets.
type createTargetRequest struct {
	ExternalID         string         `json:"external_id"`
	Host               string         `json:"host"`
	Ports              []int          `json:"ports,omitempty"`
	ScanType           string         `json:"scan_type,omitempty"`
	ScanConfig         string         `json:"scan_config,omitempty"`
	Criticality        string         `json:"criticality,omitempty"`
	ScanFrequencyHours float64        `json:"scan_frequency_hours,omitempty"`
	Tags               map[string]any `json:"tags,omitempty"`
}

// targetResponse is the JSON representation of one catalog entry.
type targetResponse struct {
	ExternalID         string         `json:"external_id"`
	Host               string         `json:"host"`
	Ports              []int          `json:"ports,omitempty"`
	ScanType           string         `json:"scan_type"`
	ScanConfig         string         `json:"scan_config,omitempty"`
	Criticality        string         `json:"criticality"`
	ScanFrequencyHours float64        `json:"scan_frequency_hours"`
	Enabled            bool           `json:"enabled"`
	Tags               map[string]any `json:"tags,omitempty"`
	LastScanAt         *string        `json:"last_scan_at"`
	NextScanAt         *string        `json:"next_scan_at"`
	LastScanID         string         `json:"last_scan_id,omitempty"`
	SyncedAt           *string        `json:"synced_at"`
	CreatedAt          string         `json:"created_at"`
}

// listTargetsResponse wraps a paginated list of catalog entries.
type listTargetsResponse struct {
	Total   int64            `json:"total"`
	Targets []targetResponse `json:"targets"`
}

// targetToResponse converts a db.Target to its JSON representation.
func targetToResponse(t *db.Target) targetResponse {
	return targetResponse{
		ExternalID:         t.ExternalID,
		Host:               t.Host,
		Ports:              t.Ports,
		ScanType:           t.ScanType,
		ScanConfig:         t.ScanConfig,
		Criticality:        t.Criticality,
		ScanFrequencyHours: t.ScanFrequencyHours,
		Enabled:            t.Enabled,
		Tags:               t.Tags,
		LastScanAt:         formatTimePtr(t.LastScanAt),
		NextScanAt:         formatTimePtr(t.NextScanAt),
		LastScanID:         t.LastScanID,
		SyncedAt:           formatTimePtr(t.SyncedAt),
		CreatedAt:          formatTime(t.CreatedAt),
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /targets.
func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	targets, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list targets", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]targetResponse, len(targets))
	for i := range targets {
		items[i] = targetToResponse(&targets[i])
	}
	Ok(w, listTargetsResponse{Total: total, Targets: items})
}

// Create handles POST /targets.
// Manually created targets are due immediately (next_scan_at = now) and
// default to a daily cadence. 409 when the external ID already exists,
// 422 on invalid host/ports/type.
func (h *TargetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.Host = strings.TrimSpace(req.Host)
	if req.ExternalID == "" {
		ErrUnprocessable(w, "external_id must not be empty")
		return
	}
	if req.ScanType == "" {
		req.ScanType = engine.ScanTypeFull
	}
	if err := engine.ValidateScanType(req.ScanType); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	if err := engine.ValidateTarget(req.Host); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	if err := engine.ValidatePorts(req.ScanType, req.Ports); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	criticality := req.Criticality
	if criticality == "" {
		criticality = "medium"
	}
	freq := req.ScanFrequencyHours
	if freq <= 0 {
		freq = manualTargetFrequencyHours
	}

	var ports db.IntSlice
	if len(req.Ports) > 0 {
		ports = db.IntSlice(req.Ports)
	}

	now := time.Now().UTC()
	target := &db.Target{
		ExternalID:         req.ExternalID,
		Host:               req.Host,
		Ports:              ports,
		ScanType:           req.ScanType,
		ScanConfig:         req.ScanConfig,
		Criticality:        criticality,
		CriticalityWeight:  db.CriticalityWeightFor(criticality),
		ScanFrequencyHours: freq,
		Enabled:            true,
		Tags:               db.JSONMap(req.Tags),
		NextScanAt:         &now,
	}

	if err := h.repo.InsertManual(r.Context(), target); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "target with this external_id already exists")
			return
		}
		h.logger.Error("failed to create target",
			zap.String("external_id", req.ExternalID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("target created",
		zap.String("external_id", target.ExternalID),
		zap.String("host", target.Host))

	Created(w, targetToResponse(target))
}

// GetByExternalID handles GET /targets/{external_id}.
func (h *TargetHandler) GetByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "external_id")
	if externalID == "" {
		ErrBadRequest(w, "external_id must not be empty")
		return
	}

	target, err := h.repo.Get(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "target not found")
			return
		}
		h.logger.Error("failed to get target",
			zap.String("external_id", externalID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, targetToResponse(target))
}
