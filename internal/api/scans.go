package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/engine"
	"github.com/scanhub-io/scanhub/internal/gvm"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// ScanService is the slice of the lifecycle engine the scan handlers need.
// *engine.Engine satisfies it.
type ScanService interface {
	CreateScan(ctx context.Context, req engine.CreateScanRequest) (*db.Scan, error)
	StartScan(scanID uuid.UUID)
	GetScan(ctx context.Context, id uuid.UUID) (*db.Scan, error)
	ListScans(ctx context.Context, opts repositories.ListOptions) ([]db.Scan, int64, error)
}

// ScanHandler groups the scan submission and inspection handlers. Submissions
// go through the engine (validation, probe selection, worker launch); reads
// go through the engine's store accessors.
type ScanHandler struct {
	engine ScanService
	logger *zap.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(engine ScanService, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{
		engine: engine,
		logger: logger.Named("scan_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// createScanRequest is the body of POST /scans.
type createScanRequest struct {
	Target     string `json:"target"`
	ScanType   string `json:"scan_type"`
	Ports      []int  `json:"ports,omitempty"`
	ProbeName  string `json:"probe_name,omitempty"`
	Name       string `json:"name,omitempty"`
	ScanConfig string `json:"scan_config,omitempty"`
}

// createScanResponse acknowledges a submission. The scan runs asynchronously;
// clients follow progress via GET /scans/{id} or the WebSocket feed.
type createScanResponse struct {
	ScanID    string `json:"scan_id"`
	ProbeName string `json:"probe_name"`
	Message   string `json:"message"`
}

// scanResponse is the JSON representation of one scan record.
type scanResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	ProbeName        string          `json:"probe_name"`
	Target           string          `json:"target"`
	ScanType         string          `json:"scan_type"`
	Ports            []int           `json:"ports,omitempty"`
	ExternalTargetID string          `json:"external_target_id,omitempty"`
	GVMStatus        string          `json:"gvm_status"`
	GVMProgress      int             `json:"gvm_progress"`
	StartedAt        *string         `json:"started_at"`
	CompletedAt      *string         `json:"completed_at"`
	Summary          *db.ScanSummary `json:"summary,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// listScansResponse wraps a paginated list of scans.
type listScansResponse struct {
	Total int64          `json:"total"`
	Scans []scanResponse `json:"scans"`
}

// reportResponse carries the raw report document for a finished scan.
type reportResponse struct {
	ScanID    string          `json:"scan_id"`
	GVMStatus string          `json:"gvm_status"`
	ReportXML string          `json:"report_xml"`
	Summary   *db.ScanSummary `json:"summary,omitempty"`
}

// scanToResponse converts a db.Scan to its JSON representation.
func scanToResponse(s *db.Scan) scanResponse {
	resp := scanResponse{
		ID:               s.ID.String(),
		Name:             s.Name,
		ProbeName:        s.ProbeName,
		Target:           s.Target,
		ScanType:         s.ScanType,
		Ports:            s.Ports,
		ExternalTargetID: s.ExternalTargetID,
		GVMStatus:        s.GVMStatus,
		GVMProgress:      s.GVMProgress,
		Summary:          s.Summary,
		Error:            s.Error,
		CreatedAt:        formatTime(s.CreatedAt),
	}
	resp.StartedAt = formatTimePtr(s.StartedAt)
	resp.CompletedAt = formatTimePtr(s.CompletedAt)
	return resp
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /scans.
// On success the scan record exists in status "New" and its lifecycle worker
// is already running; the response acknowledges the submission with the
// assigned probe. Validation failures and unknown probe names return 422.
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scan, err := h.engine.CreateScan(r.Context(), engine.CreateScanRequest{
		Target:     req.Target,
		ScanType:   req.ScanType,
		Ports:      req.Ports,
		ProbeName:  req.ProbeName,
		Name:       req.Name,
		ScanConfig: req.ScanConfig,
	})
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			ErrUnprocessable(w, verr.Error())
			return
		}
		h.logger.Error("failed to create scan",
			zap.String("target", req.Target), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.engine.StartScan(scan.ID)

	Ok(w, createScanResponse{
		ScanID:    scan.ID.String(),
		ProbeName: scan.ProbeName,
		Message:   "Scan submitted",
	})
}

// List handles GET /scans.
// Returns scans newest-first with limit/offset pagination.
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	scans, total, err := h.engine.ListScans(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list scans", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]scanResponse, len(scans))
	for i := range scans {
		items[i] = scanToResponse(&scans[i])
	}
	Ok(w, listScansResponse{Total: total, Scans: items})
}

// GetByID handles GET /scans/{id}.
func (h *ScanHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	scan, err := h.engine.GetScan(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "scan not found")
			return
		}
		h.logger.Error("failed to get scan", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, scanToResponse(scan))
}

// GetReport handles GET /scans/{id}/report.
// The report exists only once the scan finished with status "Done": anything
// earlier answers 409 with the current status so clients can poll, and a
// terminal failure (Stopped, Interrupted) stays 409 — those scans never
// produce a report. 404 covers both a missing scan and a Done scan whose
// report was lost.
func (h *ScanHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	scan, err := h.engine.GetScan(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "scan not found")
			return
		}
		h.logger.Error("failed to get scan", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if scan.GVMStatus != gvm.StatusDone {
		ErrConflict(w, fmt.Sprintf("Report not available yet. Current status: %s", scan.GVMStatus))
		return
	}
	if scan.ReportXML == "" {
		ErrNotFound(w, "report not found")
		return
	}

	Ok(w, reportResponse{
		ScanID:    scan.ID.String(),
		GVMStatus: scan.GVMStatus,
		ReportXML: string(scan.ReportXML),
		Summary:   scan.Summary,
	})
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// formatTime renders a timestamp as RFC 3339 UTC for API responses.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatTimePtr renders an optional timestamp, preserving nil.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
