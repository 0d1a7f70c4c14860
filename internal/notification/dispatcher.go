// Package notification delivers completion callbacks to the external system
// that owns the target catalog. The lifecycle engine invokes the dispatcher
// on every terminal scan; delivery failures are logged by the caller and
// never affect the scan record itself.
package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// Config holds the callback endpoint settings. An empty URL disables the
// dispatcher entirely.
type Config struct {
	URL       string
	AuthToken string
	Secret    string
	Timeout   time.Duration

	// IncludeReportXML adds the full report document to the payload. Off by
	// default: report XML can run to tens of megabytes per scan.
	IncludeReportXML bool
}

// completionPayload is the JSON body POSTed to the callback URL when a scan
// reaches a terminal state. completed_at is RFC 3339 UTC.
type completionPayload struct {
	ExternalTargetID string          `json:"external_target_id"`
	ScanID           string          `json:"scan_id"`
	ProbeName        string          `json:"probe_name"`
	Host             string          `json:"host"`
	GVMStatus        string          `json:"gvm_status"`
	CompletedAt      string          `json:"completed_at"`
	Summary          *db.ScanSummary `json:"summary"`
	ReportXML        string          `json:"report_xml,omitempty"`
}

// Dispatcher posts scan-completion callbacks via outbound HTTP. Optionally
// signs the request body with HMAC-SHA256 when a secret is configured,
// enabling the receiver to verify authenticity.
// The zero value is not usable — create instances with NewDispatcher.
type Dispatcher struct {
	cfg    Config
	scans  repositories.ScanRepository
	client *http.Client
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher reading scan records from scans.
func NewDispatcher(cfg Config, scans repositories.ScanRepository, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		scans:  scans,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("notification"),
	}
}

// Enabled reports whether a callback URL is configured.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.URL != ""
}

// NotifyScanCompleted loads the scan and POSTs its terminal state to the
// callback URL. Scans that are not yet terminal are skipped: the engine may
// fire the hook for a record another writer is still finishing. Non-2xx
// responses are delivery failures and are returned wrapped in ErrSendFailed.
func (d *Dispatcher) NotifyScanCompleted(ctx context.Context, scanID uuid.UUID) error {
	if !d.Enabled() {
		return nil
	}

	scan, err := d.scans.Get(ctx, scanID)
	if err != nil {
		return fmt.Errorf("%w: failed to load scan %s: %s", ErrSendFailed, scanID, err)
	}
	if scan.CompletedAt == nil {
		return nil
	}

	payload := completionPayload{
		ExternalTargetID: scan.ExternalTargetID,
		ScanID:           scan.ID.String(),
		ProbeName:        scan.ProbeName,
		Host:             scan.Target,
		GVMStatus:        scan.GVMStatus,
		CompletedAt:      scan.CompletedAt.UTC().Format(time.RFC3339),
		Summary:          scan.Summary,
	}
	if d.cfg.IncludeReportXML {
		payload.ReportXML = string(scan.ReportXML)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal callback payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build callback request: %s", ErrSendFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ScanHub-Callback/1.0")

	// The external API hands out the token; it is sent back verbatim, no
	// scheme prefix.
	if d.cfg.AuthToken != "" {
		req.Header.Set("Authorization", d.cfg.AuthToken)
	}

	// Sign the request body with HMAC-SHA256 if a secret is configured.
	// The signature is sent in the X-ScanHub-Signature header as
	// "sha256=<hex>", following the convention used by GitHub and Stripe
	// webhooks.
	if d.cfg.Secret != "" {
		req.Header.Set("X-ScanHub-Signature", "sha256="+hmacSHA256(data, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: callback request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: callback returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}

	d.logger.Info("completion callback sent",
		zap.String("scan_id", payload.ScanID),
		zap.String("gvm_status", payload.GVMStatus),
		zap.Int("status", resp.StatusCode))
	return nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
