package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

func newTestScans(t *testing.T) repositories.ScanRepository {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "notification_test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return repositories.NewScanRepository(database)
}

// seedCompletedScan inserts a terminal scan with a summary and report.
func seedCompletedScan(t *testing.T, scans repositories.ScanRepository) *db.Scan {
	t.Helper()
	done := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	scan := &db.Scan{
		ProbeName:        "probe-eu-1",
		Target:           "192.168.1.50",
		ScanType:         "full",
		ExternalTargetID: "asset-42",
		GVMStatus:        "Done",
		GVMProgress:      100,
		CompletedAt:      &done,
		ReportXML:        db.SealedText("<report/>"),
		Summary: &db.ScanSummary{
			HostsScanned: 1,
			VulnsHigh:    2,
			VulnsMedium:  3,
			VulnsLow:     1,
			VulnsLog:     7,
		},
	}
	require.NoError(t, scans.Insert(context.Background(), scan))
	return scan
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

// newCallbackServer returns an httptest server that records every request
// and responds with the given status.
func newCallbackServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured = append(captured, capturedRequest{header: r.Header.Clone(), body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestNotifyScanCompleted(t *testing.T) {
	scans := newTestScans(t)
	scan := seedCompletedScan(t, scans)
	srv, captured := newCallbackServer(t, http.StatusOK)

	d := NewDispatcher(Config{URL: srv.URL, AuthToken: "cb-token-1"}, scans, zap.NewNop())
	require.True(t, d.Enabled())
	require.NoError(t, d.NotifyScanCompleted(context.Background(), scan.ID))

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	require.Equal(t, "application/json", req.header.Get("Content-Type"))
	require.Equal(t, "cb-token-1", req.header.Get("Authorization"), "token is sent verbatim")
	require.Empty(t, req.header.Get("X-ScanHub-Signature"), "no signature without a secret")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.body, &payload))
	require.Equal(t, "asset-42", payload["external_target_id"])
	require.Equal(t, scan.ID.String(), payload["scan_id"])
	require.Equal(t, "probe-eu-1", payload["probe_name"])
	require.Equal(t, "192.168.1.50", payload["host"])
	require.Equal(t, "Done", payload["gvm_status"])
	require.Equal(t, "2025-06-01T12:30:00Z", payload["completed_at"])

	summary, ok := payload["summary"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, summary["vulns_high"])
	require.EqualValues(t, 7, summary["vulns_log"])

	_, hasReport := payload["report_xml"]
	require.False(t, hasReport, "report XML is opt-in")
}

func TestNotifyIncludesReportWhenEnabled(t *testing.T) {
	scans := newTestScans(t)
	scan := seedCompletedScan(t, scans)
	srv, captured := newCallbackServer(t, http.StatusOK)

	d := NewDispatcher(Config{URL: srv.URL, IncludeReportXML: true}, scans, zap.NewNop())
	require.NoError(t, d.NotifyScanCompleted(context.Background(), scan.ID))

	var payload map[string]any
	require.NoError(t, json.Unmarshal((*captured)[0].body, &payload))
	require.Equal(t, "<report/>", payload["report_xml"])
}

func TestNotifySignsBodyWhenSecretSet(t *testing.T) {
	scans := newTestScans(t)
	scan := seedCompletedScan(t, scans)
	srv, captured := newCallbackServer(t, http.StatusNoContent)

	d := NewDispatcher(Config{URL: srv.URL, Secret: "hook-secret"}, scans, zap.NewNop())
	require.NoError(t, d.NotifyScanCompleted(context.Background(), scan.ID))

	req := (*captured)[0]
	want := "sha256=" + hmacSHA256(req.body, "hook-secret")
	require.Equal(t, want, req.header.Get("X-ScanHub-Signature"),
		"receiver must be able to verify the body against the signature")
}

func TestNotifySkipsActiveScan(t *testing.T) {
	scans := newTestScans(t)
	active := &db.Scan{
		ProbeName: "probe-eu-1",
		Target:    "192.168.1.60",
		ScanType:  "full",
		GVMStatus: "Running",
	}
	require.NoError(t, scans.Insert(context.Background(), active))

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URL: srv.URL}, scans, zap.NewNop())
	require.NoError(t, d.NotifyScanCompleted(context.Background(), active.ID))
	require.Zero(t, hits.Load(), "non-terminal scans are not reported")
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	scans := newTestScans(t)
	scan := seedCompletedScan(t, scans)

	d := NewDispatcher(Config{}, scans, zap.NewNop())
	require.False(t, d.Enabled())
	require.NoError(t, d.NotifyScanCompleted(context.Background(), scan.ID))
}

func TestNotifyNon2xxFails(t *testing.T) {
	scans := newTestScans(t)
	scan := seedCompletedScan(t, scans)
	srv, _ := newCallbackServer(t, http.StatusBadGateway)

	d := NewDispatcher(Config{URL: srv.URL}, scans, zap.NewNop())
	err := d.NotifyScanCompleted(context.Background(), scan.ID)
	require.ErrorIs(t, err, ErrSendFailed)
	require.Contains(t, err.Error(), "502")
}

func TestNotifyUnknownScanFails(t *testing.T) {
	scans := newTestScans(t)
	srv, captured := newCallbackServer(t, http.StatusOK)

	d := NewDispatcher(Config{URL: srv.URL}, scans, zap.NewNop())
	err := d.NotifyScanCompleted(context.Background(), uuid.Must(uuid.NewV7()))
	require.ErrorIs(t, err, ErrSendFailed)
	require.Empty(t, *captured)
}
