// Package engine drives the full lifecycle of vulnerability scans against
// remote GVM probes: validation, probe selection, GMP resource provisioning,
// status polling, report collection, and cleanup. Each started scan is owned
// by exactly one worker goroutine; every state transition is persisted before
// the worker moves on, so a crash never loses more than the step in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/gvm"
	"github.com/scanhub-io/scanhub/internal/metrics"
	"github.com/scanhub-io/scanhub/internal/probes"
	"github.com/scanhub-io/scanhub/internal/repositories"
	"github.com/scanhub-io/scanhub/internal/websocket"
)

// Config holds the lifecycle knobs shared by every scan worker.
type Config struct {
	// PollInterval is the pause between task status polls.
	PollInterval time.Duration

	// MaxDuration is the wall-clock ceiling for one scan. A scan exceeding
	// it is stopped on the probe and marked errored.
	MaxDuration time.Duration

	// CleanupAfterReport deletes the GMP task, target, and port list once a
	// scan reaches a terminal state.
	CleanupAfterReport bool

	// DefaultPortList names the server-side port list used by full scans.
	DefaultPortList string

	// ScanConfigName is the GMP scan config used unless the submission
	// overrides it.
	ScanConfigName string

	// ScannerName selects the scanner instance on the probe.
	ScannerName string

	// AliveTest optionally overrides the target's alive detection method.
	AliveTest string
}

// ConnectorSource yields the GMP client for a probe name.
// *probes.Registry implements it.
type ConnectorSource interface {
	Client(name string) (gvm.Connector, bool)
}

// ProbePicker assigns a probe to a new scan. *probes.Selector implements it.
type ProbePicker interface {
	Select(explicit string, activeCounts map[string]int) (string, error)
}

// Deps wires the engine to the rest of the hub. Hub and OnCompleted are
// optional; everything else is required.
type Deps struct {
	Scans    repositories.ScanRepository
	Probes   ConnectorSource
	Selector ProbePicker
	Metrics  *metrics.Metrics

	// Hub receives scan lifecycle events for WebSocket subscribers.
	Hub *websocket.Hub

	// OnCompleted is invoked after a scan reaches a terminal state and its
	// final fields are persisted. Used to trigger the completion callback.
	OnCompleted func(scanID uuid.UUID)

	Logger *zap.Logger
}

// CreateScanRequest is a validated-on-entry scan submission.
type CreateScanRequest struct {
	Target   string
	ScanType string
	Ports    []int

	// ProbeName pins the scan to one probe; empty lets the selector pick
	// the least loaded one.
	ProbeName string

	// Name is an optional informational label. The scheduler sets it to the
	// catalog entry's external ID.
	Name string

	// ScanConfig overrides the default GMP scan config by name.
	ScanConfig string

	// ExternalTargetID links the scan back to a catalog entry.
	ExternalTargetID string
}

// Engine creates scan records and runs their lifecycle workers.
// The zero value is not usable — create instances with New.
type Engine struct {
	cfg      Config
	scans    repositories.ScanRepository
	probes   ConnectorSource
	selector ProbePicker
	metrics  *metrics.Metrics
	hub      *websocket.Hub
	onDone   func(scanID uuid.UUID)
	logger   *zap.Logger

	// ctx is cancelled by Shutdown; workers observe it at poll boundaries.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

// New builds an Engine. Zero-valued Config fields fall back to the stock
// deployment: 30s polling, 24h ceiling, "All IANA assigned TCP", the
// "Full and fast" config on the "OpenVAS Default" scanner.
func New(cfg Config, deps Deps) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	if cfg.DefaultPortList == "" {
		cfg.DefaultPortList = "All IANA assigned TCP"
	}
	if cfg.ScanConfigName == "" {
		cfg.ScanConfigName = "Full and fast"
	}
	if cfg.ScannerName == "" {
		cfg.ScannerName = "OpenVAS Default"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		scans:    deps.Scans,
		probes:   deps.Probes,
		selector: deps.Selector,
		metrics:  deps.Metrics,
		hub:      deps.Hub,
		onDone:   deps.OnCompleted,
		logger:   deps.Logger.Named("engine"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateScan validates the submission, picks a probe, and inserts the scan
// record with status "New". No GMP work happens until StartScan.
func (e *Engine) CreateScan(ctx context.Context, req CreateScanRequest) (*db.Scan, error) {
	req.Target = strings.TrimSpace(req.Target)
	if req.ScanType == "" {
		req.ScanType = ScanTypeFull
	}

	if err := ValidateScanType(req.ScanType); err != nil {
		return nil, err
	}
	if err := ValidateTarget(req.Target); err != nil {
		return nil, err
	}
	if err := ValidatePorts(req.ScanType, req.Ports); err != nil {
		return nil, err
	}

	activeCounts, err := e.scans.CountActivePerProbe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active scans: %w", err)
	}

	probeName, err := e.selector.Select(req.ProbeName, activeCounts)
	if err != nil {
		var unknown *probes.UnknownProbeError
		if errors.As(err, &unknown) {
			return nil, newValidationError("unknown probe %q", unknown.Name)
		}
		return nil, err
	}

	var ports db.IntSlice
	if len(req.Ports) > 0 {
		ports = db.IntSlice(req.Ports)
	}

	scan := &db.Scan{
		Name:             req.Name,
		ProbeName:        probeName,
		Target:           req.Target,
		ScanType:         req.ScanType,
		Ports:            ports,
		ExternalTargetID: req.ExternalTargetID,
		ScanConfig:       req.ScanConfig,
	}
	if err := e.scans.Insert(ctx, scan); err != nil {
		return nil, fmt.Errorf("failed to insert scan: %w", err)
	}

	e.metrics.ScansSubmitted.WithLabelValues(req.ScanType).Inc()
	e.metrics.ProbeScansRouted.WithLabelValues(probeName).Inc()

	e.publish(websocket.MsgScanCreated, scan.ID, scanCreatedEvent{
		ScanID:    scan.ID.String(),
		Target:    scan.Target,
		ScanType:  scan.ScanType,
		ProbeName: scan.ProbeName,
	})

	e.logger.Info("scan created",
		zap.String("scan_id", scan.ID.String()),
		zap.String("target", scan.Target),
		zap.String("scan_type", scan.ScanType),
		zap.String("probe", probeName))

	return scan, nil
}

// StartScan launches the lifecycle worker for a created scan. It returns
// immediately; progress is observable through the store, the WebSocket hub,
// and the REST API.
func (e *Engine) StartScan(scanID uuid.UUID) {
	e.wg.Add(1)
	e.active.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.active.Add(-1)
		e.runScan(e.ctx, scanID)
	}()
}

// GetScan loads one scan record.
func (e *Engine) GetScan(ctx context.Context, id uuid.UUID) (*db.Scan, error) {
	return e.scans.Get(ctx, id)
}

// ListScans returns a page of scan records plus the total count.
func (e *Engine) ListScans(ctx context.Context, opts repositories.ListOptions) ([]db.Scan, int64, error) {
	return e.scans.List(ctx, opts)
}

// ActiveWorkers returns the number of lifecycle workers currently running.
func (e *Engine) ActiveWorkers() int64 {
	return e.active.Load()
}

// Shutdown signals every worker to abort at its next poll boundary and waits
// up to timeout for them to drain. Workers stop their GMP task and persist a
// terminal record before exiting.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine: %d scan workers still running after %s", e.active.Load(), timeout)
	}
}

// Event payloads pushed through the WebSocket hub.

type scanCreatedEvent struct {
	ScanID    string `json:"scan_id"`
	Target    string `json:"target"`
	ScanType  string `json:"scan_type"`
	ProbeName string `json:"probe_name"`
}

type scanStatusEvent struct {
	ScanID      string `json:"scan_id"`
	GVMStatus   string `json:"gvm_status"`
	GVMProgress int    `json:"gvm_progress"`
}

type scanCompletedEvent struct {
	ScanID    string          `json:"scan_id"`
	GVMStatus string          `json:"gvm_status"`
	Summary   *db.ScanSummary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// publish sends an event to the firehose topic and the per-scan topic.
func (e *Engine) publish(msgType websocket.MessageType, scanID uuid.UUID, payload any) {
	if e.hub == nil {
		return
	}
	for _, topic := range []string{websocket.TopicScans, websocket.ScanTopic(scanID.String())} {
		e.hub.Publish(topic, websocket.Message{Type: msgType, Topic: topic, Payload: payload})
	}
}

// notifyCompleted hands the scan to the completion hook, if one is wired.
func (e *Engine) notifyCompleted(scanID uuid.UUID) {
	if e.onDone != nil {
		e.onDone(scanID)
	}
}
