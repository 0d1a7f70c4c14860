package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/gvm"
	"github.com/scanhub-io/scanhub/internal/websocket"
)

// abortGrace bounds the GMP stop/cleanup calls issued after the worker
// context is cancelled, so a shutdown drain cannot hang on a dead probe.
const abortGrace = 10 * time.Second

// gvmResources tracks the GMP IDs created so far. Teardown consults this
// in-memory copy rather than re-reading the store, so cleanup works even
// when persistence is failing.
type gvmResources struct {
	portListID string
	targetID   string
	taskID     string
}

// pollOutcome captures how the status poll loop ended.
type pollOutcome struct {
	status   string // last status observed (or the initial one if never polled)
	timedOut bool
	aborted  bool
	err      error
}

// runScan executes the whole lifecycle of one scan: connect, provision,
// start, poll, collect, clean up. It is the only writer of the scan record
// after StartScan. GMP calls use ctx; store writes deliberately do not, so
// terminal states are persisted even while the hub is shutting down.
func (e *Engine) runScan(ctx context.Context, scanID uuid.UUID) {
	log := e.logger.With(zap.String("scan_id", scanID.String()))

	scan, err := e.scans.Get(context.Background(), scanID)
	if err != nil {
		log.Error("scan worker: failed to load scan", zap.Error(err))
		return
	}
	if scan.CompletedAt != nil {
		log.Warn("scan worker: scan already terminal", zap.String("gvm_status", scan.GVMStatus))
		return
	}

	log = log.With(
		zap.String("target", scan.Target),
		zap.String("probe", scan.ProbeName))
	log.Info("scan executing")

	e.metrics.ScansActive.Inc()
	e.metrics.ProbeScansActive.WithLabelValues(scan.ProbeName).Inc()
	defer func() {
		e.metrics.ScansActive.Dec()
		e.metrics.ProbeScansActive.WithLabelValues(scan.ProbeName).Dec()
	}()

	connector, ok := e.probes.Client(scan.ProbeName)
	if !ok {
		e.metrics.ScansFailed.Inc()
		log.Error("scan worker: probe not in registry")
		e.fail(scan, fmt.Sprintf("probe %q is not configured", scan.ProbeName), log)
		return
	}

	session, err := connector.Connect(ctx)
	if err != nil {
		e.metrics.GVMConnectionErrors.WithLabelValues(scan.ProbeName).Inc()
		e.metrics.ScansFailed.Inc()
		log.Error("scan worker: connection failed", zap.Error(err))
		e.fail(scan, err.Error(), log)
		return
	}
	defer session.Close()

	res, err := e.provision(ctx, session, scan, log)
	if err != nil {
		e.metrics.ScansFailed.Inc()
		log.Error("scan worker: provisioning failed", zap.Error(err))
		e.teardown(ctx, session, res, log)
		e.fail(scan, err.Error(), log)
		return
	}

	started := time.Now()
	out := e.poll(ctx, session, scan, res.taskID, log)

	if out.aborted {
		e.abort(session, scan, res, log)
		return
	}
	if out.err != nil {
		e.metrics.ScansFailed.Inc()
		log.Error("scan worker: status poll failed", zap.Error(out.err))
		e.teardown(ctx, session, res, log)
		e.fail(scan, out.err.Error(), log)
		return
	}

	if out.timedOut {
		elapsed := time.Since(started)
		log.Warn("scan timed out",
			zap.Int("elapsed_seconds", int(elapsed.Seconds())),
			zap.Duration("max_duration", e.cfg.MaxDuration))
		if err := session.StopTask(ctx, res.taskID); err != nil {
			log.Warn("scan worker: stop after timeout failed", zap.Error(err))
		}
		e.setError(scan, fmt.Sprintf("scan timed out after %ds (max: %ds)",
			int(elapsed.Seconds()), int(e.cfg.MaxDuration.Seconds())), log)
	}

	e.metrics.ScanDuration.Observe(time.Since(started).Seconds())
	e.metrics.ScansCompleted.WithLabelValues(out.status).Inc()

	now := time.Now().UTC()
	if err := e.persist(scan.ID, map[string]interface{}{"completed_at": now}, log); err == nil {
		scan.CompletedAt = &now
	}

	if gvm.IsErrorStatus(out.status) {
		e.setError(scan, fmt.Sprintf("scan ended with status: %s", out.status), log)
	}

	if out.status == gvm.StatusDone {
		if err := e.collectReport(ctx, session, scan, log); err != nil {
			e.metrics.ScansFailed.Inc()
			log.Error("scan worker: report collection failed", zap.Error(err))
			e.setError(scan, fmt.Sprintf("failed to collect report: %v", err), log)
		}
	} else {
		log.Warn("skipping report collection", zap.String("gvm_status", out.status))
	}

	if e.cfg.CleanupAfterReport {
		e.teardown(ctx, session, res, log)
	}

	e.publishCompleted(scan)
	e.notifyCompleted(scan.ID)

	log.Info("scan finished",
		zap.String("gvm_status", out.status),
		zap.Duration("duration", time.Since(started)))
}

// provision creates the GMP resources for a scan in order: port list (for
// directed scans), target, task, then starts the task. Each ID is persisted
// as soon as the resource exists so a later failure knows what to clean up.
func (e *Engine) provision(ctx context.Context, session gvm.Session, scan *db.Scan, log *zap.Logger) (gvmResources, error) {
	var res gvmResources

	if scan.ScanType == ScanTypeDirected && len(scan.Ports) > 0 {
		id, err := session.CreatePortList(ctx, fmt.Sprintf("scan-%s-ports", scan.ID), scan.Ports)
		if err != nil {
			return res, err
		}
		res.portListID = id
		if err := e.persist(scan.ID, map[string]interface{}{"gvm_port_list_id": id}, log); err != nil {
			return res, err
		}
		scan.GVMPortListID = id
	}

	targetID, err := session.CreateTarget(ctx, gvm.TargetSpec{
		Name:                fmt.Sprintf("scan-%s-target", scan.ID),
		Hosts:               scan.Target,
		PortListID:          res.portListID,
		DefaultPortListName: e.cfg.DefaultPortList,
		AliveTest:           e.cfg.AliveTest,
	})
	if err != nil {
		return res, err
	}
	res.targetID = targetID
	if err := e.persist(scan.ID, map[string]interface{}{"gvm_target_id": targetID}, log); err != nil {
		return res, err
	}
	scan.GVMTargetID = targetID

	configName := scan.ScanConfig
	if configName == "" {
		configName = e.cfg.ScanConfigName
	}
	taskID, err := session.CreateTask(ctx, gvm.TaskSpec{
		Name:        fmt.Sprintf("scan-%s", scan.ID),
		TargetID:    targetID,
		ConfigName:  configName,
		ScannerName: e.cfg.ScannerName,
	})
	if err != nil {
		return res, err
	}
	res.taskID = taskID
	if err := e.persist(scan.ID, map[string]interface{}{"gvm_task_id": taskID}, log); err != nil {
		return res, err
	}
	scan.GVMTaskID = taskID

	log.Info("gvm resources created",
		zap.String("gvm_target_id", targetID),
		zap.String("gvm_task_id", taskID),
		zap.String("gvm_port_list_id", res.portListID))

	reportID, err := session.StartTask(ctx, taskID)
	if err != nil {
		return res, err
	}
	now := time.Now().UTC()
	if err := e.persist(scan.ID, map[string]interface{}{
		"gvm_report_id": reportID,
		"started_at":    now,
	}, log); err != nil {
		return res, err
	}
	scan.GVMReportID = reportID
	scan.StartedAt = &now

	log.Info("scan started",
		zap.String("gvm_task_id", taskID),
		zap.String("gvm_report_id", reportID))

	return res, nil
}

// poll repeatedly reads the task status until it is terminal, the scan
// exceeds MaxDuration, the exchange fails, or the engine shuts down. Every
// observed status and progress value is persisted and published before the
// next sleep.
func (e *Engine) poll(ctx context.Context, session gvm.Session, scan *db.Scan, taskID string, log *zap.Logger) pollOutcome {
	started := time.Now()
	out := pollOutcome{status: scan.GVMStatus}

	for {
		if ctx.Err() != nil {
			out.aborted = true
			return out
		}
		if time.Since(started) > e.cfg.MaxDuration {
			out.timedOut = true
			return out
		}

		status, progress, err := session.GetTaskStatus(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				out.aborted = true
				return out
			}
			out.err = err
			return out
		}

		if err := e.persist(scan.ID, map[string]interface{}{
			"gvm_status":   status,
			"gvm_progress": progress,
		}, log); err == nil {
			scan.GVMStatus = status
			scan.GVMProgress = progress
		}
		e.publish(websocket.MsgScanStatus, scan.ID, scanStatusEvent{
			ScanID:      scan.ID.String(),
			GVMStatus:   status,
			GVMProgress: progress,
		})
		log.Debug("scan poll",
			zap.String("gvm_status", status),
			zap.Int("gvm_progress", progress))

		out.status = status
		if gvm.IsTerminalStatus(status) {
			return out
		}

		select {
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
			out.aborted = true
			return out
		}
	}
}

// collectReport fetches the report XML, derives the severity summary, and
// persists both in one update. Nothing is stored when either step fails, so
// report_xml and summary are always consistent with each other.
func (e *Engine) collectReport(ctx context.Context, session gvm.Session, scan *db.Scan, log *zap.Logger) error {
	if scan.GVMReportID == "" {
		return fmt.Errorf("scan has no report ID")
	}
	log.Info("collecting report", zap.String("gvm_report_id", scan.GVMReportID))

	reportXML, err := session.GetReportXML(ctx, scan.GVMReportID)
	if err != nil {
		return err
	}
	summary, err := gvm.ParseReportSummary(reportXML)
	if err != nil {
		return err
	}

	dbSummary := &db.ScanSummary{
		HostsScanned: summary.HostsScanned,
		VulnsHigh:    summary.VulnsHigh,
		VulnsMedium:  summary.VulnsMedium,
		VulnsLow:     summary.VulnsLow,
		VulnsLog:     summary.VulnsLog,
	}
	if err := e.persist(scan.ID, map[string]interface{}{
		"report_xml": db.SealedText(reportXML),
		"summary":    dbSummary,
	}, log); err != nil {
		return err
	}
	scan.ReportXML = db.SealedText(reportXML)
	scan.Summary = dbSummary

	log.Info("report collected",
		zap.Int("hosts_scanned", summary.HostsScanned),
		zap.Int("vulns_high", summary.VulnsHigh),
		zap.Int("vulns_medium", summary.VulnsMedium),
		zap.Int("vulns_low", summary.VulnsLow))
	return nil
}

// teardown deletes the GMP resources created for a scan in reverse creation
// order. Every deletion failure is logged and the next one still attempted —
// a leaked target must not keep a port list alive too.
func (e *Engine) teardown(ctx context.Context, session gvm.Session, res gvmResources, log *zap.Logger) {
	if res.taskID != "" {
		if err := session.DeleteTask(ctx, res.taskID); err != nil {
			log.Warn("cleanup: failed to delete task",
				zap.String("gvm_task_id", res.taskID), zap.Error(err))
		}
	}
	if res.targetID != "" {
		if err := session.DeleteTarget(ctx, res.targetID); err != nil {
			log.Warn("cleanup: failed to delete target",
				zap.String("gvm_target_id", res.targetID), zap.Error(err))
		}
	}
	if res.portListID != "" {
		if err := session.DeletePortList(ctx, res.portListID); err != nil {
			log.Warn("cleanup: failed to delete port list",
				zap.String("gvm_port_list_id", res.portListID), zap.Error(err))
		}
	}
	log.Debug("gvm resources cleaned")
}

// abort handles engine shutdown observed mid-scan: stop the remote task,
// clean up, and persist a terminal record. The worker context is already
// cancelled, so GMP calls run on a fresh bounded context.
func (e *Engine) abort(session gvm.Session, scan *db.Scan, res gvmResources, log *zap.Logger) {
	log.Warn("scan aborted by shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), abortGrace)
	defer cancel()

	if res.taskID != "" {
		if err := session.StopTask(ctx, res.taskID); err != nil {
			log.Warn("abort: failed to stop task", zap.Error(err))
		}
	}
	e.teardown(ctx, session, res, log)
	e.fail(scan, "scan aborted by shutdown", log)
}

// fail marks the scan terminal with an error, then fires the completion
// event and hook. Used by every failure path.
func (e *Engine) fail(scan *db.Scan, msg string, log *zap.Logger) {
	now := time.Now().UTC()
	if err := e.persist(scan.ID, map[string]interface{}{
		"error":        msg,
		"completed_at": now,
	}, log); err == nil {
		scan.Error = msg
		scan.CompletedAt = &now
	}
	e.publishCompleted(scan)
	e.notifyCompleted(scan.ID)
}

// setError persists the error text without touching completed_at.
func (e *Engine) setError(scan *db.Scan, msg string, log *zap.Logger) {
	if err := e.persist(scan.ID, map[string]interface{}{"error": msg}, log); err == nil {
		scan.Error = msg
	}
}

// persist applies a partial update on a background context so terminal
// states survive shutdown. Failures are logged and returned.
func (e *Engine) persist(scanID uuid.UUID, fields map[string]interface{}, log *zap.Logger) error {
	if err := e.scans.Update(context.Background(), scanID, fields); err != nil {
		log.Error("scan worker: failed to persist update", zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) publishCompleted(scan *db.Scan) {
	e.publish(websocket.MsgScanCompleted, scan.ID, scanCompletedEvent{
		ScanID:    scan.ID.String(),
		GVMStatus: scan.GVMStatus,
		Summary:   scan.Summary,
		Error:     scan.Error,
	})
}
