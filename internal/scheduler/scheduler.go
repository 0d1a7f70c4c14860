// Package scheduler runs the hub's periodic jobs on gocron: syncing the
// target catalog from the external source and admitting due targets into the
// scan engine.
//
// Both jobs run in singleton mode: if a tick is still running when the next
// one fires, the new execution is skipped. The admission job relies on the
// store for its dedup guarantee — a target with an active scan is never
// returned by GetDue — so a scheduler tick racing a scan completion cannot
// double-book a target.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/catalog"
	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/engine"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// tickTimeout bounds one admission or sync pass. Both are store- and
// HTTP-bound; a pass that takes longer than this is stuck.
const tickTimeout = 60 * time.Second

// ScanService is the slice of the engine the scheduler needs.
type ScanService interface {
	CreateScan(ctx context.Context, req engine.CreateScanRequest) (*db.Scan, error)
	StartScan(scanID uuid.UUID)
}

// Syncer reconciles the target catalog. *catalog.SyncService implements it.
type Syncer interface {
	Enabled() bool
	Sync(ctx context.Context) (catalog.SyncStats, error)
}

// Config sets the job cadences. A cron expression, when present, takes
// precedence over the matching interval.
type Config struct {
	Interval     time.Duration
	Cron         string
	SyncInterval time.Duration
	SyncCron     string
}

// Scheduler wraps gocron and owns the sync and admission jobs.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	targets repositories.TargetRepository
	engine  ScanService
	sync    Syncer
	cfg     Config
	logger  *zap.Logger
}

// New creates and configures a Scheduler. sync may be nil when catalog sync
// is not wired. Call Start to begin processing.
func New(cfg Config, targets repositories.TargetRepository, scans ScanService, sync Syncer, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Hour
	}

	return &Scheduler{
		cron:    s,
		targets: targets,
		engine:  scans,
		sync:    sync,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
	}, nil
}

// Start registers the jobs and starts the underlying gocron scheduler. It
// should be called once at server startup, after the database connection is
// established.
func (s *Scheduler) Start() error {
	if err := s.addJob("scan-admission", s.cfg.Cron, s.cfg.Interval, func(ctx context.Context) {
		s.AdmitDue(ctx)
	}); err != nil {
		return err
	}

	syncEnabled := s.sync != nil && s.sync.Enabled()
	if syncEnabled {
		if err := s.addJob("target-sync", s.cfg.SyncCron, s.cfg.SyncInterval, func(ctx context.Context) {
			if _, err := s.sync.Sync(ctx); err != nil {
				s.logger.Error("target sync failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("cron", s.cfg.Cron),
		zap.Bool("sync_enabled", syncEnabled))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// addJob registers one singleton gocron job. Interval jobs fire immediately
// on start and then every interval; cron jobs follow their expression.
func (s *Scheduler) addJob(name, cronExpr string, interval time.Duration, run func(ctx context.Context)) error {
	def := gocron.DurationJob(interval)
	opts := []gocron.JobOption{
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if cronExpr != "" {
		def = gocron.CronJob(cronExpr, false)
	} else {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err := s.cron.NewJob(
		def,
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
			defer cancel()
			run(ctx)
		}),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for %s (cron: %q): %w", name, cronExpr, err)
	}
	return nil
}

// AdmitDue runs one admission pass: every enabled, due target without an
// active scan gets a scan created, its schedule advanced, and the scan
// started. A failing target is logged and skipped so one bad catalog entry
// cannot starve the rest of the batch.
func (s *Scheduler) AdmitDue(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.targets.GetDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to load due targets", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("admitting due targets", zap.Int("count", len(due)))

	for i := range due {
		target := &due[i]
		if err := s.admit(ctx, target, now); err != nil {
			s.logger.Error("failed to schedule scan",
				zap.String("external_id", target.ExternalID),
				zap.Error(err))
		}
	}
}

// admit creates and starts one scheduled scan for a due target.
func (s *Scheduler) admit(ctx context.Context, target *db.Target, now time.Time) error {
	scan, err := s.engine.CreateScan(ctx, engine.CreateScanRequest{
		Target:           target.Host,
		ScanType:         target.ScanType,
		Ports:            []int(target.Ports),
		Name:             target.ExternalID,
		ScanConfig:       target.ScanConfig,
		ExternalTargetID: target.ExternalID,
	})
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}

	// Non-fatal: the scan record and its external_target_id link already
	// exist, and GetDue keeps the target out of the next pass while the
	// scan is active.
	if err := s.targets.UpdateSchedule(ctx, target.ExternalID, scan.ID, now); err != nil {
		s.logger.Warn("failed to update target schedule",
			zap.String("external_id", target.ExternalID),
			zap.Error(err))
	}

	s.engine.StartScan(scan.ID)

	s.logger.Info("scheduled scan created",
		zap.String("scan_id", scan.ID.String()),
		zap.String("external_id", target.ExternalID),
		zap.String("target", target.Host),
		zap.String("probe", scan.ProbeName))
	return nil
}
