package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/catalog"
	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/engine"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// fakeScanService records admissions instead of running scans. failFor makes
// CreateScan fail for one external target ID to exercise batch isolation.
type fakeScanService struct {
	mu      sync.Mutex
	created []engine.CreateScanRequest
	started []uuid.UUID
	failFor string
}

func (f *fakeScanService) CreateScan(_ context.Context, req engine.CreateScanRequest) (*db.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && req.ExternalTargetID == f.failFor {
		return nil, errors.New("no probe available")
	}
	f.created = append(f.created, req)

	scan := &db.Scan{
		Target:    req.Target,
		ScanType:  req.ScanType,
		ProbeName: "probe-1",
		GVMStatus: "New",
	}
	scan.ID = uuid.Must(uuid.NewV7())
	return scan, nil
}

func (f *fakeScanService) StartScan(scanID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, scanID)
}

func (f *fakeScanService) createdReqs() []engine.CreateScanRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.CreateScanRequest(nil), f.created...)
}

func (f *fakeScanService) startedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.started...)
}

type fakeSyncer struct {
	enabled bool
	calls   atomic.Int64
}

func (f *fakeSyncer) Enabled() bool { return f.enabled }

func (f *fakeSyncer) Sync(context.Context) (catalog.SyncStats, error) {
	f.calls.Add(1)
	return catalog.SyncStats{}, nil
}

func newTestTargets(t *testing.T) repositories.TargetRepository {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "scheduler_test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return repositories.NewTargetRepository(database)
}

// seedTarget upserts a catalog entry; Upsert marks new entries due
// immediately, so it is admissible on the next pass.
func seedTarget(t *testing.T, targets repositories.TargetRepository, target *db.Target) {
	t.Helper()
	if target.ScanType == "" {
		target.ScanType = "full"
	}
	if target.CriticalityWeight == 0 {
		target.CriticalityWeight = 2
	}
	if target.ScanFrequencyHours == 0 {
		target.ScanFrequencyHours = 168
	}
	target.Enabled = true
	require.NoError(t, targets.Upsert(context.Background(), target))
}

func newTestScheduler(t *testing.T, cfg Config, targets repositories.TargetRepository, scans ScanService, sync Syncer) *Scheduler {
	t.Helper()
	s, err := New(cfg, targets, scans, sync, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestAdmitDueCreatesAndStartsScans(t *testing.T) {
	targets := newTestTargets(t)
	svc := &fakeScanService{}
	s := newTestScheduler(t, Config{}, targets, svc, nil)
	ctx := context.Background()

	seedTarget(t, targets, &db.Target{
		ExternalID:         "asset-critical",
		Host:               "10.0.0.8",
		ScanType:           "directed",
		Ports:              db.IntSlice{22, 443},
		ScanConfig:         "Discovery",
		CriticalityWeight:  4,
		ScanFrequencyHours: 24,
	})
	seedTarget(t, targets, &db.Target{
		ExternalID: "asset-low",
		Host:       "app.internal.example",
	})

	s.AdmitDue(ctx)

	created := svc.createdReqs()
	require.Len(t, created, 2)
	require.Equal(t, "asset-critical", created[0].ExternalTargetID, "most critical target admitted first")

	req := created[0]
	require.Equal(t, "10.0.0.8", req.Target)
	require.Equal(t, "directed", req.ScanType)
	require.Equal(t, []int{22, 443}, req.Ports)
	require.Equal(t, "Discovery", req.ScanConfig)
	require.Equal(t, "asset-critical", req.Name)

	require.Equal(t, "app.internal.example", created[1].Target)
	require.Equal(t, "full", created[1].ScanType)
	require.Empty(t, created[1].Ports)

	started := svc.startedIDs()
	require.Len(t, started, 2)

	got, err := targets.Get(ctx, "asset-critical")
	require.NoError(t, err)
	require.Equal(t, started[0].String(), got.LastScanID)
	require.NotNil(t, got.LastScanAt)
	require.NotNil(t, got.NextScanAt)
	require.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *got.NextScanAt, time.Minute)
}

func TestAdmitDueEmptyCatalog(t *testing.T) {
	svc := &fakeScanService{}
	s := newTestScheduler(t, Config{}, newTestTargets(t), svc, nil)

	s.AdmitDue(context.Background())

	require.Empty(t, svc.createdReqs())
	require.Empty(t, svc.startedIDs())
}

func TestAdmitDueAdvancesSchedule(t *testing.T) {
	targets := newTestTargets(t)
	svc := &fakeScanService{}
	s := newTestScheduler(t, Config{}, targets, svc, nil)
	ctx := context.Background()

	seedTarget(t, targets, &db.Target{ExternalID: "asset-1", Host: "10.0.0.1"})

	s.AdmitDue(ctx)
	require.Len(t, svc.createdReqs(), 1)

	// The schedule moved into the future, so a second pass admits nothing.
	s.AdmitDue(ctx)
	require.Len(t, svc.createdReqs(), 1)
}

func TestAdmitDueFailureIsolation(t *testing.T) {
	targets := newTestTargets(t)
	svc := &fakeScanService{failFor: "asset-bad"}
	s := newTestScheduler(t, Config{}, targets, svc, nil)
	ctx := context.Background()

	seedTarget(t, targets, &db.Target{
		ExternalID:        "asset-bad",
		Host:              "10.0.0.66",
		CriticalityWeight: 4,
	})
	seedTarget(t, targets, &db.Target{ExternalID: "asset-good", Host: "10.0.0.7"})

	s.AdmitDue(ctx)

	created := svc.createdReqs()
	require.Len(t, created, 1, "one failing target must not block the batch")
	require.Equal(t, "asset-good", created[0].ExternalTargetID)
	require.Len(t, svc.startedIDs(), 1)

	// The failed target keeps its schedule and stays due for the next pass.
	bad, err := targets.Get(ctx, "asset-bad")
	require.NoError(t, err)
	require.Empty(t, bad.LastScanID)

	due, err := targets.GetDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "asset-bad", due[0].ExternalID)
}

func TestSchedulerRunsJobs(t *testing.T) {
	targets := newTestTargets(t)
	svc := &fakeScanService{}
	syncer := &fakeSyncer{enabled: true}
	s := newTestScheduler(t, Config{
		Interval:     10 * time.Millisecond,
		SyncInterval: 10 * time.Millisecond,
	}, targets, svc, syncer)

	seedTarget(t, targets, &db.Target{ExternalID: "asset-1", Host: "10.0.0.1"})

	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	require.Eventually(t, func() bool {
		return len(svc.startedIDs()) >= 1 && syncer.calls.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond, "admission and sync jobs must both fire")
}

func TestSchedulerSyncDisabled(t *testing.T) {
	svc := &fakeScanService{}
	syncer := &fakeSyncer{enabled: false}
	s := newTestScheduler(t, Config{Interval: 5 * time.Millisecond}, newTestTargets(t), svc, syncer)

	require.NoError(t, s.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	require.Zero(t, syncer.calls.Load(), "disabled syncer must never run")
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	s := newTestScheduler(t, Config{Cron: "not a cron"}, newTestTargets(t), &fakeScanService{}, nil)

	err := s.Start()
	require.Error(t, err)
	require.Contains(t, err.Error(), "scan-admission")
}

func TestSchedulerCronStartStop(t *testing.T) {
	s := newTestScheduler(t, Config{
		Cron:     "*/5 * * * *",
		SyncCron: "0 * * * *",
	}, newTestTargets(t), &fakeScanService{}, &fakeSyncer{enabled: true})

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
