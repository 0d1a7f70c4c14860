package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scanhub-io/scanhub/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "scanhub_test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func newTestScan(probe string) *db.Scan {
	return &db.Scan{
		ProbeName: probe,
		Target:    "192.168.1.10",
		ScanType:  "full",
		GVMStatus: "New",
	}
}

func TestScanRepository_InsertAndGet(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	scan := &db.Scan{
		Name:             "weekly web tier",
		ProbeName:        "probe-eu-1",
		Target:           "10.0.0.0/24",
		ScanType:         "directed",
		Ports:            db.IntSlice{22, 80, 443},
		ExternalTargetID: "asset-42",
		GVMStatus:        "New",
	}
	require.NoError(t, repo.Insert(ctx, scan))
	require.NotEqual(t, uuid.UUID{}, scan.ID, "insert must assign an ID")

	got, err := repo.Get(ctx, scan.ID)
	require.NoError(t, err)
	require.Equal(t, scan.ID, got.ID)
	require.Equal(t, "weekly web tier", got.Name)
	require.Equal(t, "probe-eu-1", got.ProbeName)
	require.Equal(t, "10.0.0.0/24", got.Target)
	require.Equal(t, "directed", got.ScanType)
	require.Equal(t, db.IntSlice{22, 80, 443}, got.Ports)
	require.Equal(t, "asset-42", got.ExternalTargetID)
	require.Equal(t, "New", got.GVMStatus)
	require.Equal(t, 0, got.GVMProgress)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.Summary)
}

func TestScanRepository_FullScanHasNoPorts(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	scan := newTestScan("probe-eu-1")
	require.NoError(t, repo.Insert(ctx, scan))

	got, err := repo.Get(ctx, scan.ID)
	require.NoError(t, err)
	require.Nil(t, got.Ports, "a full scan must round-trip with a nil port list")
}

func TestScanRepository_GetNotFound(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))

	missing, err := uuid.NewV7()
	require.NoError(t, err)

	_, err = repo.Get(context.Background(), missing)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScanRepository_Update(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	scan := newTestScan("probe-eu-1")
	require.NoError(t, repo.Insert(ctx, scan))

	now := time.Now().UTC()
	err := repo.Update(ctx, scan.ID, map[string]interface{}{
		"gvm_status":   "Running",
		"gvm_progress": 42,
		"started_at":   now,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, scan.ID)
	require.NoError(t, err)
	require.Equal(t, "Running", got.GVMStatus)
	require.Equal(t, 42, got.GVMProgress)
	require.NotNil(t, got.StartedAt)
	require.WithinDuration(t, now, *got.StartedAt, time.Second)
}

func TestScanRepository_UpdateNotFound(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))

	missing, err := uuid.NewV7()
	require.NoError(t, err)

	err = repo.Update(context.Background(), missing, map[string]interface{}{
		"gvm_status": "Running",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScanRepository_ListNewestFirst(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		scan := newTestScan("probe-eu-1")
		scan.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Insert(ctx, scan))
		ids = append(ids, scan.ID)
	}

	scans, total, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, scans, 3)
	require.Equal(t, ids[2], scans[0].ID)
	require.Equal(t, ids[0], scans[2].ID)
}

func TestScanRepository_ListPagination(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		scan := newTestScan("probe-eu-1")
		scan.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Insert(ctx, scan))
	}

	scans, total, err := repo.List(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.EqualValues(t, 5, total, "total reflects the whole table, not the page")
	require.Len(t, scans, 2)
}

func TestScanRepository_CountActivePerProbe(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))
	ctx := context.Background()

	done := time.Now().UTC()
	insert := func(probe string, completed bool) {
		scan := newTestScan(probe)
		if completed {
			scan.CompletedAt = &done
			scan.GVMStatus = "Done"
		}
		require.NoError(t, repo.Insert(ctx, scan))
	}

	insert("p1", false)
	insert("p1", false)
	insert("p1", true)
	insert("p2", false)
	insert("p3", true)

	counts, err := repo.CountActivePerProbe(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"p1": 2, "p2": 1}, counts)
}

func TestScanRepository_CountActivePerProbeEmpty(t *testing.T) {
	repo := NewScanRepository(newTestDB(t))

	counts, err := repo.CountActivePerProbe(context.Background())
	require.NoError(t, err)
	require.Empty(t, counts)
}

func newTestTarget(externalID string) *db.Target {
	return &db.Target{
		ExternalID:         externalID,
		Host:               "192.168.1.20",
		ScanType:           "full",
		Criticality:        "medium",
		CriticalityWeight:  2,
		ScanFrequencyHours: 168,
		Enabled:            true,
	}
}

func TestTargetRepository_UpsertInsert(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	target := newTestTarget("asset-1")
	target.Tags = db.JSONMap{"env": "prod"}
	require.NoError(t, repo.Upsert(ctx, target))

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20", got.Host)
	require.True(t, got.Enabled)
	require.NotNil(t, got.SyncedAt)
	require.NotNil(t, got.NextScanAt, "a new target is due immediately")
	require.Equal(t, "prod", got.Tags["env"])
}

func TestTargetRepository_UpsertRefreshesSourceFields(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newTestTarget("asset-1")))

	updated := newTestTarget("asset-1")
	updated.Host = "192.168.1.99"
	updated.Criticality = "critical"
	updated.CriticalityWeight = 4
	require.NoError(t, repo.Upsert(ctx, updated))

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.99", got.Host)
	require.Equal(t, "critical", got.Criticality)
	require.Equal(t, 4, got.CriticalityWeight)
}

func TestTargetRepository_UpsertPreservesSchedule(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newTestTarget("asset-1")))

	scanID, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, repo.UpdateSchedule(ctx, "asset-1", scanID, now))

	scheduled, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.NotNil(t, scheduled.NextScanAt)

	// A sync refresh must not reset the schedule the scheduler just wrote.
	refreshed := newTestTarget("asset-1")
	refreshed.Host = "192.168.1.30"
	require.NoError(t, repo.Upsert(ctx, refreshed))

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.30", got.Host)
	require.Equal(t, scanID.String(), got.LastScanID)
	require.NotNil(t, got.NextScanAt)
	require.WithinDuration(t, *scheduled.NextScanAt, *got.NextScanAt, time.Second)
	require.NotNil(t, got.LastScanAt)
}

func TestTargetRepository_InsertManualConflict(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertManual(ctx, newTestTarget("asset-1")))

	err := repo.InsertManual(ctx, newTestTarget("asset-1"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestTargetRepository_DeactivateMissing(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Upsert(ctx, newTestTarget(id)))
	}

	n, err := repo.DeactivateMissing(ctx, []string{"b"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	kept, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, kept.Enabled)

	dropped, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, dropped.Enabled)
}

func TestTargetRepository_DeactivateThenUpsertReenables(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	// Empty seen set on an empty catalog is a no-op.
	n, err := repo.DeactivateMissing(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, repo.Upsert(ctx, newTestTarget("asset-1")))

	n, err = repo.DeactivateMissing(ctx, []string{"asset-1"})
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.True(t, got.Enabled)
}

func TestTargetRepository_GetDue(t *testing.T) {
	database := newTestDB(t)
	targets := NewTargetRepository(database)
	scans := NewScanRepository(database)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(id string, weight int, next *time.Time, enabled bool) {
		target := newTestTarget(id)
		target.CriticalityWeight = weight
		target.Enabled = enabled
		require.NoError(t, targets.Upsert(ctx, target))
		// Upsert marks new targets due immediately; pin the schedule we want.
		err := database.WithContext(ctx).Model(&db.Target{}).
			Where("external_id = ?", id).
			Update("next_scan_at", next).Error
		require.NoError(t, err)
	}

	mk("due-low", 1, &past, true)
	mk("due-critical", 4, &past, true)
	mk("not-due", 2, &future, true)
	mk("disabled", 4, &past, false)
	mk("in-flight", 4, &past, true)
	mk("never-scheduled", 2, nil, true)

	// An active scan on "in-flight" must exclude it from admission.
	active := newTestScan("p1")
	active.ExternalTargetID = "in-flight"
	require.NoError(t, scans.Insert(ctx, active))

	due, err := targets.GetDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "due-critical", due[0].ExternalID, "most critical first")
	require.Equal(t, "due-low", due[1].ExternalID)
}

func TestTargetRepository_GetDueAfterScanCompletes(t *testing.T) {
	database := newTestDB(t)
	targets := NewTargetRepository(database)
	scans := NewScanRepository(database)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	target := newTestTarget("asset-1")
	require.NoError(t, targets.Upsert(ctx, target))
	err := database.WithContext(ctx).Model(&db.Target{}).
		Where("external_id = ?", "asset-1").
		Update("next_scan_at", &past).Error
	require.NoError(t, err)

	scan := newTestScan("p1")
	scan.ExternalTargetID = "asset-1"
	require.NoError(t, scans.Insert(ctx, scan))

	due, err := targets.GetDue(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due, "target with an in-flight scan is not due")

	require.NoError(t, scans.Update(ctx, scan.ID, map[string]interface{}{
		"gvm_status":   "Done",
		"completed_at": now,
	}))

	due, err = targets.GetDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1, "completed scan frees the target for re-admission")
}

func TestTargetRepository_UpdateSchedule(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	target := newTestTarget("asset-1")
	target.ScanFrequencyHours = 24
	require.NoError(t, repo.Upsert(ctx, target))

	scanID, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, repo.UpdateSchedule(ctx, "asset-1", scanID, now))

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, scanID.String(), got.LastScanID)
	require.NotNil(t, got.LastScanAt)
	require.WithinDuration(t, now, *got.LastScanAt, time.Second)
	require.NotNil(t, got.NextScanAt)
	require.WithinDuration(t, now.Add(24*time.Hour), *got.NextScanAt, time.Second)
	require.True(t, got.NextScanAt.After(now), "next scan is always in the future")
}

func TestTargetRepository_UpdateScheduleNotFound(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))

	scanID, err := uuid.NewV7()
	require.NoError(t, err)

	err = repo.UpdateSchedule(context.Background(), "missing", scanID, time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTargetRepository_UpdateGVMIDs(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newTestTarget("asset-1")))
	require.NoError(t, repo.UpdateGVMIDs(ctx, "asset-1", "gvm-target-9", "gvm-ports-9"))

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "gvm-target-9", got.GVMTargetID)
	require.Equal(t, "gvm-ports-9", got.GVMPortListID)

	err = repo.UpdateGVMIDs(ctx, "missing", "x", "y")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTargetRepository_List(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.Upsert(ctx, newTestTarget(id)))
	}

	targets, total, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, targets, 3)
	require.Equal(t, "a", targets[0].ExternalID)

	page, total, err := repo.List(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0].ExternalID)
}

func TestTargetRepository_GetNotFound(t *testing.T) {
	repo := NewTargetRepository(newTestDB(t))

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
