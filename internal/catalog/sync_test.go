package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

func newTestRepo(t *testing.T) repositories.TargetRepository {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog_test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return repositories.NewTargetRepository(database)
}

func newTestSync(t *testing.T, url, token string, repo repositories.TargetRepository) *SyncService {
	t.Helper()
	return NewSyncService(Config{
		URL:       url,
		AuthToken: token,
		Timeout:   5 * time.Second,
	}, repo, zap.NewNop())
}

func TestSyncUpsertsAndSkips(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"targets": [
			{"id": "asset-1", "host": "10.0.0.1", "criticality": "critical", "scan_type": "directed", "ports": [22, 443], "scan_frequency_hours": 24, "tags": {"env": "prod"}},
			{"id": "asset-2", "host": "web.internal"},
			{"id": "", "host": "10.0.0.3"},
			{"id": "asset-4", "host": "10.0.0.4", "enabled": false}
		]}`))
	}))
	defer server.Close()

	repo := newTestRepo(t)
	svc := newTestSync(t, server.URL, "secret-token", repo)

	stats, err := svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, "secret-token", gotAuth)
	require.Equal(t, 4, stats.Received)
	require.Equal(t, 2, stats.Upserted)
	require.Equal(t, 2, stats.Skipped)

	ctx := context.Background()

	first, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", first.Host)
	require.Equal(t, "directed", first.ScanType)
	require.Equal(t, db.IntSlice{22, 443}, first.Ports)
	require.Equal(t, "critical", first.Criticality)
	require.Equal(t, 4, first.CriticalityWeight)
	require.Equal(t, float64(24), first.ScanFrequencyHours)
	require.Equal(t, "prod", first.Tags["env"])
	require.True(t, first.Enabled)
	require.NotNil(t, first.SyncedAt)
	require.NotNil(t, first.NextScanAt, "a new target must be due immediately")

	// Defaults applied for sparse entries.
	second, err := repo.Get(ctx, "asset-2")
	require.NoError(t, err)
	require.Equal(t, "full", second.ScanType)
	require.Equal(t, "medium", second.Criticality)
	require.Equal(t, 2, second.CriticalityWeight)
	require.Equal(t, float64(168), second.ScanFrequencyHours)

	// The invalid and disabled entries were not inserted.
	_, err = repo.Get(ctx, "asset-4")
	require.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSyncDeactivatesMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"targets": [{"id": "kept", "host": "10.0.0.1"}]}`))
	}))
	defer server.Close()

	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &db.Target{
		ExternalID: "dropped",
		Host:       "10.0.0.9",
		ScanType:   "full",
		Enabled:    true,
	}))

	svc := newTestSync(t, server.URL, "", repo)
	stats, err := svc.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Deactivated)

	dropped, err := repo.Get(ctx, "dropped")
	require.NoError(t, err)
	require.False(t, dropped.Enabled, "targets missing from the source are deactivated, not deleted")

	kept, err := repo.Get(ctx, "kept")
	require.NoError(t, err)
	require.True(t, kept.Enabled)
}

func TestSyncDisabledSourceEntryDeactivatesExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"targets": [{"id": "asset-1", "host": "10.0.0.1", "enabled": false}]}`))
	}))
	defer server.Close()

	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &db.Target{
		ExternalID: "asset-1",
		Host:       "10.0.0.1",
		ScanType:   "full",
		Enabled:    true,
	}))

	svc := newTestSync(t, server.URL, "", repo)
	_, err := svc.Sync(ctx)
	require.NoError(t, err)

	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.False(t, got.Enabled)
}

func TestSyncPreservesScheduleOnUpdate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"targets": [{"id": "asset-1", "host": "10.0.0.99", "criticality": "high"}]}`))
	}))
	defer server.Close()

	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &db.Target{
		ExternalID:         "asset-1",
		Host:               "10.0.0.1",
		ScanType:           "full",
		ScanFrequencyHours: 24,
		Enabled:            true,
	}))
	require.NoError(t, repo.UpdateSchedule(ctx, "asset-1", uuid.Must(uuid.NewV7()), time.Now().UTC()))

	before, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.NotNil(t, before.NextScanAt)

	svc := newTestSync(t, server.URL, "", repo)
	_, err = svc.Sync(ctx)
	require.NoError(t, err)

	after, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.99", after.Host, "source-owned fields refresh on sync")
	require.Equal(t, "high", after.Criticality)
	require.NotNil(t, after.NextScanAt)
	require.WithinDuration(t, *before.NextScanAt, *after.NextScanAt, time.Second,
		"sync must not reset the scan cadence")
	require.Equal(t, before.LastScanID, after.LastScanID)
}

func TestSyncSourceFailures(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &db.Target{
		ExternalID: "asset-1",
		Host:       "10.0.0.1",
		ScanType:   "full",
		Enabled:    true,
	}))

	t.Run("http error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := newTestSync(t, server.URL, "", repo).Sync(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "status 500")
	})

	t.Run("malformed payload", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"targets": [`))
		}))
		defer server.Close()

		_, err := newTestSync(t, server.URL, "", repo).Sync(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "decode")
	})

	// A failed cycle must leave the catalog untouched.
	got, err := repo.Get(ctx, "asset-1")
	require.NoError(t, err)
	require.True(t, got.Enabled)
}

func TestSyncDisabledWithoutURL(t *testing.T) {
	svc := newTestSync(t, "", "", newTestRepo(t))
	require.False(t, svc.Enabled())

	stats, err := svc.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Received)
}
