// Package repositories is the persistence layer of the scan hub. It exposes
// one interface per entity backed by GORM implementations. All mutating
// operations are serialized by the single-connection SQLite setup in db.New;
// the interfaces themselves are safe for concurrent use.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/scanhub-io/scanhub/internal/db"
)

// ListOptions contains common pagination options for list queries.
// A Limit of 0 means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// ScanRepository persists scan lifecycle records.
type ScanRepository interface {
	Insert(ctx context.Context, scan *db.Scan) error

	// Update applies a partial field set to one scan. The lifecycle engine
	// persists every state transition through this method, one step at a
	// time, so a crash never loses more than the step in flight.
	Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error

	Get(ctx context.Context, id uuid.UUID) (*db.Scan, error)
	List(ctx context.Context, opts ListOptions) ([]db.Scan, int64, error)

	// CountActivePerProbe returns probe name to active-scan count in a single
	// aggregate query. Active means completed_at IS NULL. The probe selector
	// relies on this being derived from the store on every call rather than
	// cached in memory, so counts survive restarts and are never stale.
	CountActivePerProbe(ctx context.Context) (map[string]int, error)
}

// TargetRepository persists the recurring-scan catalog.
type TargetRepository interface {
	// Upsert inserts or refreshes a catalog entry from the external source.
	// On update only the source-owned fields and synced_at change; schedule
	// state (last/next scan, last scan ID) and created_at are preserved so a
	// sync cycle never resets a target's cadence.
	Upsert(ctx context.Context, target *db.Target) error

	// InsertManual creates a target via the REST API. Returns ErrConflict
	// if the external ID already exists.
	InsertManual(ctx context.Context, target *db.Target) error

	// DeactivateMissing disables every enabled target whose external ID is
	// not in activeIDs. Returns the number of targets deactivated. An empty
	// set deactivates everything that is currently enabled.
	DeactivateMissing(ctx context.Context, activeIDs []string) (int64, error)

	// GetDue returns all enabled targets whose next_scan_at is at or before
	// now and that have no active scan, ordered by criticality weight
	// descending. The anti-duplicate predicate is part of the query, not a
	// post-filter, so a scheduler tick racing a completion cannot double-book.
	GetDue(ctx context.Context, now time.Time) ([]db.Target, error)

	// UpdateGVMIDs caches the GMP target and port-list IDs on the entry.
	UpdateGVMIDs(ctx context.Context, externalID, gvmTargetID, gvmPortListID string) error

	// UpdateSchedule records a new scan against the target: last_scan_at is
	// set to now, next_scan_at to now plus the target's scan frequency, and
	// last_scan_id to scanID.
	UpdateSchedule(ctx context.Context, externalID string, scanID uuid.UUID, now time.Time) error

	List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error)
	Get(ctx context.Context, externalID string) (*db.Target, error)
}
