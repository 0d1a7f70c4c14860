package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scanhub-io/scanhub/internal/db"
)

// gormTargetRepository is the GORM implementation of TargetRepository.
type gormTargetRepository struct {
	db *gorm.DB
}

// NewTargetRepository returns a TargetRepository backed by the provided *gorm.DB.
func NewTargetRepository(db *gorm.DB) TargetRepository {
	return &gormTargetRepository{db: db}
}

// Upsert inserts the target or, when the external ID exists, refreshes the
// source-owned columns. Schedule state and created_at are deliberately
// excluded from the update list so repeated syncs are idempotent apart from
// synced_at.
func (r *gormTargetRepository) Upsert(ctx context.Context, target *db.Target) error {
	now := time.Now().UTC()
	target.SyncedAt = &now
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	if target.NextScanAt == nil {
		// A freshly discovered target is due immediately; the update list
		// below leaves this untouched for existing rows.
		target.NextScanAt = &now
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"host",
			"ports",
			"scan_type",
			"scan_config",
			"criticality",
			"criticality_weight",
			"scan_frequency_hours",
			"enabled",
			"tags",
			"synced_at",
		}),
	}).Create(target).Error
	if err != nil {
		return storeErr("targets: upsert", err)
	}
	return nil
}

// InsertManual creates a new catalog entry, failing with ErrConflict when the
// external ID is already present. Existence is checked first; the single
// writer connection makes the check-then-insert sequence effectively atomic.
func (r *gormTargetRepository) InsertManual(ctx context.Context, target *db.Target) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Target{}).
		Where("external_id = ?", target.ExternalID).
		Count(&count).Error; err != nil {
		return storeErr("targets: insert manual", err)
	}
	if count > 0 {
		return ErrConflict
	}

	now := time.Now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	if target.NextScanAt == nil {
		target.NextScanAt = &now
	}

	if err := r.db.WithContext(ctx).Create(target).Error; err != nil {
		return storeErr("targets: insert manual", err)
	}
	return nil
}

// DeactivateMissing disables every enabled target not present in activeIDs.
func (r *gormTargetRepository) DeactivateMissing(ctx context.Context, activeIDs []string) (int64, error) {
	q := r.db.WithContext(ctx).
		Model(&db.Target{}).
		Where("enabled = ?", true)
	if len(activeIDs) > 0 {
		q = q.Where("external_id NOT IN ?", activeIDs)
	}

	result := q.Update("enabled", false)
	if result.Error != nil {
		return 0, storeErr("targets: deactivate missing", result.Error)
	}
	return result.RowsAffected, nil
}

// GetDue returns all enabled, due targets with no active scan, most critical
// first. The NOT EXISTS subquery is the scheduler's admission check.
func (r *gormTargetRepository) GetDue(ctx context.Context, now time.Time) ([]db.Target, error) {
	var targets []db.Target

	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_scan_at IS NOT NULL AND next_scan_at <= ?", now).
		Where("NOT EXISTS (SELECT 1 FROM scans WHERE scans.external_target_id = targets.external_id AND scans.completed_at IS NULL)").
		Order("criticality_weight DESC").
		Find(&targets).Error
	if err != nil {
		return nil, storeErr("targets: get due", err)
	}
	return targets, nil
}

// UpdateGVMIDs caches GMP resource IDs on a catalog entry.
func (r *gormTargetRepository) UpdateGVMIDs(ctx context.Context, externalID, gvmTargetID, gvmPortListID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Target{}).
		Where("external_id = ?", externalID).
		Updates(map[string]interface{}{
			"gvm_target_id":    gvmTargetID,
			"gvm_port_list_id": gvmPortListID,
		})
	if result.Error != nil {
		return storeErr("targets: update gvm ids", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSchedule records a newly created scan: last_scan_at = now,
// next_scan_at = now + the target's frequency, last_scan_id = scanID.
// The frequency is read from the row so callers never pass stale values.
func (r *gormTargetRepository) UpdateSchedule(ctx context.Context, externalID string, scanID uuid.UUID, now time.Time) error {
	target, err := r.Get(ctx, externalID)
	if err != nil {
		return err
	}

	next := now.Add(time.Duration(target.ScanFrequencyHours * float64(time.Hour)))

	result := r.db.WithContext(ctx).
		Model(&db.Target{}).
		Where("external_id = ?", externalID).
		Updates(map[string]interface{}{
			"last_scan_at": now,
			"next_scan_at": next,
			"last_scan_id": scanID.String(),
		})
	if result.Error != nil {
		return storeErr("targets: update schedule", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of targets and the total count, ordered by
// external ID for stable output.
func (r *gormTargetRepository) List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error) {
	var targets []db.Target
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Target{}).Count(&total).Error; err != nil {
		return nil, 0, storeErr("targets: list count", err)
	}

	q := r.db.WithContext(ctx).Order("external_id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&targets).Error; err != nil {
		return nil, 0, storeErr("targets: list", err)
	}

	return targets, total, nil
}

// Get retrieves a target by external ID. Returns ErrNotFound if absent.
func (r *gormTargetRepository) Get(ctx context.Context, externalID string) (*db.Target, error) {
	var target db.Target
	err := r.db.WithContext(ctx).First(&target, "external_id = ?", externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("targets: get", err)
	}
	return &target, nil
}
