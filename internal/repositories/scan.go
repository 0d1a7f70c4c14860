package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scanhub-io/scanhub/internal/db"
)

// gormScanRepository is the GORM implementation of ScanRepository.
type gormScanRepository struct {
	db *gorm.DB
}

// NewScanRepository returns a ScanRepository backed by the provided *gorm.DB.
func NewScanRepository(db *gorm.DB) ScanRepository {
	return &gormScanRepository{db: db}
}

// Insert creates a new scan record.
func (r *gormScanRepository) Insert(ctx context.Context, scan *db.Scan) error {
	if err := r.db.WithContext(ctx).Create(scan).Error; err != nil {
		return storeErr("scans: insert", err)
	}
	return nil
}

// Update applies a partial field set to the scan with the given ID.
// Returns ErrNotFound if no record matches.
func (r *gormScanRepository) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&db.Scan{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return storeErr("scans: update", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a scan by its UUID. Returns ErrNotFound if no record exists.
func (r *gormScanRepository) Get(ctx context.Context, id uuid.UUID) (*db.Scan, error) {
	var scan db.Scan
	err := r.db.WithContext(ctx).First(&scan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("scans: get", err)
	}
	return &scan, nil
}

// List returns a paginated list of scans and the total count, ordered by
// creation time descending (most recent first).
func (r *gormScanRepository) List(ctx context.Context, opts ListOptions) ([]db.Scan, int64, error) {
	var scans []db.Scan
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Scan{}).Count(&total).Error; err != nil {
		return nil, 0, storeErr("scans: list count", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&scans).Error; err != nil {
		return nil, 0, storeErr("scans: list", err)
	}

	return scans, total, nil
}

// CountActivePerProbe aggregates active scans (completed_at IS NULL) per
// probe in one GROUP BY query. Probes without active scans are absent from
// the returned map; the selector treats missing as zero.
func (r *gormScanRepository) CountActivePerProbe(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		ProbeName string
		Active    int
	}

	err := r.db.WithContext(ctx).
		Model(&db.Scan{}).
		Select("probe_name, COUNT(*) AS active").
		Where("completed_at IS NULL").
		Group("probe_name").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("scans: count active per probe", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.ProbeName] = row.Active
	}
	return counts, nil
}
