package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// JSON column types
// -----------------------------------------------------------------------------

// IntSlice is an []int stored as a JSON array in a TEXT column. A nil slice
// is stored as SQL NULL so "no port list" and "empty port list" stay
// distinguishable (a full scan has no port list at all).
type IntSlice []int

// Value implements driver.Valuer.
func (s IntSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal([]int(s))
	if err != nil {
		return nil, fmt.Errorf("db: marshaling int slice: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: IntSlice.Scan: expected string, got %T", value)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, (*[]int)(s))
}

// JSONMap is a map[string]any stored as a JSON object in a TEXT column.
// Used for opaque per-target tags coming from the external source.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("db: marshaling json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: JSONMap.Scan: expected string, got %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, (*map[string]any)(m))
}

// ScanSummary is the severity histogram computed from a finished report.
// Stored as a JSON object in a TEXT column; NULL until the report is parsed.
type ScanSummary struct {
	HostsScanned int `json:"hosts_scanned"`
	VulnsHigh    int `json:"vulns_high"`
	VulnsMedium  int `json:"vulns_medium"`
	VulnsLow     int `json:"vulns_low"`
	VulnsLog     int `json:"vulns_log"`
}

// Value implements driver.Valuer.
func (s ScanSummary) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("db: marshaling scan summary: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *ScanSummary) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: ScanSummary.Scan: expected string, got %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, s)
}

// -----------------------------------------------------------------------------
// Scans
// -----------------------------------------------------------------------------

// Scan is the hub's lifecycle-tracking record of one remote task execution.
// It is created by an ad-hoc submission or by the scheduler, mutated only by
// the lifecycle engine worker that owns it, and never deleted. GVMStatus
// carries the scanner's status text verbatim; the terminal and error sets are
// predicates in the gvm package, not an enum on this column.
type Scan struct {
	base
	Name             string   `gorm:"not null;default:''"`
	ProbeName        string   `gorm:"not null;index"`
	Target           string   `gorm:"not null"`
	ScanType         string   `gorm:"not null"` // "full" or "directed"
	Ports            IntSlice `gorm:"type:text"`
	ExternalTargetID string   `gorm:"not null;default:'';index"`
	ScanConfig       string   `gorm:"not null;default:''"` // GMP scan config name override

	// GMP resource IDs, persisted as soon as each resource is created so a
	// failure mid-lifecycle knows exactly what to clean up.
	GVMPortListID string `gorm:"column:gvm_port_list_id;not null;default:''"`
	GVMTargetID   string `gorm:"column:gvm_target_id;not null;default:''"`
	GVMTaskID     string `gorm:"column:gvm_task_id;not null;default:''"`
	GVMReportID   string `gorm:"column:gvm_report_id;not null;default:''"`

	GVMStatus   string `gorm:"column:gvm_status;not null;default:'New'"`
	GVMProgress int    `gorm:"column:gvm_progress;not null;default:0"`

	StartedAt   *time.Time
	CompletedAt *time.Time `gorm:"index"`

	ReportXML SealedText   `gorm:"column:report_xml;type:text"`
	Summary   *ScanSummary `gorm:"type:text"`
	Error     string       `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Targets
// -----------------------------------------------------------------------------

// Target is a catalog entry describing what to scan recurrently. The primary
// key is the external source's ID, so sync upserts are natural-keyed. Entries
// are deactivated, never deleted, when they disappear from the source.
//
// GVMTargetID and GVMPortListID cache resource IDs for potential reuse; the
// lifecycle engine currently always creates fresh resources per scan, so the
// cache is written via UpdateGVMIDs but not consulted.
type Target struct {
	ExternalID         string   `gorm:"primaryKey"`
	Host               string   `gorm:"not null"`
	Ports              IntSlice `gorm:"type:text"`
	ScanType           string   `gorm:"not null;default:'full'"`
	ScanConfig         string   `gorm:"not null;default:''"`
	Criticality        string   `gorm:"not null;default:'medium'"`
	CriticalityWeight  int      `gorm:"not null;default:2"`
	ScanFrequencyHours float64  `gorm:"not null;default:168"`
	Enabled            bool     `gorm:"not null;default:true"`
	Tags               JSONMap  `gorm:"type:text"`

	LastScanAt *time.Time
	NextScanAt *time.Time `gorm:"index"`
	LastScanID string     `gorm:"not null;default:''"`

	GVMTargetID   string `gorm:"column:gvm_target_id;not null;default:''"`
	GVMPortListID string `gorm:"column:gvm_port_list_id;not null;default:''"`

	SyncedAt  *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// CriticalityWeightFor maps a criticality label to its scheduling weight.
// Unknown labels fall back to medium.
func CriticalityWeightFor(criticality string) int {
	switch criticality {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 2
	}
}
