// Package catalog keeps the recurring-scan target catalog in sync with an
// external source of truth. The source is polled over REST; entries are
// upserted by external ID and anything the source no longer lists is
// deactivated, never deleted.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

// Config points the sync service at the external target API.
type Config struct {
	// URL of the source endpoint. Empty disables syncing entirely.
	URL string

	// AuthToken, when set, is sent verbatim in the Authorization header.
	AuthToken string

	// Timeout bounds one fetch round trip.
	Timeout time.Duration

	// DefaultFrequencyHours applies to entries without an explicit
	// scan_frequency_hours.
	DefaultFrequencyHours float64
}

// SyncService pulls targets from the external source and reconciles the
// local catalog against them.
type SyncService struct {
	cfg     Config
	targets repositories.TargetRepository
	client  *http.Client
	logger  *zap.Logger
}

// NewSyncService builds a sync service. Zero-valued knobs fall back to a 30s
// fetch timeout and a weekly default frequency.
func NewSyncService(cfg Config, targets repositories.TargetRepository, logger *zap.Logger) *SyncService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultFrequencyHours <= 0 {
		cfg.DefaultFrequencyHours = 168
	}
	return &SyncService{
		cfg:     cfg,
		targets: targets,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("catalog"),
	}
}

// Enabled reports whether a source URL is configured.
func (s *SyncService) Enabled() bool { return s.cfg.URL != "" }

// SyncStats summarises one reconciliation cycle.
type SyncStats struct {
	Received    int
	Upserted    int
	Skipped     int
	Deactivated int64
}

// sourceTarget mirrors one entry of the source payload. Enabled is a pointer
// so an absent field defaults to true.
type sourceTarget struct {
	ID                 string         `json:"id"`
	Host               string         `json:"host"`
	Ports              []int          `json:"ports"`
	ScanType           string         `json:"scan_type"`
	ScanConfig         string         `json:"scan_config"`
	Criticality        string         `json:"criticality"`
	ScanFrequencyHours float64        `json:"scan_frequency_hours"`
	Enabled            *bool          `json:"enabled"`
	Tags               map[string]any `json:"tags"`
}

type sourcePayload struct {
	Targets []sourceTarget `json:"targets"`
}

// Sync fetches the source once and reconciles the catalog: valid enabled
// entries are upserted, then every catalog entry the source did not list is
// deactivated. Disabled source entries are intentionally left out of the
// active set so they are deactivated too, without losing their row.
//
// The caller owns the cadence; errors abort the cycle and are retried on the
// next tick.
func (s *SyncService) Sync(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	if !s.Enabled() {
		return stats, nil
	}

	s.logger.Info("target sync started", zap.String("url", s.cfg.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to build source request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return stats, fmt.Errorf("source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	var payload sourcePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return stats, fmt.Errorf("failed to decode source payload: %w", err)
	}
	stats.Received = len(payload.Targets)

	activeIDs := make([]string, 0, len(payload.Targets))
	for i := range payload.Targets {
		entry := &payload.Targets[i]

		if entry.ID == "" || entry.Host == "" {
			s.logger.Warn("skipping invalid source target",
				zap.String("id", entry.ID),
				zap.String("host", entry.Host))
			stats.Skipped++
			continue
		}
		if entry.Enabled != nil && !*entry.Enabled {
			// Not upserted and not counted active, so DeactivateMissing
			// below turns the existing row off.
			stats.Skipped++
			continue
		}

		if err := s.targets.Upsert(ctx, s.toTarget(entry)); err != nil {
			s.logger.Error("failed to upsert target",
				zap.String("external_id", entry.ID), zap.Error(err))
			stats.Skipped++
			continue
		}
		stats.Upserted++
		activeIDs = append(activeIDs, entry.ID)
	}

	deactivated, err := s.targets.DeactivateMissing(ctx, activeIDs)
	if err != nil {
		return stats, fmt.Errorf("failed to deactivate missing targets: %w", err)
	}
	stats.Deactivated = deactivated

	s.logger.Info("target sync done",
		zap.Int("total_received", stats.Received),
		zap.Int("active", stats.Upserted),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("deactivated", deactivated))
	return stats, nil
}

// toTarget maps a source entry onto the catalog model, applying the same
// defaults the REST layer uses: full scans, medium criticality, the
// configured default frequency.
func (s *SyncService) toTarget(entry *sourceTarget) *db.Target {
	scanType := entry.ScanType
	if scanType == "" {
		scanType = "full"
	}
	criticality := entry.Criticality
	if criticality == "" {
		criticality = "medium"
	}
	freq := entry.ScanFrequencyHours
	if freq <= 0 {
		freq = s.cfg.DefaultFrequencyHours
	}

	var ports db.IntSlice
	if len(entry.Ports) > 0 {
		ports = db.IntSlice(entry.Ports)
	}

	return &db.Target{
		ExternalID:         entry.ID,
		Host:               entry.Host,
		Ports:              ports,
		ScanType:           scanType,
		ScanConfig:         entry.ScanConfig,
		Criticality:        criticality,
		CriticalityWeight:  db.CriticalityWeightFor(criticality),
		ScanFrequencyHours: freq,
		Enabled:            true,
		Tags:               db.JSONMap(entry.Tags),
	}
}
