// Package main implements a one-shot seed command that inserts a small demo
// catalog into the Scan Hub database. It lives inside the hub module so it
// can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --dsn ./scanhub.db
//
// Environment variables:
//
//	SCANHUB_DB_DRIVER  Database driver, sqlite or postgres (default: sqlite)
//	SCANHUB_DB_DSN     SQLite file path or Postgres DSN (default: ./scanhub.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	driver := flag.String("driver", envOrDefault("SCANHUB_DB_DRIVER", "sqlite"), "Database driver: sqlite or postgres")
	dsn := flag.String("dsn", envOrDefault("SCANHUB_DB_DSN", "./scanhub.db"), "Database DSN or file path for SQLite")
	flag.Parse()

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   *driver,
		DSN:      *dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Demo targets ─────────────────────────────────────────────────────────

	// Hosts use TEST-NET-1 addresses so a seeded dev hub never scans
	// anything real by accident. All entries are immediately due, so a
	// running scheduler picks them up on its next tick.
	targets := []*db.Target{
		{
			ExternalID:         "demo-web-01",
			Host:               "192.0.2.10",
			ScanType:           "full",
			Criticality:        "critical",
			ScanFrequencyHours: 24,
			Enabled:            true,
			Tags:               db.JSONMap{"env": "demo", "service": "web"},
		},
		{
			ExternalID:         "demo-db-01",
			Host:               "192.0.2.20",
			Ports:              db.IntSlice{5432, 6432},
			ScanType:           "directed",
			Criticality:        "high",
			ScanFrequencyHours: 72,
			Enabled:            true,
			Tags:               db.JSONMap{"env": "demo", "service": "postgres"},
		},
		{
			ExternalID:         "demo-lab-01",
			Host:               "192.0.2.30",
			ScanType:           "full",
			Criticality:        "low",
			ScanFrequencyHours: 168,
			Enabled:            true,
			Tags:               db.JSONMap{"env": "demo"},
		},
	}

	repo := repositories.NewTargetRepository(database)
	ctx := context.Background()

	for _, t := range targets {
		t.CriticalityWeight = db.CriticalityWeightFor(t.Criticality)

		if err := repo.InsertManual(ctx, t); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				fmt.Printf("- %s already exists, skipping\n", t.ExternalID)
				continue
			}
			return fmt.Errorf("insert target %s: %w", t.ExternalID, err)
		}

		fmt.Printf("✓ Target created\n")
		fmt.Printf("  ID:          %s\n", t.ExternalID)
		fmt.Printf("  Host:        %s\n", t.Host)
		fmt.Printf("  Type:        %s\n", t.ScanType)
		fmt.Printf("  Criticality: %s\n", t.Criticality)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
