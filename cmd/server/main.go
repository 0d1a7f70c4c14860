// Command scanhub-server runs the Scan Hub orchestrator: the REST API, the
// WebSocket feed, the scan engine driving the probe fleet over GMP, and the
// scheduler admitting catalog targets into the engine.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/api"
	"github.com/scanhub-io/scanhub/internal/auth"
	"github.com/scanhub-io/scanhub/internal/catalog"
	"github.com/scanhub-io/scanhub/internal/config"
	"github.com/scanhub-io/scanhub/internal/db"
	"github.com/scanhub-io/scanhub/internal/engine"
	"github.com/scanhub-io/scanhub/internal/gvm"
	"github.com/scanhub-io/scanhub/internal/metrics"
	"github.com/scanhub-io/scanhub/internal/notification"
	"github.com/scanhub-io/scanhub/internal/probes"
	"github.com/scanhub-io/scanhub/internal/repositories"
	"github.com/scanhub-io/scanhub/internal/scheduler"
	"github.com/scanhub-io/scanhub/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	httpShutdownTimeout = 10 * time.Second
	engineDrainTimeout  = 30 * time.Second
)

// flags are the command-line overrides. Empty string means "no override";
// precedence is flag > environment > config file > built-in default.
type flags struct {
	configPath string
	listenAddr string
	dbDriver   string
	dbDSN      string
	logLevel   string
	jwtSecret  string
	reportKey  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	fl := &flags{}

	root := &cobra.Command{
		Use:   "scanhub-server",
		Short: "Scan Hub — vulnerability scan orchestrator",
		Long: `Scan Hub orchestrates vulnerability scans across a fleet of Greenbone
probes. It exposes a REST API for submitting and tracking scans, streams
lifecycle events over WebSocket, keeps a target catalog in sync with an
external source, and schedules recurring scans by target criticality.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(fl)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(fl))
	root.AddCommand(newHashSecretCmd())

	pf := root.PersistentFlags()
	pf.StringVar(&fl.configPath, "config", envOrDefault("SCANHUB_CONFIG", ""), "Path to the YAML config file")
	pf.StringVar(&fl.listenAddr, "listen-addr", envOrDefault("SCANHUB_LISTEN_ADDR", ""), "HTTP listen address")
	pf.StringVar(&fl.dbDriver, "db-driver", envOrDefault("SCANHUB_DB_DRIVER", ""), "Database driver (sqlite or postgres)")
	pf.StringVar(&fl.dbDSN, "db-dsn", envOrDefault("SCANHUB_DB_DSN", ""), "Database DSN or file path for SQLite")
	pf.StringVar(&fl.logLevel, "log-level", envOrDefault("SCANHUB_LOG_LEVEL", ""), "Log level (debug, info, warn, error)")
	pf.StringVar(&fl.jwtSecret, "jwt-secret", envOrDefault("SCANHUB_JWT_SECRET", ""), "JWT signing secret; empty disables API authentication")
	pf.StringVar(&fl.reportKey, "report-key", envOrDefault("SCANHUB_REPORT_KEY", ""), "64-char hex key for report encryption at rest")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scanhub-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. db.New runs them as
// part of opening the connection, so this is open-and-close.
func newMigrateCmd(fl *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(fl)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver: cfg.DB.Driver,
				DSN:    cfg.DB.DSN,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			sqlDB, err := database.DB()
			if err != nil {
				return fmt.Errorf("failed to get sql.DB: %w", err)
			}
			if err := sqlDB.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

// newHashSecretCmd derives an Argon2id digest for auth.client_secret_hash so
// the plaintext client secret never has to live in the config file.
func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Hash a client secret for the auth.client_secret_hash setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := auth.HashClientSecret(args[0])
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			fmt.Println(digest)
			return nil
		},
	}
}

// loadConfig reads the config file (or the defaults when no file is given)
// and layers the non-empty command-line overrides on top.
func loadConfig(fl *flags) (*config.Config, error) {
	cfg, err := config.Load(fl.configPath)
	if err != nil {
		return nil, err
	}

	if fl.listenAddr != "" {
		cfg.ListenAddr = fl.listenAddr
	}
	if fl.dbDriver != "" {
		cfg.DB.Driver = fl.dbDriver
	}
	if fl.dbDSN != "" {
		cfg.DB.DSN = fl.dbDSN
	}
	if fl.logLevel != "" {
		cfg.LogLevel = fl.logLevel
	}
	if fl.jwtSecret != "" {
		cfg.Auth.JWTSecret = fl.jwtSecret
	}
	if fl.reportKey != "" {
		cfg.ReportKey = fl.reportKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting scan hub",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", cfg.DB.Driver),
		zap.Int("probes", len(cfg.Probes)),
		zap.Bool("scheduler", cfg.SchedulerEnabled()),
		zap.Bool("auth", cfg.Auth.JWTSecret != ""),
	)

	if cfg.ReportKey != "" {
		key, err := hex.DecodeString(cfg.ReportKey)
		if err != nil {
			return fmt.Errorf("invalid report_key: %w", err)
		}
		if err := db.InitSealing(key); err != nil {
			return err
		}
		logger.Info("report encryption at rest enabled")
	}

	database, err := db.New(db.Config{
		Driver: cfg.DB.Driver,
		DSN:    cfg.DB.DSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	scanRepo := repositories.NewScanRepository(database)
	targetRepo := repositories.NewTargetRepository(database)

	fleet := make([]probes.Probe, 0, len(cfg.Probes))
	for _, pc := range cfg.Probes {
		client := gvm.NewClient(gvm.Config{
			Host:          pc.Host,
			Port:          pc.Port,
			Username:      pc.Username,
			Password:      pc.Password,
			Timeout:       pc.Timeout.Std(),
			RetryAttempts: pc.RetryAttempts,
			RetryDelay:    pc.RetryDelay.Std(),
		}, logger)
		fleet = append(fleet, probes.Probe{Name: pc.Name, Client: client})
	}
	registry, err := probes.NewRegistry(fleet, logger)
	if err != nil {
		return err
	}
	selector := probes.NewSelector(registry, cfg.Selector.MaxConsecutiveSameProbe, logger)

	m := metrics.New()

	hub := websocket.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	dispatcher := notification.NewDispatcher(notification.Config{
		URL:              cfg.Callback.URL,
		AuthToken:        cfg.Callback.AuthToken,
		Secret:           cfg.Callback.Secret,
		Timeout:          cfg.Callback.Timeout.Std(),
		IncludeReportXML: cfg.Callback.IncludeReportXML,
	}, scanRepo, logger)

	// The engine invokes the hook on the scan worker goroutine; detach so a
	// slow callback receiver cannot block worker teardown.
	var onCompleted func(uuid.UUID)
	if dispatcher.Enabled() {
		callbackWait := cfg.Callback.Timeout.Std() + 5*time.Second
		onCompleted = func(scanID uuid.UUID) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), callbackWait)
				defer cancel()
				if err := dispatcher.NotifyScanCompleted(ctx, scanID); err != nil {
					logger.Warn("completion callback failed",
						zap.String("scan_id", scanID.String()),
						zap.Error(err))
				}
			}()
		}
	}

	eng := engine.New(engine.Config{
		PollInterval:       cfg.Scan.PollInterval.Std(),
		MaxDuration:        cfg.Scan.MaxDuration.Std(),
		CleanupAfterReport: cfg.Scan.CleanupEnabled(),
		DefaultPortList:    cfg.Scan.DefaultPortList,
		ScanConfigName:     cfg.Scan.ScanConfigName,
		ScannerName:        cfg.Scan.ScannerName,
		AliveTest:          cfg.Scan.AliveTest,
	}, engine.Deps{
		Scans:       scanRepo,
		Probes:      registry,
		Selector:    selector,
		Metrics:     m,
		Hub:         hub,
		OnCompleted: onCompleted,
		Logger:      logger,
	})

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled() {
		sync := catalog.NewSyncService(catalog.Config{
			URL:                   cfg.Source.URL,
			AuthToken:             cfg.Source.AuthToken,
			Timeout:               cfg.Source.Timeout.Std(),
			DefaultFrequencyHours: cfg.Source.DefaultFrequencyHours,
		}, targetRepo, logger)

		sched, err = scheduler.New(scheduler.Config{
			Interval:     cfg.Scheduler.Interval.Std(),
			Cron:         cfg.Scheduler.Cron,
			SyncInterval: cfg.Source.SyncInterval.Std(),
			SyncCron:     cfg.Source.SyncCron,
		}, targetRepo, eng, sync, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
	}

	authSvc := auth.NewService(auth.Config{
		JWTSecret:        cfg.Auth.JWTSecret,
		ClientID:         cfg.Auth.ClientID,
		ClientSecret:     cfg.Auth.ClientSecret,
		ClientSecretHash: cfg.Auth.ClientSecretHash,
		TokenExpiry:      cfg.Auth.TokenExpiry.Std(),
	})

	router := api.NewRouter(api.RouterConfig{
		Engine:  eng,
		Targets: targetRepo,
		Scans:   scanRepo,
		Probes:  registry,
		Hub:     hub,
		Auth:    authSvc,
		Metrics: m,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down scan hub")

	// Stop admitting new scans first, then stop accepting HTTP, then give
	// running workers a chance to persist their state.
	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}

	if err := eng.Shutdown(engineDrainTimeout); err != nil {
		logger.Warn("engine drain incomplete", zap.Error(err))
	}

	hubCancel()
	logger.Info("scan hub stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
