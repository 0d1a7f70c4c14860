// Package config defines the hub's configuration model and loads it from an
// optional YAML file layered over built-in defaults. Scalar settings (listen
// address, DSN, secrets) can additionally be overridden by CLI flags and
// SCANHUB_* environment variables in cmd/server; structured settings such as
// the probe fleet only live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written either as a Go
// duration string ("30s", "24h") or as a bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration object.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// ReportKey is a 64-char hex string (32 bytes) enabling at-rest
	// encryption of stored report XML. Empty disables sealing.
	ReportKey string `yaml:"report_key"`

	DB        DBConfig        `yaml:"db"`
	Auth      AuthConfig      `yaml:"auth"`
	Scan      ScanConfig      `yaml:"scan"`
	Probes    []ProbeConfig   `yaml:"probes"`
	Selector  SelectorConfig  `yaml:"selector"`
	Source    SourceConfig    `yaml:"source"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Callback  CallbackConfig  `yaml:"callback"`
}

// DBConfig selects the database backend.
type DBConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// AuthConfig controls the optional JWT layer. An empty JWTSecret disables
// authentication entirely and the token endpoint is not registered.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	ClientID  string `yaml:"client_id"`
	// ClientSecret is compared in constant time. ClientSecretHash, when set,
	// takes precedence and holds an argon2id digest in "saltHex:hashHex" form.
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	TokenExpiry      Duration `yaml:"token_expiry"`
}

// ScanConfig holds the lifecycle engine knobs.
type ScanConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`
	MaxDuration        Duration `yaml:"max_duration"`
	CleanupAfterReport *bool    `yaml:"cleanup_after_report"`
	DefaultPortList    string   `yaml:"default_port_list"`
	ScanConfigName     string   `yaml:"scan_config"`
	ScannerName        string   `yaml:"scanner"`
	AliveTest          string   `yaml:"alive_test"`
}

// ProbeConfig describes one GVM scanner endpoint.
type ProbeConfig struct {
	Name          string   `yaml:"name"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Timeout       Duration `yaml:"timeout"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
}

// SelectorConfig tunes probe selection. MaxConsecutiveSameProbe of zero
// disables the anti-affinity throttle.
type SelectorConfig struct {
	MaxConsecutiveSameProbe int `yaml:"max_consecutive_same_probe"`
}

// SourceConfig points at the external target source of truth. An empty URL
// disables catalog sync.
type SourceConfig struct {
	URL                   string   `yaml:"url"`
	AuthToken             string   `yaml:"auth_token"`
	Timeout               Duration `yaml:"timeout"`
	SyncInterval          Duration `yaml:"sync_interval"`
	SyncCron              string   `yaml:"sync_cron"`
	DefaultFrequencyHours float64  `yaml:"default_frequency_hours"`
}

// SchedulerConfig controls the due-target admission loop. Cron, when set,
// takes precedence over Interval.
type SchedulerConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Cron     string   `yaml:"cron"`
}

// CallbackConfig points at the completion webhook. An empty URL disables
// callbacks.
type CallbackConfig struct {
	URL              string   `yaml:"url"`
	AuthToken        string   `yaml:"auth_token"`
	Secret           string   `yaml:"secret"`
	Timeout          Duration `yaml:"timeout"`
	IncludeReportXML bool     `yaml:"include_report_xml"`
}

// Default returns a Config populated with the built-in defaults: a single
// local probe, 30s polling, a 24h scan ceiling and cleanup enabled.
func Default() *Config {
	enabled := true
	cleanup := true
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "scanhub.db",
		},
		Auth: AuthConfig{
			ClientID:    "scanhub",
			TokenExpiry: Duration(time.Hour),
		},
		Scan: ScanConfig{
			PollInterval:       Duration(30 * time.Second),
			MaxDuration:        Duration(24 * time.Hour),
			CleanupAfterReport: &cleanup,
			DefaultPortList:    "All IANA assigned TCP",
			ScanConfigName:     "Full and fast",
			ScannerName:        "OpenVAS Default",
		},
		Probes: []ProbeConfig{
			{
				Name:          "default",
				Host:          "127.0.0.1",
				Port:          9390,
				Username:      "admin",
				Password:      "admin",
				Timeout:       Duration(300 * time.Second),
				RetryAttempts: 3,
				RetryDelay:    Duration(5 * time.Second),
			},
		},
		Source: SourceConfig{
			Timeout:               Duration(30 * time.Second),
			SyncInterval:          Duration(time.Hour),
			DefaultFrequencyHours: 168,
		},
		Scheduler: SchedulerConfig{
			Enabled:  &enabled,
			Interval: Duration(60 * time.Second),
		},
		Callback: CallbackConfig{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the YAML file at path and layers it over Default. An empty path
// returns the defaults unchanged. The result is validated before returning.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// A probes list in the file replaces the default fleet rather than
		// appending to it.
		cfg.Probes = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if len(cfg.Probes) == 0 {
			cfg.Probes = Default().Probes
		}
		applyProbeDefaults(cfg.Probes)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProbeDefaults fills zero-valued connection knobs on file-declared
// probes so operators only need to state what differs from the default.
func applyProbeDefaults(probes []ProbeConfig) {
	for i := range probes {
		p := &probes[i]
		if p.Port == 0 {
			p.Port = 9390
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(300 * time.Second)
		}
		if p.RetryAttempts == 0 {
			p.RetryAttempts = 3
		}
		if p.RetryDelay == 0 {
			p.RetryDelay = Duration(5 * time.Second)
		}
	}
}

// Validate checks cross-field consistency. It is called by Load but exposed
// for configs assembled programmatically.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q (want sqlite or postgres)", c.DB.Driver)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}

	if len(c.Probes) == 0 {
		return fmt.Errorf("at least one probe must be configured")
	}
	seen := make(map[string]bool, len(c.Probes))
	for i := range c.Probes {
		p := &c.Probes[i]
		if p.Name == "" {
			return fmt.Errorf("probe %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate probe name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Host == "" {
			return fmt.Errorf("probe %q has no host", p.Name)
		}
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("probe %q has invalid port %d", p.Name, p.Port)
		}
	}

	if c.Scan.PollInterval.Std() <= 0 {
		return fmt.Errorf("scan.poll_interval must be positive")
	}
	if c.Scan.MaxDuration.Std() <= 0 {
		return fmt.Errorf("scan.max_duration must be positive")
	}
	if c.Selector.MaxConsecutiveSameProbe < 0 {
		return fmt.Errorf("selector.max_consecutive_same_probe must not be negative")
	}

	if c.Scheduler.Cron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("invalid scheduler.cron expression %q: %w", c.Scheduler.Cron, err)
		}
	}
	if c.Source.SyncCron != "" {
		if _, err := cron.ParseStandard(c.Source.SyncCron); err != nil {
			return fmt.Errorf("invalid source.sync_cron expression %q: %w", c.Source.SyncCron, err)
		}
	}
	if c.Source.URL != "" && c.Source.Timeout.Std() <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	if c.Callback.URL != "" && c.Callback.Timeout.Std() <= 0 {
		return fmt.Errorf("callback.timeout must be positive")
	}

	if c.ReportKey != "" && len(c.ReportKey) != 64 {
		return fmt.Errorf("report_key must be 64 hex characters (32 bytes), got %d", len(c.ReportKey))
	}

	return nil
}

// SchedulerEnabled reports whether the admission loop should run.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// CleanupEnabled reports whether GVM resources are deleted after a scan
// finishes. Defaults to true when unset.
func (c *ScanConfig) CleanupEnabled() bool {
	return c.CleanupAfterReport == nil || *c.CleanupAfterReport
}
