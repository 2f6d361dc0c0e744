// Package config loads forkerd's YAML configuration file, applies
// FORKER_-prefixed environment overrides, and validates the result
// before any component starts.
//
// Grounded on the pack's vjache-cie cmd/cie/config.go (DefaultConfig /
// LoadConfig / applyEnvOverrides shape) and nandlabs-golly's use of
// gopkg.in/yaml.v3 as the on-disk format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johnnywatts/forker/internal/retry"
)

// ErrConfiguration is the sentinel every Validate/Load failure wraps,
// reusing retry.ErrConfiguration so callers can classify a config error
// with the same errors.Is check used for a bad retry Policy.
var ErrConfiguration = retry.ErrConfiguration

// Config is the single struct every component is constructed from.
// Matches spec.md §6's enumerated configuration surface exactly; field
// groups correspond 1:1 to the bullets there.
type Config struct {
	Directories DirectoriesConfig `yaml:"directories"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Targets     [2]TargetConfig   `yaml:"targets"`
	Copy        CopyConfig        `yaml:"copy"`
	Database    DatabaseConfig    `yaml:"database"`
	StateLog    StateLogConfig    `yaml:"state_change_logging"`
}

// DirectoriesConfig names the filesystem layout (spec.md §6).
type DirectoriesConfig struct {
	Source     string `yaml:"source"`
	TargetA    string `yaml:"target_a"`
	TargetB    string `yaml:"target_b"`
	Quarantine string `yaml:"quarantine"`
	Processing string `yaml:"processing,omitempty"`
}

// MonitoringConfig tunes Discovery and the Stability Detector.
type MonitoringConfig struct {
	FileFilters              []string `yaml:"file_filters"`
	ExcludeExtensions        []string `yaml:"exclude_extensions"`
	IncludeSubdirectories    bool     `yaml:"include_subdirectories"`
	MinFileAgeSeconds        int      `yaml:"min_file_age_seconds"`
	StabilityCheckIntervalS  int      `yaml:"stability_check_interval_seconds"`
	MaxStabilityChecks       int      `yaml:"max_stability_checks"`
	MaxConcurrentCandidates  int      `yaml:"max_concurrent_candidates"`
	RescanIntervalSeconds    int      `yaml:"rescan_interval_seconds"`
}

// TargetConfig describes one of the two fixed copy destinations.
type TargetConfig struct {
	ID       string `yaml:"id"`
	Path     string `yaml:"path"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`
	// Verify overrides whether this target is rehashed after copy.
	// Unset (nil) defaults to true.
	Verify *bool `yaml:"verify_after_copy,omitempty"`
}

// VerifyAfterCopy returns the configured flag, defaulting to true when
// unset (spec.md §6: "verify_after_copy (bool, default true)").
func (t TargetConfig) VerifyAfterCopy() bool {
	if t.Verify == nil {
		return true
	}
	return *t.Verify
}

// CopyConfig tunes the Copier and Retry Policy.
type CopyConfig struct {
	BufferSizeBytes               int     `yaml:"buffer_size_bytes"`
	MaxConcurrentCopiesPerTarget  int     `yaml:"max_concurrent_copies_per_target"`
	MaxConcurrentVerifications    int     `yaml:"max_concurrent_verifications"`
	MaxRetryAttempts              int     `yaml:"max_retry_attempts"`
	RetryDelayMs                  int     `yaml:"retry_delay_ms"`
	RetryBackoffFactor            float64 `yaml:"retry_backoff_factor"`
	RetryMaxDelayMs               int     `yaml:"retry_max_delay_ms"`
}

// DatabaseConfig tunes the durable store.
type DatabaseConfig struct {
	Path               string `yaml:"path"`
	WALEnabled         *bool  `yaml:"wal_enabled,omitempty"`
	CommandTimeoutMs   int    `yaml:"command_timeout_ms"`
	CacheSizeKB        int    `yaml:"cache_size_kb"`
	ForeignKeysOn      *bool  `yaml:"foreign_keys_on,omitempty"`
}

func (d DatabaseConfig) walEnabled() bool {
	if d.WALEnabled == nil {
		return true
	}
	return *d.WALEnabled
}

func (d DatabaseConfig) foreignKeysOn() bool {
	if d.ForeignKeysOn == nil {
		return true
	}
	return *d.ForeignKeysOn
}

// StateLogConfig tunes the audit retention task.
type StateLogConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxRecords     int  `yaml:"max_records"`
	AutoCleanup    bool `yaml:"auto_cleanup"`
	RetentionDays  int  `yaml:"retention_days"`
	IncludeContext bool `yaml:"include_context"`
}

// Default returns the spec's documented defaults: two enabled targets
// named TargetA/TargetB, a 3-attempt retry policy with 1s/2x/60s backoff,
// WAL-enabled SQLite, and daily audit trimming at a 90-day retention.
func Default() Config {
	return Config{
		Directories: DirectoriesConfig{
			Source:     "./data/source",
			TargetA:    "./data/target-a",
			TargetB:    "./data/target-b",
			Quarantine: "./data/quarantine",
		},
		Monitoring: MonitoringConfig{
			FileFilters:             []string{"*.svs", "*.tif", "*.tiff", "*.ndpi", "*.scn"},
			IncludeSubdirectories:   false,
			MinFileAgeSeconds:       5,
			StabilityCheckIntervalS: 2,
			MaxStabilityChecks:      10,
			MaxConcurrentCandidates: 256,
			RescanIntervalSeconds:   30,
		},
		Targets: [2]TargetConfig{
			{ID: "TargetA", Path: "./data/target-a", Enabled: true, Priority: 0},
			{ID: "TargetB", Path: "./data/target-b", Enabled: true, Priority: 1},
		},
		Copy: CopyConfig{
			BufferSizeBytes:              1 << 20,
			MaxConcurrentCopiesPerTarget: 2,
			MaxConcurrentVerifications:   5,
			MaxRetryAttempts:             3,
			RetryDelayMs:                 1000,
			RetryBackoffFactor:           2.0,
			RetryMaxDelayMs:              60_000,
		},
		Database: DatabaseConfig{
			Path:             "./data/forker.db",
			CommandTimeoutMs: 5000,
			CacheSizeKB:      2000,
		},
		StateLog: StateLogConfig{
			Enabled:       true,
			AutoCleanup:   true,
			RetentionDays: 90,
		},
	}
}

// Load reads a YAML config file at path, merges it onto Default(),
// applies FORKER_-prefixed environment overrides, and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators override the most commonly-tuned
// fields without editing the YAML file, mirroring the pack's
// FORKER_-prefixed override convention (vjache-cie uses CIE_-prefixed
// equivalents for the same purpose).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORKER_SOURCE_DIR"); v != "" {
		c.Directories.Source = v
	}
	if v := os.Getenv("FORKER_TARGET_A_DIR"); v != "" {
		c.Directories.TargetA = v
	}
	if v := os.Getenv("FORKER_TARGET_B_DIR"); v != "" {
		c.Directories.TargetB = v
	}
	if v := os.Getenv("FORKER_QUARANTINE_DIR"); v != "" {
		c.Directories.Quarantine = v
	}
	if v := os.Getenv("FORKER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("FORKER_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Copy.MaxRetryAttempts = n
		}
	}
}

// Validate surfaces every Configuration-category error up front so
// forkerd never starts a component with a nonsensical setting (spec.md
// §7: Configuration errors are "never auto-retried").
func (c Config) Validate() error {
	if c.Directories.Source == "" {
		return fmt.Errorf("%w: directories.source must be set", ErrConfiguration)
	}
	if c.Directories.TargetA == "" || c.Directories.TargetB == "" {
		return fmt.Errorf("%w: directories.target_a and target_b must both be set", ErrConfiguration)
	}
	if c.Directories.TargetA == c.Directories.TargetB {
		return fmt.Errorf("%w: target_a and target_b must be distinct directories", ErrConfiguration)
	}
	if c.Directories.Quarantine == "" {
		return fmt.Errorf("%w: directories.quarantine must be set", ErrConfiguration)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path must be set", ErrConfiguration)
	}
	if c.Copy.MaxRetryAttempts < 1 {
		return fmt.Errorf("%w: copy.max_retry_attempts must be >= 1", ErrConfiguration)
	}
	if c.Copy.RetryDelayMs <= 0 {
		return fmt.Errorf("%w: copy.retry_delay_ms must be positive", ErrConfiguration)
	}
	if c.Copy.MaxConcurrentCopiesPerTarget < 1 {
		return fmt.Errorf("%w: copy.max_concurrent_copies_per_target must be >= 1", ErrConfiguration)
	}
	if c.Copy.MaxConcurrentVerifications < 1 {
		return fmt.Errorf("%w: copy.max_concurrent_verifications must be >= 1", ErrConfiguration)
	}
	for i, t := range c.Targets {
		if t.Enabled && t.Path == "" {
			return fmt.Errorf("%w: targets[%d] (%s) is enabled but has no path", ErrConfiguration, i, t.ID)
		}
	}
	if c.StateLog.Enabled && c.StateLog.AutoCleanup && c.StateLog.RetentionDays < 1 {
		return fmt.Errorf("%w: state_change_logging.retention_days must be >= 1 when auto_cleanup is enabled", ErrConfiguration)
	}
	return nil
}

// RetentionInterval returns how often the audit trim task should wake,
// defaulting to once a day.
func (c Config) RetentionInterval() time.Duration {
	return 24 * time.Hour
}
