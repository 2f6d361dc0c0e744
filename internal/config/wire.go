package config

import (
	"time"

	"github.com/johnnywatts/forker/internal/model"
	"github.com/johnnywatts/forker/internal/retry"
	"github.com/johnnywatts/forker/internal/stability"
	"github.com/johnnywatts/forker/internal/store"
)

// StoreOptions projects DatabaseConfig onto store.Options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		WALEnabled:    c.Database.walEnabled(),
		ForeignKeys:   c.Database.foreignKeysOn(),
		BusyTimeoutMs: c.Database.CommandTimeoutMs,
		CacheSizeKB:   c.Database.CacheSizeKB,
	}
}

// StabilityConfig projects MonitoringConfig onto stability.Config.
func (c Config) StabilityConfig() stability.Config {
	return stability.Config{
		MinAge:        time.Duration(c.Monitoring.MinFileAgeSeconds) * time.Second,
		CheckInterval: time.Duration(c.Monitoring.StabilityCheckIntervalS) * time.Second,
		MaxChecks:     c.Monitoring.MaxStabilityChecks,
	}
}

// RetryPolicy projects CopyConfig onto retry.Policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   time.Duration(c.Copy.RetryDelayMs) * time.Millisecond,
		Factor:      c.Copy.RetryBackoffFactor,
		MaxDelay:    time.Duration(c.Copy.RetryMaxDelayMs) * time.Millisecond,
		MaxAttempts: c.Copy.MaxRetryAttempts,
	}
}

// RescanInterval returns Discovery's periodic rescan period.
func (c Config) RescanInterval() time.Duration {
	return time.Duration(c.Monitoring.RescanIntervalSeconds) * time.Second
}

// EnabledTargetDirs returns a map of enabled target ID to its destination
// directory, as Recovery and the Orchestrator's TargetConfig both need.
func (c Config) EnabledTargetDirs() map[model.TargetID]string {
	dirs := make(map[model.TargetID]string, len(c.Targets))
	for _, t := range c.Targets {
		if t.Enabled {
			dirs[model.TargetID(t.ID)] = t.Path
		}
	}
	return dirs
}
