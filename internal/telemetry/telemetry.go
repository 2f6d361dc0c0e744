// Package telemetry wires the structured logger every other package
// depends on through its logr.Logger parameters. The pipeline's own code
// speaks logr (so internal/controller, internal/audit, and the rest
// never import zap directly), backed by a zap.Logger the way the other
// pack repositories structure their own job/migration logging.
package telemetry

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's output format and level.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Development enables human-readable console output and caller info
	// instead of JSON, mirroring zap's NewDevelopment preset.
	Development bool
}

// New builds a logr.Logger backed by zap, configured from cfg.
func New(cfg Config) (logr.Logger, func() error, error) {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() error { return nil }, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), func() error { return nil }, err
	}

	return zapr.NewLogger(zl), zl.Sync, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		s = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, err
	}
	return lvl, nil
}
