// Package weaverlog wraps go.uber.org/zap with the handful of loggers
// Weaver's processes need: a structured global logger configured once at
// process startup and named sub-loggers per component.
package weaverlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the global logger's verbosity and encoding.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Development enables human-readable console output instead of JSON.
	Development bool
}

// New builds a *zap.Logger from cfg. Callers typically call this once in
// cmd/timestamper or cmd/shard and pass the result (or a .Named() child)
// down through constructors.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output but need to satisfy a constructor signature.
func Nop() *zap.Logger {
	return zap.NewNop()
}
