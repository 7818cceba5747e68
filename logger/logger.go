// Package logger provides zap logger construction for the kairos daemon and
// shared field-name constants so worker log lines stay greppable. Library
// packages take an injected *zap.Logger and fall back to a no-op logger when
// given nil; only the daemon entry point builds a real one.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names used across kairos log lines.
const (
	FieldComponent     = "component"
	FieldRunNumber     = "run_number"
	FieldTriggerNumber = "trigger_number"
	FieldTimestamp     = "timestamp"
	FieldEstimate      = "estimate"
	FieldInterval      = "interval_ticks"
	FieldCredits       = "credits"
	FieldCount         = "count"
	FieldError         = "error"
)

// New builds the process logger. JSON output is for machine collection;
// console output is for standalone runs at a terminal.
func New(jsonOutput bool, level zapcore.Level) (*zap.Logger, error) {
	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Component returns a child logger tagged with a component name. A nil parent
// yields a no-op logger, so library code can log unconditionally.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(name).With(zap.String(FieldComponent, name))
}
