// Package logging provides logger construction for the supervisor and the
// in-memory log recorder served by the management "logs" commands.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sirosfoundation/go-appshell/pkg/config"
)

// NewLogger creates a zap logger from the configuration. When rec is not
// nil every entry, including debug entries filtered out of the primary
// output, is also kept in the recorder.
func NewLogger(cfg config.LoggingConfig, rec *Recorder) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	var opts []zap.Option
	if rec != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, rec)
		}))
	}

	return zapCfg.Build(opts...)
}

// ParseLevel converts a string level to zapcore.Level
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
