// Package logger holds the process-wide zap logger. Init runs once at
// startup; everything else reads logger.Log.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the shared logger. Nil until Init runs; tests that call into
// packages directly set it to zap.NewNop().
var Log *zap.Logger

// Init builds Log. Production gets sampled JSON output with ISO 8601
// timestamps; anything else gets colored console output for local runs.
// Every entry carries the service name so bridge logs are filterable
// when several services share a sink.
func Init(level, appEnv string) error {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if appEnv == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	built, err := cfg.Build(zap.Fields(zap.String("service", "voice-bridge")))
	if err != nil {
		return err
	}
	Log = built
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered entries. Safe to call before Init.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
