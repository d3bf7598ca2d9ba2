// Package logging wraps zap with the small surface the rest of the service
// needs: leveled structured logging with console encoding.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with minimal helpers used across the project.
type Logger struct {
	*zap.Logger
}

// New creates a zap logger with console encoding and the given level.
// Unknown levels fall back to info.
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z}, nil
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// Field constructors so call sites don't import zap directly.
func String(key, val string) zap.Field { return zap.String(key, val) }

func Int(key string, val int) zap.Field { return zap.Int(key, val) }

func Float64(key string, v float64) zap.Field { return zap.Float64(key, v) }

func Error(err error) zap.Field { return zap.Error(err) }

func Any(key string, val any) zap.Field { return zap.Any(key, val) }

func Duration(key string, v time.Duration) zap.Field { return zap.Duration(key, v) }
