// Package logging provides the process-wide structured logger used by
// every other package. It mirrors the teacher's pkg/logging surface: a
// package-level sugared logger reachable with S(), and a SetLevel that the
// CLI wires to -v/-vv/LOG_LEVEL.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = buildLogger()
)

func buildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Should never happen with a static config; fall back to a no-op
		// logger rather than panicking the process over logging.
		return zap.NewNop()
	}
	return l
}

// S returns the process-wide sugared logger.
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return logger.Sugar()
}

// SetLevel adjusts the minimum level logged by S(), effective immediately
// on all outstanding loggers since they share the same AtomicLevel.
func SetLevel(l zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(l)
}

// Sync flushes any buffered log entries. Callers should defer it from main.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = logger.Sync()
}
