// Package logging builds the per-service zap.SugaredLogger used throughout
// citacore. It replaces the teacher's ad hoc log.New(os.Stdout, PREFIX, ...)
// convention with a real leveled logger while keeping the same per-component
// naming discipline (each service names its own logger: "CONSENSUS",
// "AUTH_POOL", and so on).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger named component, at the given
// level ("debug", "info", "warn", "error"; defaults to "info" on a bad
// value).
func New(component string, level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		// Logger construction failure must not be fatal to a node that may
		// be restarting under a supervisor with a broken log sink; fall
		// back to a no-op logger rather than panicking at startup.
		logger = zap.NewNop()
	}
	return logger.Named(component).Sugar()
}
