// Package logger implements an interface behind which a third party,
// levelled logger can sit. Capsule's logging needs are basic: DEBUG
// level diagnostics gated behind --verbose, printed to stderr. This is
// distinct from internal/observability, which emits a structured event
// per invocation to a remote sink rather than free-text debug lines.
package logger

import "go.uber.org/zap"

// Logger is the interface behind which a debug logger can sit.
type Logger interface {
	// Sync flushes any buffered log lines.
	Sync() error
	// Debug outputs a debug level log line.
	Debug(format string, args ...any)
}

// ZapLogger is a Logger backed by zap.
type ZapLogger struct {
	inner *zap.SugaredLogger
}

// New builds and returns a ZapLogger, at debug level when verbose is true
// and info level (debug lines suppressed) otherwise.
func New(verbose bool) (*ZapLogger, error) {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.DisableCaller = true
	built, err := cfg.Build(zap.IncreaseLevel(level))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{inner: built.Sugar()}, nil
}

// Sync flushes the logs.
func (z *ZapLogger) Sync() error {
	return z.inner.Sync()
}

// Debug outputs a debug level log line.
func (z *ZapLogger) Debug(format string, args ...any) {
	z.inner.Debugf(format, args...)
}

// Noop is a Logger that discards everything, used in tests that don't
// care about debug output.
type Noop struct{}

// Sync implements Logger for Noop.
func (Noop) Sync() error { return nil }

// Debug implements Logger for Noop.
func (Noop) Debug(format string, args ...any) {}
