// pkg/logger/logger.go
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes how to initialize the zap logger.
// Level is one of "debug" | "info" | "warn" | "error" (default "info").
// DevMode switches to human-readable console output instead of JSON.
type Config struct {
	Level   string
	DevMode bool
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Logger is a thin wrapper around *zap.Logger with a cached sugared variant.
type Logger struct {
	raw   *zap.Logger
	sugar *zap.SugaredLogger
}

// New builds a Logger from Config. Call Sync before process exit.
func New(cfg Config) (*Logger, error) {
	cfg.applyDefaults()

	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	// Unified keys in dev and prod so log collectors see one schema.
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.CallerKey = "caller"
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zc.EncoderConfig.StacktraceKey = "stacktrace"

	raw, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: raw, sugar: raw.Sugar()}, nil
}

// Nop returns a no-op Logger for tests.
func Nop() *Logger {
	raw := zap.NewNop()
	return &Logger{raw: raw, sugar: raw.Sugar()}
}

// Sugar returns the *zap.SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Raw returns the underlying *zap.Logger.
func (l *Logger) Raw() *zap.Logger { return l.raw }

// Sync flushes buffered entries. Call before exit.
func (l *Logger) Sync() error { return l.raw.Sync() }

// Named returns a sub-logger with a namespace prefix.
func (l *Logger) Named(name string) *Logger {
	rawN := l.raw.Named(name)
	return &Logger{raw: rawN, sugar: rawN.Sugar()}
}

// Debug logs at debug level with structured fields.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }

// Info logs at info level with structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.raw.Info(msg, fields...) }

// Warn logs at warn level with structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.raw.Warn(msg, fields...) }

// Error logs at error level with structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }
