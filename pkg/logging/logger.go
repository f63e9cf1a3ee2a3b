// Package logging wraps zap with the configuration and field conventions
// used across the ledger client.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger embeds *zap.Logger so callers use the zap API directly.
type Logger struct {
	*zap.Logger
}

// Config selects level, encoding and sinks. Level accepts the zap level
// names; Format is "json" or "console".
type Config struct {
	Level            string
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string

	// Development makes DPanic panic and switches to the development
	// encoder keys.
	Development      bool
	EnableCaller     bool
	EnableStacktrace bool
}

// DefaultConfig is the production setup: JSON at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// DevelopmentConfig logs everything in console format with callers and
// stack traces.
func DevelopmentConfig() Config {
	c := DefaultConfig()
	c.Level = "debug"
	c.Format = "console"
	c.Development = true
	c.EnableCaller = true
	c.EnableStacktrace = true
	return c
}

// NewLogger builds a Logger from config.
func NewLogger(config Config) (*Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	enc := zap.NewProductionEncoderConfig()
	if config.Development {
		enc = zap.NewDevelopmentEncoderConfig()
	}
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder

	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	errOutputs := config.ErrorOutputPaths
	if len(errOutputs) == 0 {
		errOutputs = []string{"stderr"}
	}

	zl, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
		Encoding:          config.Format,
		EncoderConfig:     enc,
		OutputPaths:       outputs,
		ErrorOutputPaths:  errOutputs,
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build %s logger: %w", config.Format, err)
	}
	return &Logger{zl}, nil
}

// ConfigFromEnv builds a Config from environment variables
// LOG_LEVEL: log level (default: info)
// LOG_FORMAT: log format (default: json)
// LOG_DEV: enable development mode (default: false)
// LOG_OUTPUT: comma separated output paths (default: stdout)
func ConfigFromEnv() Config {
	config := DefaultConfig()
	if os.Getenv("LOG_DEV") == "true" {
		config = DevelopmentConfig()
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if out := os.Getenv("LOG_OUTPUT"); out != "" {
		config.OutputPaths = strings.Split(out, ",")
	}

	return config
}

// NewLoggerFromEnv creates a logger based on environment variables.
// See ConfigFromEnv for the recognized variables.
func NewLoggerFromEnv() (*Logger, error) {
	return NewLogger(ConfigFromEnv())
}

// NewNoOpLogger returns a Logger that discards everything.
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

func parseLevel(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "warning") {
		return zapcore.WarnLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
	return l, nil
}

// With returns a child Logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named returns a child Logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewNoOpLogger())
}

// SetGlobal replaces the process-wide logger. A nil logger restores the
// no-op default.
func SetGlobal(logger *Logger) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	global.Store(logger)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// L is shorthand for Global.
func L() *Logger {
	return Global()
}

// Named returns a child of the global logger. Components call it at
// construction time so a later SetGlobal does not affect them.
func Named(name string) *Logger {
	return Global().Named(name)
}

// Field helpers for the identifiers that show up in most log lines.

// Account logs an account id in base58.
func Account(key string, account fmt.Stringer) zap.Field {
	return zap.Stringer(key, account)
}

// Signature logs a transaction signature.
func Signature(sig fmt.Stringer) zap.Field {
	return zap.Stringer("signature", sig)
}

// RunID logs a batch run identifier.
func RunID(id string) zap.Field {
	return zap.String("run_id", id)
}

// Elapsed logs the time since start.
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
