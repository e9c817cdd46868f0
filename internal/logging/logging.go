// Package logging provides structured logging for neondeck on top of slog.
// It supports text and JSON output, configurable levels, and helpers that
// attach the fields each pipeline stage logs with (network, endpoint, run).
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: "stdout",
	}
}

// Logger wraps slog.Logger with pipeline-specific helpers.
type Logger struct {
	*slog.Logger
	config Config
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger writing to w regardless of cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(string(cfg.Level)),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stdout)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithRunID adds a scan run ID field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields("run_id", runID)
}

// DebugEndpoint logs per-endpoint detail. Probe misses are noisy so
// they go here.
func (l *Logger) DebugEndpoint(msg, endpoint string, fields ...any) {
	l.Debug(msg, append([]any{"endpoint", endpoint}, fields...)...)
}

// InfoEndpoint logs per-endpoint information.
func (l *Logger) InfoEndpoint(msg, endpoint string, fields ...any) {
	l.Info(msg, append([]any{"endpoint", endpoint}, fields...)...)
}

// InfoDiscovery logs network sweep information.
func (l *Logger) InfoDiscovery(msg, network string, fields ...any) {
	l.Info(msg, append([]any{"network", network}, fields...)...)
}

// ErrorDiscovery logs network sweep errors.
func (l *Logger) ErrorDiscovery(msg, network string, err error, fields ...any) {
	l.Error(msg, append([]any{"network", network, "error", err}, fields...)...)
}

// InfoDatabase logs database-related information.
func (l *Logger) InfoDatabase(msg string, fields ...any) {
	l.Info(msg, append([]any{"component", "database"}, fields...)...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewDefault()

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}

// InfoDatabase logs database-related information using the default logger.
func InfoDatabase(msg string, fields ...any) {
	defaultLogger.InfoDatabase(msg, fields...)
}
