// Package logging provides structured logging for Gantry.
// It wraps Go's log/slog package to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger provides structured logging with context propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	file   *os.File
	mu     sync.Mutex // Protects file operations
}

// NewLogger creates a new Logger that writes JSON-formatted logs to a file
// in the specified data directory. The log file will be created at
// {dataDir}/debug.log.
//
// The level parameter controls which messages are logged:
//   - DEBUG: All messages
//   - INFO: Info, Warn, and Error messages
//   - WARN: Warn and Error messages
//   - ERROR: Only Error messages
//
// If dataDir is empty, logs will be written to stderr.
func NewLogger(dataDir string, level string) (*Logger, error) {
	var writer io.Writer
	var file *os.File

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logPath := filepath.Join(dataDir, "debug.log")
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	} else {
		writer = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	handler := slog.NewJSONHandler(writer, opts)

	return &Logger{
		logger: slog.New(handler),
		file:   file,
	}, nil
}

// NewNop returns a Logger that discards everything. Useful in tests and as
// a default when callers pass a nil logger.
func NewNop() *Logger {
	handler := slog.NewJSONHandler(io.Discard, nil)
	return &Logger{logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithPlan returns a new Logger with the plan ID added to all log entries.
// This creates a child logger that inherits all existing attributes.
func (l *Logger) WithPlan(planID string) *Logger {
	return l.withAttrs(slog.String("plan_id", planID))
}

// WithNode returns a new Logger with the node ID added to all log entries.
// This creates a child logger that inherits all existing attributes.
func (l *Logger) WithNode(nodeID string) *Logger {
	return l.withAttrs(slog.String("node_id", nodeID))
}

// WithPhase returns a new Logger with the phase name added to all log entries.
// Phases are the node lifecycle phases: "merge_forward", "setup", "prechecks",
// "work", "commit", "postchecks", "merge_back".
func (l *Logger) WithPhase(phase string) *Logger {
	return l.withAttrs(slog.String("phase", phase))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
		file:   l.file,
	}
}

func (l *Logger) withAttrs(attrs ...slog.Attr) *Logger {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return &Logger{
		logger: l.logger.With(args...),
		file:   l.file,
	}
}

// Debug logs a message at DEBUG level with optional key-value attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs a message at INFO level with optional key-value attributes.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs a message at WARN level with optional key-value attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs a message at ERROR level with optional key-value attributes.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Close flushes and closes the underlying log file, if any.
// Safe to call multiple times.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
