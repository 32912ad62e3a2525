// Package logging provides structured JSON logging for the plugin host.
// The host's stdout is the editor's RPC pipe, so logs always go to a
// file (or stderr when no directory is configured).
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

// Log levels accepted in configuration.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is a thin wrapper over slog.Logger that owns its log file.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu   *sync.Mutex
	file **os.File
}

// NewLogger opens {dir}/debug.log for appending and returns a Logger
// writing JSON records at the given level. An empty dir logs to stderr.
func NewLogger(dir, level string) (*Logger, error) {
	var w io.Writer = os.Stderr
	var file *os.File

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		w = f
	}

	return newLogger(w, file, level), nil
}

// New returns a Logger writing to w. Used by tests and the CLI.
func New(w io.Writer, level string) *Logger {
	return newLogger(w, nil, level)
}

func newLogger(w io.Writer, file *os.File, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		Logger: slog.New(handler),
		mu:     &sync.Mutex{},
		file:   &file,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying the given key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(args...), mu: l.mu, file: l.file}
}

// WithSession tags records with a worker session id.
func (l *Logger) WithSession(id string) *Logger {
	return l.With("session_id", id)
}

// WithKey tags records with the originating buffer key.
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", key)
}

// Close syncs and closes the log file. Child loggers share the file, so
// closing any of them closes it for all; later calls are no-ops.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := *l.file
	if f == nil {
		return nil
	}
	*l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	return f.Close()
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return New(io.Discard, LevelError)
}

// ValidLevels lists the accepted level names.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
