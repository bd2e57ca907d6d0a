// Package logging builds the structured logger used by the CLI. Diagnostic
// logs go to stderr or a file; user-facing progress is printed separately.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted by --log-level.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Log formats accepted by --log-format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures a logger.
type Options struct {
	Level  string
	Format string

	// File, when set, receives the logs instead of Writer.
	File string

	// Writer defaults to stderr.
	Writer io.Writer
}

// Logger is a slog logger together with the file it writes to, if any.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New creates a logger from opts.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q (want text or json)", opts.Format)
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// ParseLevel converts a level name to a slog.Level. An empty name is WARN so
// that only problems reach the terminal by default.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "":
		return slog.LevelWarn, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo:
		return slog.LevelInfo, nil
	case LevelWarn, "WARNING":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
