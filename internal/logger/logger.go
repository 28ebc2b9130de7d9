// Package logger provides structured logging for chatmirror.
// It uses Go's slog package with configurable levels and formats.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-co-op/gocron/v2"
)

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	return newLogger(os.Stdout, levelStr, jsonOutput)
}

func newLogger(w io.Writer, levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used when a component is built without one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gocronLogger bridges gocron's logger to slog.
type gocronLogger struct {
	log *slog.Logger
}

// NewGocronLogger returns a gocron.Logger writing through log.
//
//nolint:ireturn // Interface return is required by gocron's API contract
func NewGocronLogger(log *slog.Logger) gocron.Logger {
	if log == nil {
		log = Discard()
	}
	return &gocronLogger{log: log.With("component", "gocron")}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.log.Info(msg, args...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.log.Warn(msg, args...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.log.Error(msg, args...) }
