package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", input, want, got)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "warn", true)
	log.Info("dropped")
	log.Warn("kept", "account_id", "acc1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line above warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "kept" || entry["account_id"] != "acc1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestGocronLoggerWritesThroughSlog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewGocronLogger(newLogger(&buf, "debug", false))
	l.Error("job failed", "name", "directory_sync")

	out := buf.String()
	if !strings.Contains(out, "job failed") || !strings.Contains(out, "component=gocron") {
		t.Fatalf("unexpected output %q", out)
	}
}
