package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONHandlerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("kept", "swap_id", "s-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["msg"] != "kept" || entry["swap_id"] != "s-1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
