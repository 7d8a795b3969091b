package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", out, err)
	}
	if line["component"] != "test" || line["level"] != "warn" {
		t.Fatalf("unexpected fields %v", line)
	}
}

func TestLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quoted.log")
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "info", File: FileConfig{Path: path, MaxSizeMB: 1}}, &buf)

	logger.Info().Msg("to both sinks")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both sinks") || !strings.Contains(buf.String(), "to both sinks") {
		t.Fatalf("line should reach stdout and file")
	}
}
