package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestParseLevel verifies level names
func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

// TestNewStderr verifies level filtering on the text handler
func TestNewStderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", slog.String("scan", "scan01"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Info message should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "scan=scan01") {
		t.Errorf("Unexpected log output %q", out)
	}
}

// TestNewLogfile verifies logs go to the rotating file as JSON
func TestNewLogfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shapedesc.log")
	logger, closer, err := New(Config{Logfile: path, MaxSize: 1, MaxAge: 1}, os.Stderr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("scan completed", slog.String("scan", "scan01"))
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"scan":"scan01"`) {
		t.Errorf("Unexpected log file content %q", data)
	}
}
