package monitoring

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	Logger().Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("custom logger was not used, got %q", buf.String())
	}

	// nil installs a discard logger
	SetLogger(nil)
	buf.Reset()
	Logger().Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("discard logger wrote %q", buf.String())
	}
}

func TestOr(t *testing.T) {
	l := Discard()
	if Or(l) != l {
		t.Error("Or should return the provided logger")
	}
	if Or(nil) != Logger() {
		t.Error("Or(nil) should return the package logger")
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Options{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("filtered")
	l.Warn("kept", "port", "/dev/ttyACM0")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["port"] != "/dev/ttyACM0" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_AutoOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Options{Format: "auto"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("x")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("auto format on a non-terminal should be JSON, got %q", buf.String())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Error("expected error for unsupported format")
	}
	if _, err := New(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
