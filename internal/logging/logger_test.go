package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug, " WARN ": LevelWarn, "warning": LevelWarn,
		"error": LevelError, "info": LevelInfo, "": LevelInfo, "loud": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelInfo, Output: &buf, Format: "json"}).WithComponent("capture")
	l.Debug("hidden")
	l.Info("visible", Err(errors.New("boom")), Err(nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one JSON entry, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "capture" || entry["msg"] != "visible" || entry["error"] != "boom" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestOpenErrorLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "errors.log")
	l, c, err := OpenErrorLog(path)
	if err != nil {
		t.Fatalf("OpenErrorLog: %v", err)
	}
	l.Info("below threshold")
	l.Error("alert lost", "alert_id", "a1")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("expected one JSON entry, got %q: %v", raw, err)
	}
	if entry["component"] != "escalation" || entry["alert_id"] != "a1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}
