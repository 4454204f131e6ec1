package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, "flowmeter.json", `{
		"port": "/dev/ttyACM0",
		"baud_rate": 115200,
		"window_size": 20,
		"series_capacity": 1000,
		"min_frame_fields": 6,
		"stale_timeout": "10s",
		"read_timeout": "250ms",
		"database_path": "/var/lib/flowmeter/archive.db",
		"archive_enabled": false
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.GetPort(); got != "/dev/ttyACM0" {
		t.Errorf("port = %q", got)
	}
	if got := cfg.PortOptions().BaudRate; got != 115200 {
		t.Errorf("baud = %d", got)
	}
	if got := cfg.GetWindowSize(); got != 20 {
		t.Errorf("window = %d", got)
	}
	if got := cfg.GetSeriesCapacity(); got != 1000 {
		t.Errorf("capacity = %d", got)
	}
	if got := cfg.GetMinFrameFields(); got != 6 {
		t.Errorf("min fields = %d", got)
	}
	if got := cfg.GetStaleTimeout(); got != 10*time.Second {
		t.Errorf("stale timeout = %v", got)
	}
	if got := cfg.GetReadTimeout(); got != 250*time.Millisecond {
		t.Errorf("read timeout = %v", got)
	}
	if got := cfg.GetDatabasePath(); got != "/var/lib/flowmeter/archive.db" {
		t.Errorf("db path = %q", got)
	}
	if cfg.GetArchiveEnabled() {
		t.Error("archive should be disabled")
	}
}

// TestDefaults checks the accessors on an empty config. Partial config
// files rely on these.
func TestDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetPort(); got != "" {
		t.Errorf("port default = %q, want empty", got)
	}
	if got := cfg.GetWindowSize(); got != 10 {
		t.Errorf("window default = %d, want 10", got)
	}
	if got := cfg.GetSeriesCapacity(); got != 500 {
		t.Errorf("capacity default = %d, want 500", got)
	}
	if got := cfg.GetMinFrameFields(); got != 4 {
		t.Errorf("min fields default = %d, want 4", got)
	}
	if got := cfg.GetDelimiter(); got != "," {
		t.Errorf("delimiter default = %q, want comma", got)
	}
	if got := cfg.GetStaleTimeout(); got != 5*time.Second {
		t.Errorf("stale timeout default = %v, want 5s", got)
	}
	if got := cfg.GetReadTimeout(); got != time.Second {
		t.Errorf("read timeout default = %v, want 1s", got)
	}
	if got := cfg.GetDatabasePath(); got != "flowmeter.db" {
		t.Errorf("db path default = %q", got)
	}
	if !cfg.GetArchiveEnabled() {
		t.Error("archive should default to enabled")
	}
	opts, err := cfg.PortOptions().Normalize()
	if err != nil {
		t.Fatalf("default port options invalid: %v", err)
	}
	if opts.BaudRate != 9600 {
		t.Errorf("baud default = %d, want 9600", opts.BaudRate)
	}
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"port": "/dev/ttyUSB0"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.GetPort(); got != "/dev/ttyUSB0" {
		t.Errorf("port = %q", got)
	}
	if got := cfg.GetWindowSize(); got != 10 {
		t.Errorf("window = %d, want default 10", got)
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := writeConfig(t, "flowmeter.yaml", `port: /dev/ttyUSB0`)
	if _, err := Load(path); err == nil {
		t.Error("Load should reject non-.json files")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, "broken.json", `{"port": `)
	if _, err := Load(path); err == nil {
		t.Error("Load should fail for malformed JSON")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero window", `{"window_size": 0}`},
		{"negative capacity", `{"series_capacity": -1}`},
		{"min fields below floor", `{"min_frame_fields": 3}`},
		{"bad stale timeout", `{"stale_timeout": "soon"}`},
		{"bad read timeout", `{"read_timeout": "fast"}`},
		{"bad parity", `{"parity": "M"}`},
		{"bad data bits", `{"data_bits": 12}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "bad.json", tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%s) should have failed", tt.content)
			}
		})
	}
}

func TestGetStaleTimeoutFallsBackOnGarbage(t *testing.T) {
	// Validate rejects garbage at load time, but the accessor still
	// defends itself when a Config is built by hand.
	bad := "nonsense"
	cfg := &Config{StaleTimeout: &bad}
	if got := cfg.GetStaleTimeout(); got != 5*time.Second {
		t.Errorf("stale timeout = %v, want default", got)
	}
}
