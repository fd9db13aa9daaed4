package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "storage:\n  path: "+filepath.Join(dir, "state.db")+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tracking.TickInterval != "1s" || cfg.Tracking.MinSessionDuration != "2s" {
		t.Errorf("Unexpected tracking defaults: %+v", cfg.Tracking)
	}
	if cfg.Lifecycle.PowerOffApp != "PowerOff" {
		t.Errorf("Expected PowerOff sentinel, got %q", cfg.Lifecycle.PowerOffApp)
	}
	if len(cfg.Tracking.IgnorePackages) != len(DefaultIgnorePackages) {
		t.Errorf("Expected default ignore set, got %v", cfg.Tracking.IgnorePackages)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Expected bolt storage, got %q", cfg.Storage.Type)
	}
}

func TestLoad_LabelsWithDottedPackages(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  path: `+filepath.Join(dir, "state.db")+`
tracking:
  labels:
    - package: com.netflix.ninja
      label: Netflix
    - package: com.google.android.youtube.tv
      label: "  YouTube  "
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	labels := cfg.Tracking.LabelMap()
	if labels["com.netflix.ninja"] != "Netflix" {
		t.Errorf("Expected Netflix label, got %v", labels)
	}
	if _, ok := labels["com.google.android.youtube.tv"]; !ok {
		t.Errorf("Expected youtube label, got %v", labels)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	storage := "storage:\n  path: " + filepath.Join(dir, "state.db") + "\n"

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad duration", body: storage + "tracking:\n  tick_interval: soon\n", wantErr: "tracking.tick_interval"},
		{name: "zero tick", body: storage + "tracking:\n  tick_interval: 0s\n", wantErr: "must be positive"},
		{name: "mqtt without broker", body: storage + "mqtt:\n  enabled: true\n  broker: \"\"\n", wantErr: "mqtt broker"},
		{name: "unknown storage", body: "storage:\n  type: sqlite\n", wantErr: "unsupported storage type"},
		{name: "bad port", body: storage + "server:\n  control_port: 70000\n", wantErr: "invalid control port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TERASTV_STORAGE_PATH", filepath.Join(t.TempDir(), "state.db"))

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ControlPort != 8787 {
		t.Errorf("Expected default control port, got %d", cfg.Server.ControlPort)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("90s", time.Second); got != 90*time.Second {
		t.Errorf("Expected 90s, got %v", got)
	}
	if got := ParseDuration("later", time.Second); got != time.Second {
		t.Errorf("Expected fallback, got %v", got)
	}
}
