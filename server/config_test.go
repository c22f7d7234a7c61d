package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MOVESYNC_PORT":           "9000",
		"MOVESYNC_TICK_MS":        "20",
		"MOVESYNC_SNAPSHOT_RATE":  "abc",
		"MOVESYNC_MAX_MOVE_SPEED": "7.5",
		"MOVESYNC_LOG_LEVEL":      "debug",
		"MOVESYNC_MTU":            "1000",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	warnings := applyEnv(&cfg, lookup)

	if cfg.Port != 9000 || cfg.TickInterval != 20*time.Millisecond {
		t.Fatalf("expected port 9000 and 20ms tick, got %d %s", cfg.Port, cfg.TickInterval)
	}
	if cfg.MaxMoveSpeed != 7.5 || cfg.Log.Level != "debug" || cfg.Transport.MTU != 1000 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SnapshotRate != 20 {
		t.Fatalf("expected invalid snapshot rate to keep default 20, got %d", cfg.SnapshotRate)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "MOVESYNC_SNAPSHOT_RATE") {
		t.Fatalf("expected one warning for snapshot rate, got %v", warnings)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movesync.json")
	body := `{"port": 7000, "snapshotRate": 10, "log": {"file": "", "level": "warn"},
		"transport": {"mtu": 1100, "intervalMs": 5, "timeoutMs": 3000}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	t.Setenv("MOVESYNC_PORT", "7001")

	cfg, warnings, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if cfg.Port != 7001 {
		t.Fatalf("expected env to override file port, got %d", cfg.Port)
	}
	if cfg.SnapshotRate != 10 || cfg.Log.Level != "warn" || cfg.TickInterval != 10*time.Millisecond {
		t.Fatalf("unexpected config %+v", cfg)
	}
	tc := cfg.Transport
	if tc.MTU != 1100 || tc.Interval != 5*time.Millisecond || tc.Timeout != 3*time.Second || !tc.NoDelay {
		t.Fatalf("unexpected transport config %+v", tc)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file to fail")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"tickMs": 0, "snapshotRate": -1}`), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	_, _, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected invalid config to fail validation")
	}
	if !strings.Contains(err.Error(), "tick interval") || !strings.Contains(err.Error(), "snapshot rate") {
		t.Fatalf("expected both validation errors, got %v", err)
	}
}
