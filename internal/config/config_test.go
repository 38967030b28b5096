package config

import (
	"path/filepath"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.StateDir == "" {
		t.Fatal("expected state dir default")
	}
	if cfg.MinWindowSpacingSec != 5 {
		t.Fatalf("unexpected spacing default: %d", cfg.MinWindowSpacingSec)
	}
	if cfg.HeartbeatUpdateMs != 100 || cfg.HeartbeatCheckMs != 500 {
		t.Fatalf("unexpected heartbeat cadence: %d/%d", cfg.HeartbeatUpdateMs, cfg.HeartbeatCheckMs)
	}
	if cfg.ResultMaxBytes != 4*1024*1024 {
		t.Fatalf("unexpected result bound: %d", cfg.ResultMaxBytes)
	}
	if cfg.HistoryDB != filepath.Join(cfg.StateDir, "history.sqlite") {
		t.Fatalf("history db not under state dir: %s", cfg.HistoryDB)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DRIVESHELL_STATE_DIR", "/tmp/ds-state")
	t.Setenv("DRIVESHELL_MOUNT_BASE", "/tmp/ds-mount")
	t.Setenv("DRIVESHELL_WINDOW_TIMEOUT_SECONDS", "42")
	t.Setenv("DRIVESHELL_HEARTBEAT_CHECK_MS", "bogus")

	cfg := FromEnv()
	if cfg.StateDir != "/tmp/ds-state" {
		t.Fatalf("state dir override ignored: %s", cfg.StateDir)
	}
	if cfg.ResultDir != filepath.Join("/tmp/ds-mount", ".driveshell", "results") {
		t.Fatalf("result dir should follow mount base: %s", cfg.ResultDir)
	}
	if cfg.WindowTimeoutSec != 42 {
		t.Fatalf("timeout override ignored: %d", cfg.WindowTimeoutSec)
	}
	if cfg.HeartbeatCheckMs != 500 {
		t.Fatalf("invalid value should fall back: %d", cfg.HeartbeatCheckMs)
	}
}
