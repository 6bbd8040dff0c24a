package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scan.Workers != 5 || cfg.Scan.MaxAttempts != 10 {
		t.Fatalf("unexpected scan defaults: %+v", cfg.Scan)
	}
	if cfg.Scan.BackoffBase != 500*time.Millisecond || cfg.Scan.BackoffCap != 5*time.Second {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Scan)
	}
	if cfg.Scan.PollInterval != 2*time.Second || cfg.Scan.ColdQuiet != 6*time.Hour {
		t.Fatalf("unexpected timing defaults: %+v", cfg.Scan)
	}
	if cfg.Proxy.MaxFail != 3 {
		t.Fatalf("expected max fail 3, got %d", cfg.Proxy.MaxFail)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.ini")
	content := `[scan]
workers = 40
poll_interval = 500ms

[kafka]
brokers = a:9092, b:9092

[scheduler]
enabled = true
families = default, nightly
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SCAN_POLL_INTERVAL", "3s")
	t.Setenv("PROXY_MAX_FAIL", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scan.Workers != MaxWorkers {
		t.Fatalf("expected workers clamped to %d, got %d", MaxWorkers, cfg.Scan.Workers)
	}
	if cfg.Scan.PollInterval != 3*time.Second {
		t.Fatalf("expected env to override file, got %v", cfg.Scan.PollInterval)
	}
	if cfg.Proxy.MaxFail != 5 {
		t.Fatalf("expected max fail 5, got %d", cfg.Proxy.MaxFail)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Families) != 2 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ini")
	if err := os.WriteFile(path, []byte("[scan\nworkers"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed file")
	}
}

func TestClampWorkers(t *testing.T) {
	cases := map[int]int{-3: 1, 0: 1, 1: 1, 7: 7, 15: 15, 16: 15}
	for in, want := range cases {
		if got := ClampWorkers(in); got != want {
			t.Fatalf("ClampWorkers(%d) = %d, want %d", in, got, want)
		}
	}
}
