package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/v2"
)

func resetKoanf(t *testing.T) {
	t.Helper()
	k = koanf.New(".")
}

func TestLoadDefaults(t *testing.T) {
	resetKoanf(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Bus.Capacity != 64 {
		t.Errorf("expected default bus capacity 64, got %d", cfg.Bus.Capacity)
	}
	if cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("expected default max retries 2, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Knowledge.Backend != "memory" {
		t.Errorf("expected default knowledge backend memory, got %s", cfg.Knowledge.Backend)
	}
}

func TestLoadFromFile(t *testing.T) {
	resetKoanf(t)
	path := filepath.Join(t.TempDir(), "agora.yaml")
	content := []byte(`
log:
  level: debug
bus:
  capacity: 128
scheduler:
  max_retries: 5
knowledge:
  backend: sqlite
  path: /tmp/agora-test.db
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Bus.Capacity != 128 {
		t.Errorf("bus capacity = %d, want 128", cfg.Bus.Capacity)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Scheduler.MaxRetries)
	}
	if cfg.Knowledge.Backend != "sqlite" {
		t.Errorf("knowledge backend = %s, want sqlite", cfg.Knowledge.Backend)
	}
	// Untouched keys keep their defaults.
	if cfg.Scheduler.DispatchTimeoutSeconds != 30 {
		t.Errorf("dispatch timeout = %d, want default 30", cfg.Scheduler.DispatchTimeoutSeconds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	resetKoanf(t)
	path := filepath.Join(t.TempDir(), "agora.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGORA_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %s, want warn from env", cfg.Log.Level)
	}
}

func TestLoadEnvMultiWordKeys(t *testing.T) {
	resetKoanf(t)
	t.Setenv("AGORA_SCHEDULER_MAX_RETRIES", "9")
	t.Setenv("AGORA_SCHEDULER_DISPATCH_TIMEOUT_SECONDS", "45")
	t.Setenv("AGORA_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("AGORA_WORKER_DRAIN_ON_RETIRE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.MaxRetries != 9 {
		t.Errorf("max retries = %d, want 9 from env", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.DispatchTimeoutSeconds != 45 {
		t.Errorf("dispatch timeout = %d, want 45 from env", cfg.Scheduler.DispatchTimeoutSeconds)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" {
		t.Errorf("otlp endpoint = %s, want collector:4317 from env", cfg.Telemetry.OTLPEndpoint)
	}
	if !cfg.Worker.DrainOnRetire {
		t.Error("drain_on_retire not picked up from env")
	}
}

func TestLoadWithCLIOverrides(t *testing.T) {
	resetKoanf(t)
	path := filepath.Join(t.TempDir(), "agora.yaml")
	if err := os.WriteFile(path, []byte("bus:\n  capacity: 32\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGORA_SCHEDULER_MAX_RETRIES", "7")

	cfg, err := LoadWithCLI([]string{
		"--config", path,
		"--set", "bus.capacity=256",
		"--set", "telemetry.enabled=true",
		"--set", "knowledge.backend=sqlite",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Bus.Capacity != 256 {
		t.Errorf("bus capacity = %d, want 256 from --set", cfg.Bus.Capacity)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry should be enabled from --set")
	}
	if cfg.Knowledge.Backend != "sqlite" {
		t.Errorf("knowledge backend = %s, want sqlite", cfg.Knowledge.Backend)
	}
	if cfg.Scheduler.MaxRetries != 7 {
		t.Errorf("max retries = %d, want 7 from env", cfg.Scheduler.MaxRetries)
	}
}

func TestLoadWithCLIRejectsMalformedSet(t *testing.T) {
	resetKoanf(t)
	if _, err := LoadWithCLI([]string{"--set", "no-equals"}); err == nil {
		t.Fatal("expected error for malformed --set")
	}
	resetKoanf(t)
	if _, err := LoadWithCLI([]string{"--config"}); err == nil {
		t.Fatal("expected error for dangling --config")
	}
}
