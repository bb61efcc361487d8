package roomsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scheduler.Debounce != 500*time.Millisecond {
		t.Errorf("Expected 500ms debounce, got %s", cfg.Scheduler.Debounce)
	}
	if cfg.Scheduler.Cooldown != 5*time.Second {
		t.Errorf("Expected 5s cooldown, got %s", cfg.Scheduler.Cooldown)
	}
	if cfg.Outbox.Capacity != 2000 {
		t.Errorf("Expected outbox capacity 2000, got %d", cfg.Outbox.Capacity)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Engine.DesiredFields) == 0 {
		t.Error("Expected a desired-fields whitelist")
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{StatePath: "custom.db", Outbox: OutboxConfig{Capacity: 50}}
	cfg.applyDefaults()

	if cfg.StatePath != "custom.db" {
		t.Errorf("Expected explicit state path kept, got %q", cfg.StatePath)
	}
	if cfg.Outbox.Capacity != 50 {
		t.Errorf("Expected explicit capacity kept, got %d", cfg.Outbox.Capacity)
	}
	if cfg.Scheduler.Debounce != 500*time.Millisecond {
		t.Errorf("Expected default debounce applied, got %s", cfg.Scheduler.Debounce)
	}
	if cfg.Retry.BaseDelay != 2*time.Second {
		t.Errorf("Expected default base delay applied, got %s", cfg.Retry.BaseDelay)
	}
}

func TestLoadConfigFile(t *testing.T) {
	yaml := `
state_path: /tmp/sync-state.db
scheduler:
  debounce: 250ms
  cooldown: 10s
retry:
  max_attempts: 5
remote:
  base_url: https://sync.example.com
  auth_token: tok123
  compress: true
push:
  enabled: true
  url: wss://sync.example.com/feed
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.StatePath != "/tmp/sync-state.db" {
		t.Errorf("Expected state path from file, got %q", cfg.StatePath)
	}
	if cfg.Scheduler.Debounce != 250*time.Millisecond {
		t.Errorf("Expected 250ms debounce, got %s", cfg.Scheduler.Debounce)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	// Unset values fall back to defaults.
	if cfg.Outbox.Capacity != 2000 {
		t.Errorf("Expected default outbox capacity, got %d", cfg.Outbox.Capacity)
	}
	if cfg.Remote == nil || cfg.Remote.BaseURL != "https://sync.example.com" {
		t.Errorf("Expected remote config parsed, got %+v", cfg.Remote)
	}
	if !cfg.Remote.Compress {
		t.Error("Expected compression enabled")
	}
	if cfg.Push == nil || !cfg.Push.Enabled || cfg.Push.URL != "wss://sync.example.com/feed" {
		t.Errorf("Expected push config parsed, got %+v", cfg.Push)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
