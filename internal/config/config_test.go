package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Monitor.Interval != 60*time.Second {
		t.Errorf("expected interval 60s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Monitor.GracePeriod != 60*time.Second {
		t.Errorf("expected grace period 60s, got %v", cfg.Monitor.GracePeriod)
	}
	if cfg.Guardian.SteeringThreshold != 0.5 {
		t.Errorf("expected steering threshold 0.5, got %v", cfg.Guardian.SteeringThreshold)
	}
	if cfg.Guardian.DriftDelta != 0.2 {
		t.Errorf("expected drift delta 0.2, got %v", cfg.Guardian.DriftDelta)
	}
	if cfg.Guardian.DriftWindow != 3 {
		t.Errorf("expected drift window 3, got %d", cfg.Guardian.DriftWindow)
	}
	if cfg.Conductor.SimilarityThreshold != 0.8 {
		t.Errorf("expected similarity threshold 0.8, got %v", cfg.Conductor.SimilarityThreshold)
	}
	if cfg.Validation.MaxIterations != 3 {
		t.Errorf("expected max iterations 3, got %d", cfg.Validation.MaxIterations)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
monitor:
  interval: 30s
  grace_period: 10s
guardian:
  steering_threshold: 0.6
  scorer: claude
conductor:
  similarity: lexical
validation:
  max_iterations: 5
  timeout: 1h
store:
  driver: sqlite3
  path: /tmp/omoi.db
anthropic:
  api_key: test-key
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("expected interval 30s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Monitor.GracePeriod != 10*time.Second {
		t.Errorf("expected grace period 10s, got %v", cfg.Monitor.GracePeriod)
	}
	if cfg.Guardian.SteeringThreshold != 0.6 {
		t.Errorf("expected threshold 0.6, got %v", cfg.Guardian.SteeringThreshold)
	}
	if cfg.Guardian.Scorer != "claude" {
		t.Errorf("expected claude scorer, got %q", cfg.Guardian.Scorer)
	}
	if cfg.Validation.MaxIterations != 5 {
		t.Errorf("expected max iterations 5, got %d", cfg.Validation.MaxIterations)
	}
	if cfg.Validation.Timeout != time.Hour {
		t.Errorf("expected validation timeout 1h, got %v", cfg.Validation.Timeout)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %q", cfg.Store.Driver)
	}
	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}
	// Unset values keep their defaults.
	if cfg.Guardian.DriftDelta != 0.2 {
		t.Errorf("expected default drift delta 0.2, got %v", cfg.Guardian.DriftDelta)
	}
	if !cfg.NeedsClaude() {
		t.Error("claude scorer should require Claude")
	}
}

func TestLoadFromPath_ClampsFanoutDeadline(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
monitor:
  interval: 10s
  fanout_deadline: 50s
  agent_timeout: 20s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Monitor.FanoutDeadline != 10*time.Second {
		t.Errorf("fanout deadline should clamp to interval, got %v", cfg.Monitor.FanoutDeadline)
	}
	if cfg.Monitor.AgentTimeout != 10*time.Second {
		t.Errorf("agent timeout should clamp to fanout deadline, got %v", cfg.Monitor.AgentTimeout)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad driver", "store:\n  driver: postgres\n"},
		{"bad mode", "dispatch:\n  mode: kafka\n"},
		{"threshold out of range", "guardian:\n  steering_threshold: 1.5\n"},
		{"zero iterations", "validation:\n  max_iterations: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write config file: %v", err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	if result := expandEnv("${TEST_VAR}"); result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}
	if result := expandEnv("prefix-${TEST_VAR}-suffix"); result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/omoi" {
		t.Errorf("expected %q, got %q", "/custom/config/omoi", dir)
	}
}

func TestSettings_RoundTripKeys(t *testing.T) {
	settings := Default().Settings()
	for _, key := range []string{"monitor.interval", "guardian.drift_delta", "store.driver", "dispatch.mode"} {
		if _, ok := settings[key]; !ok {
			t.Errorf("Settings() missing key %q", key)
		}
	}
	if _, ok := settings["anthropic.api_key"]; ok {
		t.Error("Settings() must not expose the API key")
	}
}
