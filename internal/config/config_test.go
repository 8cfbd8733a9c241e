package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
inference:
  api_key: test-key
  model: claude-sonnet-4-20250514
engine:
  max_concurrent_steps: 8
  step_timeout: 90s
  rate_limit: 12
retry:
  max_retries: 5
  backoff_ms: [250, 500]
  retryable_categories: ["NETWORK_ERROR"]
paths:
  manifest: custom-workers.yaml
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}

	if cfg.Inference.APIKey != "test-key" {
		t.Errorf("api key = %q", cfg.Inference.APIKey)
	}
	if cfg.Engine.MaxConcurrentSteps != 8 {
		t.Errorf("max concurrent steps = %d, want 8", cfg.Engine.MaxConcurrentSteps)
	}
	if cfg.Engine.StepTimeout != 90*time.Second {
		t.Errorf("step timeout = %s, want 90s", cfg.Engine.StepTimeout)
	}
	if cfg.Retry.MaxRetries != 5 || len(cfg.Retry.BackoffMs) != 2 {
		t.Errorf("retry config = %+v", cfg.Retry)
	}
	if cfg.Paths.Manifest != "custom-workers.yaml" {
		t.Errorf("manifest path = %q", cfg.Paths.Manifest)
	}
}

func TestLoadFromPathDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("inference:\n  api_key: k\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}

	// Unspecified sections fall back to defaults.
	if cfg.Engine.MaxConcurrentSteps != 4 {
		t.Errorf("default max concurrent steps = %d, want 4", cfg.Engine.MaxConcurrentSteps)
	}
	if cfg.Engine.RunTimeout != 30*time.Minute {
		t.Errorf("default run timeout = %s, want 30m", cfg.Engine.RunTimeout)
	}
	if cfg.Engine.StreamCloseDelay != 60*time.Second {
		t.Errorf("default stream close delay = %s", cfg.Engine.StreamCloseDelay)
	}
}

func TestAPIKeyEnvExpansion(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_SECRET", "expanded-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("inference:\n  api_key: ${CONDUCTOR_TEST_SECRET}\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error = %v", err)
	}
	if cfg.Inference.APIKey != "expanded-key" {
		t.Errorf("api key = %q, want expanded value", cfg.Inference.APIKey)
	}
}

func TestDefaultMatchesSetDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxConcurrentSteps != 4 || cfg.Engine.LockTTL != 5*time.Minute {
		t.Errorf("Default() engine = %+v", cfg.Engine)
	}
	if cfg.Paths.Manifest != "workers.yaml" {
		t.Errorf("Default() manifest = %q", cfg.Paths.Manifest)
	}
}
