package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSaneBounds(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MinAgents <= 0 || cfg.MaxAgents < cfg.MinAgents {
		t.Fatalf("expected 0 < min_agents <= max_agents, got min=%d max=%d", cfg.MinAgents, cfg.MaxAgents)
	}
	if cfg.MaxRetries <= 0 {
		t.Fatalf("expected positive max_retries, got %d", cfg.MaxRetries)
	}
}

func TestLoadConfigOverlaysYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "max_workers: 16\nmin_agents: 4\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("write yaml failed: %v", err)
	}

	t.Setenv("TASKMASTER_MAX_WORKERS", "32")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.MaxWorkers != 32 {
		t.Fatalf("expected env to override yaml for max_workers, got %d", cfg.MaxWorkers)
	}
	if cfg.MinAgents != 4 {
		t.Fatalf("expected yaml override to apply for min_agents, got %d", cfg.MinAgents)
	}
}

func TestLoadConfigTolerantOfMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected missing config file to fall back to defaults, got %v", err)
	}
	if cfg.MaxWorkers != DefaultConfig().MaxWorkers {
		t.Fatalf("expected default max_workers when file missing, got %d", cfg.MaxWorkers)
	}
}

func TestGetEnvDefaultFallsBack(t *testing.T) {
	if got := getEnvDefault("TASKMASTER_TEST_UNSET_VAR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}

	t.Setenv("TASKMASTER_TEST_UNSET_VAR", "set")
	if got := getEnvDefault("TASKMASTER_TEST_UNSET_VAR", "fallback"); got != "set" {
		t.Fatalf("expected env value to win, got %s", got)
	}
}
