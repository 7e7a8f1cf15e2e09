package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/claude-slack/broker/internal/config"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadWithEnvUsesDefaultsWhenUnset(t *testing.T) {
	cfg, err := config.LoadWithEnv(fakeEnv(nil))
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.DBPath != "./claude-slack.db" {
		t.Fatalf("expected default DBPath, got %s", cfg.DBPath)
	}
	if cfg.VectorPath != "./claude-slack-vectors.db" {
		t.Fatalf("expected default VectorPath, got %s", cfg.VectorPath)
	}
	if cfg.VectorURL != "" {
		t.Fatalf("expected no VectorURL by default, got %s", cfg.VectorURL)
	}
}

func TestLoadWithEnvOverridesDefaults(t *testing.T) {
	cfg, err := config.LoadWithEnv(fakeEnv(map[string]string{
		"DB_PATH":        "/tmp/broker.db",
		"VECTOR_URL":     "https://vectors.example.com",
		"VECTOR_API_KEY": "secret",
		"VECTOR_PATH":    "/tmp/vectors.db",
	}))
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.DBPath != "/tmp/broker.db" {
		t.Fatalf("unexpected DBPath: %s", cfg.DBPath)
	}
	if cfg.VectorURL != "https://vectors.example.com" {
		t.Fatalf("unexpected VectorURL: %s", cfg.VectorURL)
	}
	if cfg.VectorAPIKey != "secret" {
		t.Fatalf("unexpected VectorAPIKey: %s", cfg.VectorAPIKey)
	}
	if cfg.VectorPath != "/tmp/vectors.db" {
		t.Fatalf("unexpected VectorPath: %s", cfg.VectorPath)
	}
}

func TestLoadWithEnvRejectsVectorURLWithoutAPIKey(t *testing.T) {
	_, err := config.LoadWithEnv(fakeEnv(map[string]string{
		"VECTOR_URL": "https://vectors.example.com",
	}))
	if err == nil {
		t.Fatal("expected an error when VECTOR_URL is set without VECTOR_API_KEY")
	}
}

func TestLoadFromFileAndEnvLayersFileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("db_path: /file/broker.db\nvector_path: /file/vectors.db\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := config.LoadFromFileAndEnv(path, fakeEnv(map[string]string{
		"DB_PATH": "/env/broker.db",
	}))
	if err != nil {
		t.Fatalf("LoadFromFileAndEnv: %v", err)
	}
	if cfg.DBPath != "/env/broker.db" {
		t.Fatalf("expected env var to override file, got %s", cfg.DBPath)
	}
	if cfg.VectorPath != "/file/vectors.db" {
		t.Fatalf("expected file value to apply when env unset, got %s", cfg.VectorPath)
	}
}

func TestLoadFromFileAndEnvToleratesMissingFile(t *testing.T) {
	cfg, err := config.LoadFromFileAndEnv(filepath.Join(t.TempDir(), "missing.yaml"), fakeEnv(nil))
	if err != nil {
		t.Fatalf("expected a missing config file to be tolerated, got %v", err)
	}
	if cfg.DBPath != "./claude-slack.db" {
		t.Fatalf("expected defaults when file missing, got %s", cfg.DBPath)
	}
}
