// Package config resolves the broker's runtime configuration from
// environment variables and, optionally, a declarative reconciliation
// YAML file. Grounded on the teacher's env-var-overrides-file layering
// (internal/config/config.go's THRUM_* precedence), adapted from
// agent-identity resolution to the broker's connection and vector-
// backend settings (§6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the broker's resolved runtime configuration.
type Config struct {
	// DBPath is the filesystem path (or ":memory:") to the relational
	// sqlite database. Defaults to "./claude-slack.db".
	DBPath string

	// VectorURL points at a remote vector backend. When set, it takes
	// precedence over VectorPath — reserved for a future remote vector
	// service (§6); this repo's vectorindex only implements the local
	// embedded path today.
	VectorURL string

	// VectorAPIKey authenticates against VectorURL.
	VectorAPIKey string

	// VectorPath is the filesystem path to the local embedded vector
	// index. Defaults to "./claude-slack-vectors.db".
	VectorPath string

	// ReconcileConfigPath holds RECONCILE_CONFIG: the path of a YAML
	// file in internal/reconcile's format describing default channels
	// (§4.8). Nothing in the broker reads this field, so reconciliation
	// is not run automatically whether or not it is set.
	ReconcileConfigPath string
}

// DefaultConfig returns the configuration used when no environment
// variable overrides a field.
func DefaultConfig() *Config {
	return &Config{
		DBPath:     "./claude-slack.db",
		VectorPath: "./claude-slack-vectors.db",
	}
}

// Load resolves configuration from the process environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv resolves configuration using the supplied environment
// lookup function, so tests can inject isolated values instead of
// mutating the real process environment.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("VECTOR_URL"); v != "" {
		cfg.VectorURL = v
	}
	if v := getenv("VECTOR_API_KEY"); v != "" {
		cfg.VectorAPIKey = v
	}
	if v := getenv("VECTOR_PATH"); v != "" {
		cfg.VectorPath = v
	}
	if v := getenv("RECONCILE_CONFIG"); v != "" {
		cfg.ReconcileConfigPath = v
	}

	if cfg.VectorURL != "" && cfg.VectorAPIKey == "" {
		return nil, fmt.Errorf("config: VECTOR_URL is set but VECTOR_API_KEY is empty")
	}

	return cfg, nil
}

// rawFileOverrides is the shape of an optional on-disk config file,
// for deployments that prefer a committed file over exported env vars.
// Env vars always take precedence over this file, matching the
// teacher's layering order (file loaded first, env vars applied after).
type rawFileOverrides struct {
	DBPath     string `yaml:"db_path"`
	VectorURL  string `yaml:"vector_url"`
	VectorPath string `yaml:"vector_path"`
}

// LoadFromFileAndEnv layers filePath's YAML under the environment:
// file values populate defaults, then LoadWithEnv's env var lookups
// override them. A missing file is not an error — an unconfigured
// deployment running purely on env vars is the common case.
func LoadFromFileAndEnv(filePath string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304 - operator-supplied config path
		if err == nil {
			var raw rawFileOverrides
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", filePath, err)
			}
			if raw.DBPath != "" {
				cfg.DBPath = raw.DBPath
			}
			if raw.VectorURL != "" {
				cfg.VectorURL = raw.VectorURL
			}
			if raw.VectorPath != "" {
				cfg.VectorPath = raw.VectorPath
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", filePath, err)
		}
	}

	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("VECTOR_URL"); v != "" {
		cfg.VectorURL = v
	}
	if v := getenv("VECTOR_API_KEY"); v != "" {
		cfg.VectorAPIKey = v
	}
	if v := getenv("VECTOR_PATH"); v != "" {
		cfg.VectorPath = v
	}
	if v := getenv("RECONCILE_CONFIG"); v != "" {
		cfg.ReconcileConfigPath = v
	}

	if cfg.VectorURL != "" && cfg.VectorAPIKey == "" {
		return nil, fmt.Errorf("config: VECTOR_URL is set but VECTOR_API_KEY is empty")
	}

	return cfg, nil
}
