// Package config loads the solve configuration: defaults, deep-merged with
// the user's JSONC file, overridden by environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration. Resolution order: defaults →
// user config (~/.config/solve/solve.jsonc) → environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	userDir, err := os.UserConfigDir()
	if err == nil {
		userPath := filepath.Join(userDir, "solve", "solve.jsonc")
		if userMap, err := loadJSONC(userPath); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		gh := cfg.Providers["github"]
		gh.Token = token
		cfg.Providers["github"] = gh
	}
	if token := os.Getenv("SOURCECRAFT_TOKEN"); token != "" {
		sc := cfg.Providers["sourcecraft"]
		sc.Token = token
		cfg.Providers["sourcecraft"] = sc
	}
	if dir := os.Getenv("SOLVE_LOG_DIR"); dir != "" {
		cfg.Logs.Dir = dir
	}
}

// LogDir returns the log directory with ~ expanded.
func (c *Config) LogDir() string {
	return expandHome(c.Logs.Dir)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
