package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 60*time.Second, cfg.Watch.ParseInterval())
	assert.Equal(t, 3, cfg.Watch.AutoRestartMax)
	assert.Equal(t, 5*time.Second, cfg.Linker.ParseInterval())
	assert.Equal(t, "~/.local/share/solve/logs", cfg.Logs.Dir)
}

func TestParseIntervalInvalid(t *testing.T) {
	w := WatchConfig{Interval: "not-a-duration"}
	assert.Equal(t, 60*time.Second, w.ParseInterval())

	l := LinkerConfig{Interval: ""}
	assert.Equal(t, 5*time.Second, l.ParseInterval())
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/solve.jsonc"
	content := `{
		// comment in jsonc
		"agent": {"model": "claude-sonnet-4"},
		"watch": {"interval": "30s"},
	}`
	require.NoError(t, writeFile(path, content))

	m, err := loadJSONC(path)
	require.NoError(t, err)
	agent, ok := m["agent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", agent["model"])
}

func TestMergeIntoConfig(t *testing.T) {
	cfg := DefaultConfig()
	src := map[string]any{
		"agent": map[string]any{"model": "claude-opus-4"},
		"watch": map[string]any{"interval": "2m", "resume_on_auto_restart": true},
	}
	require.NoError(t, mergeIntoConfig(&cfg, src))

	assert.Equal(t, "claude-opus-4", cfg.Agent.Model)
	assert.Equal(t, 2*time.Minute, cfg.Watch.ParseInterval())
	assert.True(t, cfg.Watch.ResumeOnAutoRestart)
	// Untouched defaults survive the merge.
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 3, cfg.Watch.AutoRestartMax)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test_token_value")
	t.Setenv("SOURCECRAFT_TOKEN", "sc_test_token_value")
	t.Setenv("SOLVE_LOG_DIR", "/tmp/solve-logs")

	cfg := DefaultConfig()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "ghp_test_token_value", cfg.Providers["github"].Token)
	assert.Equal(t, "sc_test_token_value", cfg.Providers["sourcecraft"].Token)
	assert.Equal(t, "/tmp/solve-logs", cfg.Logs.Dir)
}

func TestConfigRoundTripsJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.Model = "claude-sonnet-4"
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg.Agent.Model, back.Agent.Model)
}
