package config

import "time"

// Config is the top-level solve configuration.
type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Watch     WatchConfig               `json:"watch"`
	Linker    LinkerConfig              `json:"linker"`
	Logs      LogsConfig                `json:"logs"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// AgentConfig controls the agent CLI subprocess.
type AgentConfig struct {
	Binary string `json:"binary"`
	Model  string `json:"model"`
}

// WatchConfig holds watch-loop settings.
type WatchConfig struct {
	Interval            string `json:"interval"`
	AutoRestartMax      int    `json:"auto_restart_max_iterations"`
	ResumeOnAutoRestart bool   `json:"resume_on_auto_restart"`
}

// ParseInterval returns the watch polling interval as a time.Duration.
func (w WatchConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(w.Interval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// LinkerConfig holds link auto-correction settings.
type LinkerConfig struct {
	Interval string `json:"interval"`
}

// ParseInterval returns the corrector check interval as a time.Duration.
func (l LinkerConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(l.Interval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// LogsConfig holds log-sink settings.
type LogsConfig struct {
	Dir string `json:"dir"`
}

// ProviderConfig holds per-host credentials. The providers map is keyed by
// provider name ("github", "sourcecraft"); one struct with omitempty keeps
// the JSON schema and deep merge simple.
type ProviderConfig struct {
	Token   string `json:"token,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Binary: "claude",
		},
		Watch: WatchConfig{
			Interval:       "60s",
			AutoRestartMax: 3,
		},
		Linker: LinkerConfig{
			Interval: "5s",
		},
		Logs: LogsConfig{
			Dir: "~/.local/share/solve/logs",
		},
		Providers: make(map[string]ProviderConfig),
	}
}
