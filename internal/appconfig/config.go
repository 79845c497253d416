package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Backend       BackendConfig `mapstructure:"backend" yaml:"backend"`
	Relay         RelayConfig   `mapstructure:"relay" yaml:"relay"`
	Stream        StreamConfig  `mapstructure:"stream" yaml:"stream"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BackendConfig points at the run API.
type BackendConfig struct {
	URL                   string `mapstructure:"url" yaml:"url"`
	APIKey                string `mapstructure:"api_key" yaml:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// RelayConfig configures optional cross-instance activity replication. An
// empty URL disables replication; activity stays local.
type RelayConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// StreamConfig tunes stream supervision.
type StreamConfig struct {
	HealthPollSeconds int `mapstructure:"health_poll_seconds" yaml:"health_poll_seconds"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".tether", "state"),
		Backend: BackendConfig{
			URL:                   "http://127.0.0.1:2024",
			APIKey:                "",
			RequestTimeoutSeconds: 30,
		},
		Relay: RelayConfig{
			URL: "",
		},
		Stream: StreamConfig{
			HealthPollSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tether", "config.yaml"), nil
}
