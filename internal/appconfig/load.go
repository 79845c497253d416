package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields defaults; a present file must
// carry the supported config_version.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("backend.url", cfg.Backend.URL)
	v.SetDefault("backend.api_key", cfg.Backend.APIKey)
	v.SetDefault("backend.request_timeout_seconds", cfg.Backend.RequestTimeoutSeconds)
	v.SetDefault("relay.url", cfg.Relay.URL)
	v.SetDefault("stream.health_poll_seconds", cfg.Stream.HealthPollSeconds)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		// InConfig, not IsSet: the SetDefault calls above make IsSet true
		// for every key whether or not the file carries it.
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.InConfig("backend.url") {
			return Config{}, fmt.Errorf("backend.url is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	backendURL := strings.TrimSpace(cfg.Backend.URL)
	if backendURL == "" {
		return fmt.Errorf("backend.url must not be empty")
	}
	parsed, err := url.Parse(backendURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("backend.url must include scheme and host (e.g. http://127.0.0.1:2024)")
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("backend.url scheme %q is not supported", parsed.Scheme)
	}
	if relayURL := strings.TrimSpace(cfg.Relay.URL); relayURL != "" {
		parsed, err := url.Parse(relayURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("relay.url must include scheme and host (e.g. ws://127.0.0.1:9001)")
		}
		switch parsed.Scheme {
		case "ws", "wss":
		default:
			return fmt.Errorf("relay.url scheme %q is not supported; use ws or wss", parsed.Scheme)
		}
	}
	if cfg.Backend.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("backend.request_timeout_seconds must not be negative")
	}
	if cfg.Stream.HealthPollSeconds <= 0 {
		return fmt.Errorf("stream.health_poll_seconds must be positive")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Backend.URL = expandEnv(cfg.Backend.URL)
	cfg.Backend.APIKey = expandEnv(cfg.Backend.APIKey)
	cfg.Relay.URL = expandEnv(cfg.Relay.URL)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
