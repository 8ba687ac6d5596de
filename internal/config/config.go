// Package config loads the broker configuration from a YAML file with
// environment variable substitution and env overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker configuration.
type Config struct {
	Google  GoogleConfig  `yaml:"google"`
	Storage StorageConfig `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// GoogleConfig holds the OAuth client used for consent and refresh.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// StorageConfig points at the credential and account-link database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig tunes handle caching and token refresh.
type BrokerConfig struct {
	HandleTTL      time.Duration `yaml:"handle_ttl"`
	RefreshMargin  time.Duration `yaml:"refresh_margin"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// ServerConfig contains the MCP and metrics listener settings.
type ServerConfig struct {
	HTTPAddr       string        `yaml:"http_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ReadOnly       bool          `yaml:"read_only"`
}

// LoggingConfig controls log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "workspace-broker.db"},
		Broker: BrokerConfig{
			HandleTTL:      30 * time.Minute,
			RefreshMargin:  60 * time.Second,
			RefreshTimeout: 30 * time.Second,
			SweepInterval:  10 * time.Minute,
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			MetricsAddr:    ":9090",
			SessionTimeout: 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the configuration file at path. A missing path yields the
// defaults. ${VAR} references in the file are expanded from the
// environment before parsing, and the Google client secret can always
// be supplied via GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET instead of
// the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content = []byte(os.ExpandEnv(string(content)))
		if err := yaml.Unmarshal(content, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		config.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		config.Google.ClientSecret = v
	}
	if v := os.Getenv("BROKER_STORAGE_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// Validate checks settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Broker.HandleTTL < 0 {
		return fmt.Errorf("broker.handle_ttl must not be negative")
	}
	if c.Broker.RefreshMargin < 0 {
		return fmt.Errorf("broker.refresh_margin must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
