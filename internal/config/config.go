package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete bridge configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Remote   RemoteConfig   `yaml:"remote" envconfig:"REMOTE"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Dispatch DispatchConfig `yaml:"dispatch" envconfig:"DISPATCH"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains the admin HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8180"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// RemoteConfig describes the remote control-plane endpoint
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url" envconfig:"BASE_URL" default:"https://controlplane.example.com/api/v1"`
	OverrideFile    string        `yaml:"override_file" envconfig:"OVERRIDE_FILE" default:"remote.override"`
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	InsecureSkipTLS bool          `yaml:"insecure_skip_tls" envconfig:"INSECURE_SKIP_TLS" default:"false"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT" default:"2s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	DeploymentURL   string        `yaml:"deployment_url" envconfig:"DEPLOYMENT_URL" default:"http://localhost:8180"`
	MultiTenant     bool          `yaml:"multi_tenant" envconfig:"MULTI_TENANT" default:"false"`
}

// StoreConfig contains persistence configuration
type StoreConfig struct {
	Path             string `yaml:"path" envconfig:"PATH" default:"data/bridge.db"`
	SecretPassphrase string `yaml:"secret_passphrase" envconfig:"SECRET_PASSPHRASE" default:""`
}

// DispatchConfig controls the outbox dispatcher
type DispatchConfig struct {
	Interval       time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"60s"`
	BatchLimit     int           `yaml:"batch_limit" envconfig:"BATCH_LIMIT" default:"50"`
	StatusInterval time.Duration `yaml:"status_interval" envconfig:"STATUS_INTERVAL" default:"300s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/bridge.log"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration for the admin API
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"25"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("BRIDGE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// A local override file wins over both env and file for the remote URL
	cfg.applyRemoteOverride()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs merges file config with env config, env values win when set
func mergeConfigs(file, env Config) Config {
	merged := file

	if env.Server.Port != 0 {
		merged.Server = env.Server
	}
	if env.Remote.BaseURL != "" {
		merged.Remote = env.Remote
	}
	if env.Store.Path != "" {
		merged.Store = env.Store
	}
	if env.Dispatch.BatchLimit != 0 {
		merged.Dispatch = env.Dispatch
	}
	if env.Logging.Level != "" {
		merged.Logging = env.Logging
	}
	merged.Security = env.Security

	return merged
}

// applyRemoteOverride replaces the remote base URL with the contents of the
// override file when one exists next to the executable or working directory.
func (c *Config) applyRemoteOverride() {
	if c.Remote.OverrideFile == "" {
		return
	}
	data, err := os.ReadFile(c.Remote.OverrideFile)
	if err != nil {
		return
	}
	url := strings.TrimSpace(string(data))
	if url != "" {
		c.Remote.BaseURL = url
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base_url must not be empty")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url must be an http(s) URL: %s", c.Remote.BaseURL)
	}
	if c.Dispatch.BatchLimit < 1 {
		return fmt.Errorf("dispatch batch_limit must be positive: %d", c.Dispatch.BatchLimit)
	}
	if c.Dispatch.Interval < time.Second {
		return fmt.Errorf("dispatch interval too small: %s", c.Dispatch.Interval)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// getConfigFilePath returns the config file location, next to the executable
// when resolvable, otherwise relative to the working directory.
func getConfigFilePath() string {
	if env := os.Getenv("BRIDGE_CONFIG_FILE"); env != "" {
		return env
	}
	exePath, err := os.Executable()
	if err != nil {
		return "bridge.yaml"
	}
	return filepath.Join(filepath.Dir(exePath), "bridge.yaml")
}

// FileExists reports whether path exists and is not a directory
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
