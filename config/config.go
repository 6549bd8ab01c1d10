// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Transport   TransportConfig   `yaml:"transport"`
	Binding     BindingConfig     `yaml:"binding"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BusConfig configures the message bus.
// Use "memory" for the in-process bus or "nats" to share channels
// between processes.
type BusConfig struct {
	Driver        string        `yaml:"driver"` // "memory" or "nats"
	URL           string        `yaml:"url,omitempty"`
	Name          string        `yaml:"name,omitempty"`
	Prefix        string        `yaml:"prefix,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects,omitempty"`
}

// TransportConfig configures the HTTP transport used by commands and queries.
type TransportConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// BindingConfig configures rendering.
type BindingConfig struct {
	TemplatePath string `yaml:"template_path"` // root that relative class template paths resolve against
	Extension    string `yaml:"extension"`
	Format       string `yaml:"format"` // "table", "json", "yaml" or "template"
}

// DefinitionsConfig configures where view-model definitions are read from.
type DefinitionsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"` // reload when a definition file changes
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	VMKIT_SERVER_HOST          - Server host (default: 0.0.0.0)
//	VMKIT_SERVER_PORT          - Server port (default: 8080)
//	VMKIT_BUS_DRIVER           - Bus: memory or nats (default: memory)
//	VMKIT_BUS_URL              - NATS URL (required for nats)
//	VMKIT_BUS_NAME             - NATS client name
//	VMKIT_BUS_PREFIX           - NATS subject prefix (default: vmkit)
//	VMKIT_BUS_TOKEN            - NATS token
//	VMKIT_TRANSPORT_BASE_URL   - Base URL for call targets
//	VMKIT_TRANSPORT_API_KEY    - Bearer token sent with every call
//	VMKIT_TRANSPORT_TIMEOUT    - Call timeout (default: 10s)
//	VMKIT_TEMPLATE_PATH        - Template root directory (default: .)
//	VMKIT_BINDING_FORMAT       - Console format: table, json, yaml, template (default: table)
//	VMKIT_DEFINITIONS_DIR      - Definitions directory (default: viewmodels)
//	VMKIT_DEFINITIONS_WATCH    - Reload definitions on change (default: false)
//	VMKIT_LOG_LEVEL            - Log level: debug, info, warn, error (default: info)
//	VMKIT_LOG_FORMAT           - Log format: json or console (default: json)
//	VMKIT_METRICS_ENABLED      - Enable /metrics endpoint (default: false)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads path when it exists and falls back to
// environment variables and defaults otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies VMKIT_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("VMKIT_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("VMKIT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VMKIT_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("VMKIT_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Bus configuration
	if v := os.Getenv("VMKIT_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("VMKIT_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("VMKIT_BUS_NAME"); v != "" {
		cfg.Bus.Name = v
	}
	if v := os.Getenv("VMKIT_BUS_PREFIX"); v != "" {
		cfg.Bus.Prefix = v
	}
	if v := os.Getenv("VMKIT_BUS_TOKEN"); v != "" {
		cfg.Bus.Token = v
	}

	// Transport configuration
	if v := os.Getenv("VMKIT_TRANSPORT_BASE_URL"); v != "" {
		cfg.Transport.BaseURL = v
	}
	if v := os.Getenv("VMKIT_TRANSPORT_API_KEY"); v != "" {
		cfg.Transport.APIKey = v
	}
	if v := os.Getenv("VMKIT_TRANSPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.Timeout = d
		}
	}

	// Binding configuration
	if v := os.Getenv("VMKIT_TEMPLATE_PATH"); v != "" {
		cfg.Binding.TemplatePath = v
	}
	if v := os.Getenv("VMKIT_BINDING_FORMAT"); v != "" {
		cfg.Binding.Format = v
	}

	// Definitions configuration
	if v := os.Getenv("VMKIT_DEFINITIONS_DIR"); v != "" {
		cfg.Definitions.Dir = v
	}
	if v := os.Getenv("VMKIT_DEFINITIONS_WATCH"); v != "" {
		cfg.Definitions.Watch = parseBool(v)
	}

	// Logging configuration
	if v := os.Getenv("VMKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VMKIT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("VMKIT_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("VMKIT_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = "memory"
	}
	if cfg.Bus.Prefix == "" {
		cfg.Bus.Prefix = "vmkit"
	}
	if cfg.Bus.ReconnectWait == 0 {
		cfg.Bus.ReconnectWait = 2 * time.Second
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 10 * time.Second
	}

	if cfg.Binding.TemplatePath == "" {
		cfg.Binding.TemplatePath = "."
	}
	if cfg.Binding.Extension == "" {
		cfg.Binding.Extension = ".tmpl"
	}
	if cfg.Binding.Format == "" {
		cfg.Binding.Format = "table"
	}

	if cfg.Definitions.Dir == "" {
		cfg.Definitions.Dir = "viewmodels"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port)
	}

	validDrivers := map[string]bool{"memory": true, "nats": true}
	if !validDrivers[cfg.Bus.Driver] {
		return fmt.Errorf("bus.driver must be 'memory' or 'nats', got %q", cfg.Bus.Driver)
	}
	if cfg.Bus.Driver == "nats" && cfg.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when bus.driver is 'nats'")
	}

	validFormats := map[string]bool{"table": true, "json": true, "yaml": true, "template": true}
	if !validFormats[cfg.Binding.Format] {
		return fmt.Errorf("binding.format must be one of: table, json, yaml, template")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	return nil
}
