// ABOUTME: Configuration loading and parsing for agenthub-control
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agenthub-control configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	ACP       ACPConfig       `yaml:"acp"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	RequireAuth bool   `yaml:"require_auth"`
}

// ACPConfig holds control-plane protocol timing configuration
type ACPConfig struct {
	ConnectTimeout        time.Duration `yaml:"-"`
	HandshakeReplyTimeout time.Duration `yaml:"-"`
	TaskTimeout           time.Duration `yaml:"-"`
	HeartbeatInterval     time.Duration `yaml:"-"`
	HealthWindow          time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw        string `yaml:"connect_timeout"`
	HandshakeReplyTimeoutRaw string `yaml:"handshake_reply_timeout"`
	TaskTimeoutRaw           string `yaml:"task_timeout"`
	HeartbeatIntervalRaw     string `yaml:"heartbeat_interval"`
	HealthWindowRaw          string `yaml:"health_window"`
}

// LifecycleConfig holds instance lifecycle engine configuration
type LifecycleConfig struct {
	MaintenanceInterval  time.Duration `yaml:"-"`
	MonitorInterval      time.Duration `yaml:"-"`
	RetentionWindow      time.Duration `yaml:"-"`
	MaxInstancesPerAgent int           `yaml:"max_instances_per_agent"`

	// Raw string values for YAML unmarshaling
	MaintenanceIntervalRaw string `yaml:"maintenance_interval"`
	MonitorIntervalRaw     string `yaml:"monitor_interval"`
	RetentionWindowRaw     string `yaml:"retention_window"`
}

// RuntimeConfig holds container runtime adapter configuration
type RuntimeConfig struct {
	// Mode selects the runtime adapter backing: "mock" runs the in-memory
	// adapter (development and tests). Production deployments inject their
	// own adapter implementation.
	Mode string `yaml:"mode"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for intervals and timeouts when not configured.
const (
	DefaultConnectTimeout        = 30 * time.Second
	DefaultHandshakeReplyTimeout = 10 * time.Second
	DefaultTaskTimeout           = 30 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHealthWindow          = 120 * time.Second
	DefaultMaintenanceInterval   = 60 * time.Second
	DefaultMonitorInterval       = 30 * time.Second
	DefaultRetentionWindow       = 24 * time.Hour
	DefaultMaxInstancesPerAgent  = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with all defaults applied, suitable for tests
// and the development server mode.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Server.HTTPAddr = "localhost:8080"
	cfg.Database.Path = ":memory:"
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_auth is enabled")
	}

	switch c.Runtime.Mode {
	case "", "mock":
	default:
		return fmt.Errorf("runtime.mode %q is not supported", c.Runtime.Mode)
	}

	return nil
}

// applyDefaults fills in zero-valued timing and capacity fields.
func (c *Config) applyDefaults() {
	if c.ACP.ConnectTimeout == 0 {
		c.ACP.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ACP.HandshakeReplyTimeout == 0 {
		c.ACP.HandshakeReplyTimeout = DefaultHandshakeReplyTimeout
	}
	if c.ACP.TaskTimeout == 0 {
		c.ACP.TaskTimeout = DefaultTaskTimeout
	}
	if c.ACP.HeartbeatInterval == 0 {
		c.ACP.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ACP.HealthWindow == 0 {
		c.ACP.HealthWindow = DefaultHealthWindow
	}
	if c.Lifecycle.MaintenanceInterval == 0 {
		c.Lifecycle.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Lifecycle.MonitorInterval == 0 {
		c.Lifecycle.MonitorInterval = DefaultMonitorInterval
	}
	if c.Lifecycle.RetentionWindow == 0 {
		c.Lifecycle.RetentionWindow = DefaultRetentionWindow
	}
	if c.Lifecycle.MaxInstancesPerAgent == 0 {
		c.Lifecycle.MaxInstancesPerAgent = DefaultMaxInstancesPerAgent
	}
	if c.Runtime.Mode == "" {
		c.Runtime.Mode = "mock"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.ACP.ConnectTimeoutRaw, "acp.connect_timeout", &cfg.ACP.ConnectTimeout},
		{cfg.ACP.HandshakeReplyTimeoutRaw, "acp.handshake_reply_timeout", &cfg.ACP.HandshakeReplyTimeout},
		{cfg.ACP.TaskTimeoutRaw, "acp.task_timeout", &cfg.ACP.TaskTimeout},
		{cfg.ACP.HeartbeatIntervalRaw, "acp.heartbeat_interval", &cfg.ACP.HeartbeatInterval},
		{cfg.ACP.HealthWindowRaw, "acp.health_window", &cfg.ACP.HealthWindow},
		{cfg.Lifecycle.MaintenanceIntervalRaw, "lifecycle.maintenance_interval", &cfg.Lifecycle.MaintenanceInterval},
		{cfg.Lifecycle.MonitorIntervalRaw, "lifecycle.monitor_interval", &cfg.Lifecycle.MonitorInterval},
		{cfg.Lifecycle.RetentionWindowRaw, "lifecycle.retention_window", &cfg.Lifecycle.RetentionWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
