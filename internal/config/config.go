// ABOUTME: Configuration loading and parsing for voicewarden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete voicewarden configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Discord     DiscordConfig     `yaml:"discord"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DiscordConfig holds the platform connection configuration
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// CoordinatorConfig holds lifecycle tuning knobs
type CoordinatorConfig struct {
	LockWaitTimeout time.Duration `yaml:"-"`
	DebounceWindow  time.Duration `yaml:"-"`
	SweepInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LockWaitTimeoutRaw string `yaml:"lock_wait_timeout"`
	DebounceWindowRaw  string `yaml:"debounce_window"`
	SweepIntervalRaw   string `yaml:"sweep_interval"`

	AuditListMax int `yaml:"audit_list_max"`
	NameMaxLen   int `yaml:"name_max_len"`
	LimitMax     int `yaml:"limit_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Coordinator.AuditListMax < 0 {
		return fmt.Errorf("coordinator.audit_list_max must not be negative")
	}
	if c.Coordinator.NameMaxLen < 0 {
		return fmt.Errorf("coordinator.name_max_len must not be negative")
	}
	if c.Coordinator.LimitMax < 0 {
		return fmt.Errorf("coordinator.limit_max must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Coordinator.LockWaitTimeoutRaw != "" {
		cfg.Coordinator.LockWaitTimeout, err = time.ParseDuration(cfg.Coordinator.LockWaitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing lock_wait_timeout %q: %w", cfg.Coordinator.LockWaitTimeoutRaw, err)
		}
	}

	if cfg.Coordinator.DebounceWindowRaw != "" {
		cfg.Coordinator.DebounceWindow, err = time.ParseDuration(cfg.Coordinator.DebounceWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce_window %q: %w", cfg.Coordinator.DebounceWindowRaw, err)
		}
	}

	if cfg.Coordinator.SweepIntervalRaw != "" {
		cfg.Coordinator.SweepInterval, err = time.ParseDuration(cfg.Coordinator.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Coordinator.SweepIntervalRaw, err)
		}
	}

	return nil
}
