// Package config loads, validates, and persists the tool configuration.
// Values come from the defaults, overridden by an optional YAML file,
// overridden again by flags and environment at the CLI layer.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/history"
)

const (
	defaultBatchSize    = 4500
	defaultTimeout      = 1500 * time.Millisecond
	defaultRetries      = 1
	defaultResolveLimit = 5 * time.Second
	defaultMaxCIDRHosts = 65536
)

// Config represents the complete tool configuration.
type Config struct {
	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Resolver configuration
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`

	// History configuration
	History HistoryConfig `yaml:"history" json:"history"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScanningConfig holds scan engine settings.
type ScanningConfig struct {
	// Maximum number of probes in flight at once
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1"`

	// Per-attempt connection timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Re-attempts after a timeout
	Retries int `yaml:"retries" json:"retries" validate:"min=0"`

	// Probe transport
	Transport string `yaml:"transport" json:"transport" validate:"oneof=tcp udp"`

	// Default port expression when none is given ("" means the full range)
	Ports string `yaml:"ports" json:"ports"`

	// Ports removed from every scan
	ExcludePorts string `yaml:"exclude_ports" json:"exclude_ports"`

	// Scan ports in random order instead of ascending
	RandomOrder bool `yaml:"random_order" json:"random_order"`
}

// ResolverConfig holds target resolution settings.
type ResolverConfig struct {
	// Nameserver address (host:port); empty means the system resolver
	Nameserver string `yaml:"nameserver" json:"nameserver"`

	// Per-lookup timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Upper bound on hosts expanded from a single CIDR expression
	MaxCIDRHosts int `yaml:"max_cidr_hosts" json:"max_cidr_hosts" validate:"min=1"`
}

// HistoryConfig holds scan history persistence settings.
type HistoryConfig struct {
	// Enable storing completed runs
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Database connection settings
	Database history.Config `yaml:"database" json:"database"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

var validate = validator.New()

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			BatchSize:    defaultBatchSize,
			Timeout:      defaultTimeout,
			Retries:      defaultRetries,
			Transport:    "tcp",
			Ports:        "",
			ExcludePorts: "",
			RandomOrder:  false,
		},
		Resolver: ResolverConfig{
			Nameserver:   "",
			Timeout:      defaultResolveLimit,
			MaxCIDRHosts: defaultMaxCIDRHosts,
		},
		History: HistoryConfig{
			Enabled:  false,
			Database: history.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load loads configuration from a file. A missing file is not an error;
// defaults are returned so the tool works without any setup.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			"failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			"failed to parse YAML config", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			"failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			"failed to marshal config", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			"failed to write config file", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if stderrors.As(err, &invalid) {
			return errors.WrapConfigError(errors.CodeConfiguration,
				"configuration validation failed", err)
		}
		for _, fieldErr := range err.(validator.ValidationErrors) {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				fmt.Sprintf("failed %q constraint", fieldErr.Tag()),
				fieldErr.Namespace(), fieldErr.Value())
		}
	}

	// Cross-field constraints the struct tags cannot express.
	if c.History.Enabled {
		if c.History.Database.Database == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"database name is required when history is enabled",
				"history.database.database", "")
		}
		if c.History.Database.Username == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"database username is required when history is enabled",
				"history.database.username", "")
		}
	}

	return nil
}
