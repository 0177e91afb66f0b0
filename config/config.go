// Package config provides configuration management for the canonid command-line
// tool. It loads a YAML file, overlays CANONID_* environment variables and then
// lets command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/canonid/pkg/db"
	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/identity/matcher"
	"github.com/otherjamesbrown/canonid/pkg/identity/resolver"
	"github.com/otherjamesbrown/canonid/pkg/identity/scoring"
	"github.com/otherjamesbrown/canonid/pkg/identity/stats"
	"github.com/otherjamesbrown/canonid/pkg/logging"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText renders tables for humans.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// IsValid reports whether f is a known format.
func (f OutputFormat) IsValid() bool {
	return f == OutputFormatText || f == OutputFormatJSON || f == OutputFormatYAML
}

func (f OutputFormat) String() string {
	return string(f)
}

// Store selects the identity graph backend.
type Store string

const (
	StorePostgres Store = "postgres"
	// StoreMemory keeps the graph in process; useful for dry runs and demos.
	StoreMemory Store = "memory"
)

// Default configuration values.
const (
	DefaultConfigDir  = ".canonid"
	DefaultConfigFile = "config.yaml"
	DefaultScope      = "default"

	// KeyringService is the keyring service holding the database password.
	KeyringService = "canonid"
)

// DatabaseConfig is the identity graph database.
type DatabaseConfig struct {
	db.Config `yaml:",inline"`

	// PasswordFromKeyring reads the password from the OS keyring, keyed by
	// user, when no password is configured.
	PasswordFromKeyring bool `yaml:"password_from_keyring"`
}

// RedisConfig enables the shared lock and statistics cache.
type RedisConfig struct {
	Addr     string            `yaml:"addr"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	Locks    locks.RedisConfig `yaml:"locks"`
	Cache    stats.CacheConfig `yaml:"cache"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// StatsConfig is the statistics warehouse.
type StatsConfig struct {
	// DSN is a database/sql connection string. Empty disables statistics.
	DSN   string            `yaml:"dsn"`
	Retry stats.RetryPolicy `yaml:"retry"`
}

// Config holds the canonid configuration.
type Config struct {
	Store        Store        `yaml:"store"`
	Scope        string       `yaml:"scope"`
	Actor        string       `yaml:"actor"`
	OutputFormat OutputFormat `yaml:"output_format"`

	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Stats    StatsConfig     `yaml:"stats"`
	Matcher  matcher.Config  `yaml:"matcher"`
	Scoring  scoring.Config  `yaml:"scoring"`
	Resolver resolver.Config `yaml:"resolver"`
	Logging  logging.Config  `yaml:"logging"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Store:        StorePostgres,
		Scope:        DefaultScope,
		OutputFormat: OutputFormatText,
		Database:     DatabaseConfig{Config: *db.DefaultConfig()},
		Redis: RedisConfig{
			Locks: locks.DefaultRedisConfig(),
			Cache: stats.DefaultCacheConfig(),
		},
		Stats:    StatsConfig{Retry: stats.DefaultRetryPolicy()},
		Matcher:  matcher.DefaultConfig(),
		Scoring:  scoring.DefaultConfig(),
		Resolver: resolver.DefaultConfig(),
		Logging:  *logging.DefaultConfig(),
	}
}

// ConfigDir returns $CANONID_CONFIG_DIR, or ~/.canonid.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CANONID_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads configuration in this order, later sources winning:
//  1. Default values
//  2. The file at path, or ConfigPath() when path is empty and the file exists
//  3. CANONID_* environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil || explicit {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes path over cfg; absent keys keep their current values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CANONID_STORE"); v != "" {
		cfg.Store = Store(v)
	}
	if v := os.Getenv("CANONID_SCOPE"); v != "" {
		cfg.Scope = v
	}
	if v := os.Getenv("CANONID_ACTOR"); v != "" {
		cfg.Actor = v
	}
	if v := os.Getenv("CANONID_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}

	cfg.Database.ApplyEnv()

	if v := os.Getenv("CANONID_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CANONID_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CANONID_STATS_DSN"); v != "" {
		cfg.Stats.DSN = v
	}

	if v := os.Getenv("CANONID_RESOLVER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.Workers = n
		}
	}

	if v := os.Getenv("CANONID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = logging.Level(strings.ToLower(v))
	}
	if v := os.Getenv("CANONID_LOG_JSON"); v == "true" || v == "1" {
		cfg.Logging.JSONFormat = true
	}
}

// Validate checks the configuration and fills resolver defaults.
func (c *Config) Validate() error {
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output format %q: %w", c.OutputFormat, cierrors.ErrValidation)
	}
	switch c.Store {
	case StorePostgres:
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store %q (expected postgres or memory): %w", c.Store, cierrors.ErrValidation)
	}
	if c.Scope == "" {
		return fmt.Errorf("scope is required: %w", cierrors.ErrValidation)
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	return c.Resolver.Validate()
}

// DatabasePassword returns the configured password, falling back to the
// keyring entry for the database user when PasswordFromKeyring is set. A
// missing keyring entry yields an empty password.
func (c *Config) DatabasePassword() (string, error) {
	if c.Database.Password != "" || !c.Database.PasswordFromKeyring {
		return c.Database.Password, nil
	}
	secret, err := keyring.Get(KeyringService, c.Database.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading database password from keyring: %w", err)
	}
	return secret, nil
}

// StoreDatabasePassword saves password in the keyring for the database user.
func (c *Config) StoreDatabasePassword(password string) error {
	if err := keyring.Set(KeyringService, c.Database.User, password); err != nil {
		return fmt.Errorf("storing database password in keyring: %w", err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories. Passwords are
// never written.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.Database.Password = ""
	out.Redis.Password = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
