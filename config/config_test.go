package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, DefaultScope, cfg.Scope)
	assert.Equal(t, OutputFormatText, cfg.OutputFormat)
	assert.Equal(t, "canonid", cfg.Database.Database)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 4, cfg.Resolver.Workers)
	assert.InDelta(t, 0.75, cfg.Scoring.Thresholds.AutoApprove, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"invalid", false},
		{"", false},
		{"JSON", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, tc.format.IsValid(), "format %q", tc.format)
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("CANONID_CONFIG_DIR", "/tmp/canonid-test")

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/canonid-test", dir)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/canonid-test/config.yaml", path)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CANONID_CONFIG_DIR", dir)

	content := `
store: memory
scope: nfl
output_format: json
database:
  host: db.example.com
  port: 6432
redis:
  addr: localhost:6379
  locks:
    lease_ttl: 10s
scoring:
  thresholds:
    auto_approve_high: 0.95
    auto_approve: 0.8
    manual_review: 0.5
    manual_review_low: 0.2
resolver:
  workers: 8
  signal_timeout: 750ms
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "nfl", cfg.Scope)
	assert.Equal(t, OutputFormatJSON, cfg.OutputFormat)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 6432, cfg.Database.Port)
	assert.Equal(t, "canonid", cfg.Database.User, "unset keys keep defaults")
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 10*time.Second, cfg.Redis.Locks.LeaseTTL)
	assert.Equal(t, "canonid:lock:", cfg.Redis.Locks.KeyPrefix)
	assert.InDelta(t, 0.8, cfg.Scoring.Thresholds.AutoApprove, 1e-9)
	assert.InDelta(t, 0.40, cfg.Scoring.Weights.NameSimilarity, 1e-9)
	assert.Equal(t, 8, cfg.Resolver.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Resolver.SignalTimeout)
	assert.Equal(t, 100, cfg.Resolver.GroupSize)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
}

func TestLoadConfig_MissingDefaultFileIsFine(t *testing.T) {
	t.Setenv("CANONID_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultScope, cfg.Scope)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scope: file-scope\nresolver:\n  workers: 2\n"), 0o600))

	t.Setenv("CANONID_SCOPE", "env-scope")
	t.Setenv("CANONID_STORE", "memory")
	t.Setenv("CANONID_RESOLVER_WORKERS", "16")
	t.Setenv("CANONID_REDIS_ADDR", "redis:6379")
	t.Setenv("CANONID_STATS_DSN", "postgres://stats")
	t.Setenv("CANONID_DB_HOST", "env-db")
	t.Setenv("CANONID_LOG_LEVEL", "WARN")
	t.Setenv("CANONID_LOG_JSON", "1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-scope", cfg.Scope)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 16, cfg.Resolver.Workers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://stats", cfg.Stats.DSN)
	assert.Equal(t, "env-db", cfg.Database.Host)
	assert.Equal(t, logging.LevelWarn, cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSONFormat)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad output format", mutate: func(c *Config) { c.OutputFormat = "xml" }},
		{name: "bad store", mutate: func(c *Config) { c.Store = "sqlite" }},
		{name: "empty scope", mutate: func(c *Config) { c.Scope = "" }},
		{name: "bad database", mutate: func(c *Config) { c.Database.Host = "" }},
		{name: "bands not decreasing", mutate: func(c *Config) { c.Scoring.Thresholds.ManualReview = 0.8 }},
		{name: "negative workers", mutate: func(c *Config) { c.Resolver.Workers = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, cierrors.ErrValidation)
		})
	}

	t.Run("memory store skips database checks", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store = StoreMemory
		cfg.Database.Host = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestDatabasePassword(t *testing.T) {
	keyring.MockInit()

	cfg := DefaultConfig()
	cfg.Database.Password = "inline"
	pass, err := cfg.DatabasePassword()
	require.NoError(t, err)
	assert.Equal(t, "inline", pass)

	cfg.Database.Password = ""
	cfg.Database.PasswordFromKeyring = true
	pass, err = cfg.DatabasePassword()
	require.NoError(t, err)
	assert.Empty(t, pass, "missing keyring entry")

	require.NoError(t, cfg.StoreDatabasePassword("from-keyring"))
	pass, err = cfg.DatabasePassword()
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", pass)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Scope = "nba"
	cfg.Database.Password = "secret"
	cfg.Resolver.SignalTimeout = 3 * time.Second

	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "nba", loaded.Scope)
	assert.Equal(t, 3*time.Second, loaded.Resolver.SignalTimeout)
	assert.Empty(t, loaded.Database.Password)
}
