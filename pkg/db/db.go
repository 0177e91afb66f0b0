// Package db opens and maintains the PostgreSQL pool behind the identity graph.
package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// Config holds PostgreSQL connection settings. When URL is set it wins over
// the discrete fields.
type Config struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the settings of a local development database.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "canonid",
		User:            "canonid",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ConfigFromEnv overlays CANONID_DB_* variables onto DefaultConfig:
//   - CANONID_DB_URL: full connection string
//   - CANONID_DB_HOST, CANONID_DB_PORT, CANONID_DB_NAME
//   - CANONID_DB_USER, CANONID_DB_PASSWORD, CANONID_DB_SSLMODE
//   - CANONID_DB_MAX_CONNS, CANONID_DB_MIN_CONNS
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overwrites fields that have a non-empty CANONID_DB_* variable.
// Unparseable numbers are ignored.
func (c *Config) ApplyEnv() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str("CANONID_DB_URL", &c.URL)
	str("CANONID_DB_HOST", &c.Host)
	str("CANONID_DB_NAME", &c.Database)
	str("CANONID_DB_USER", &c.User)
	str("CANONID_DB_PASSWORD", &c.Password)
	str("CANONID_DB_SSLMODE", &c.SSLMode)

	if port := os.Getenv("CANONID_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if maxConns := os.Getenv("CANONID_DB_MAX_CONNS"); maxConns != "" {
		if n, err := strconv.ParseInt(maxConns, 10, 32); err == nil {
			c.MaxConns = int32(n)
		}
	}
	if minConns := os.Getenv("CANONID_DB_MIN_CONNS"); minConns != "" {
		if n, err := strconv.ParseInt(minConns, 10, 32); err == nil {
			c.MinConns = int32(n)
		}
	}
}

// ConnectionString returns URL, or a postgres:// URL built from the fields.
func (c *Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks the connection settings.
func (c *Config) Validate() error {
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max connections (%d) must be >= min connections (%d): %w", c.MaxConns, c.MinConns, cierrors.ErrValidation)
	}
	if c.URL != "" {
		return nil
	}
	switch {
	case c.Host == "":
		return fmt.Errorf("database host is required: %w", cierrors.ErrValidation)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid database port %d: %w", c.Port, cierrors.ErrValidation)
	case c.Database == "":
		return fmt.Errorf("database name is required: %w", cierrors.ErrValidation)
	case c.User == "":
		return fmt.Errorf("database user is required: %w", cierrors.ErrValidation)
	}
	return nil
}

// Connect opens a pool and pings it. The caller closes the pool.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// ConnectWithRetry calls Connect up to maxAttempts times, waiting retryDelay
// between attempts.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxAttempts int, retryDelay time.Duration) (*pgxpool.Pool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := Connect(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("connecting after %d attempts: %w", maxAttempts, lastErr)
}

// Close closes pool if it is not nil.
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
