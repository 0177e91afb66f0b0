// Package cmd provides CLI commands for the canonid tool.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/canonid/config"
	"github.com/otherjamesbrown/canonid/pkg/db"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/identity/matcher"
	"github.com/otherjamesbrown/canonid/pkg/identity/postgres"
	"github.com/otherjamesbrown/canonid/pkg/identity/resolver"
	"github.com/otherjamesbrown/canonid/pkg/identity/scoring"
	"github.com/otherjamesbrown/canonid/pkg/identity/stats"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

const (
	// ServiceName identifies the tool in logs and build info.
	ServiceName = "canonid"
	// MetricsNamespace prefixes the pool metrics.
	MetricsNamespace = "canonid"
)

// RecordImporter stores source records for later runs.
type RecordImporter interface {
	ImportRecords(ctx context.Context, records []identity.SourceRecord) (int, error)
}

// Runtime holds the services a command works with. Close releases them.
type Runtime struct {
	Resolver *resolver.Resolver
	Repo     identity.Repository
	Source   identity.RecordSource
	Importer RecordImporter
	Pool     *pgxpool.Pool
	Stats    *stats.SQLProvider
	Registry *prometheus.Registry

	closers []func()
}

// Close releases connections in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// CommandDeps holds the dependencies shared by all commands. Config and
// Logger are set by the root command before any RunE executes.
type CommandDeps struct {
	Config *config.Config
	Logger logging.Logger
	Out    io.Writer

	// Open builds the Runtime. Tests replace it with an in-memory graph.
	Open func(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Runtime, error)

	runtime *Runtime
}

// DefaultDeps returns the dependencies for production use.
func DefaultDeps() *CommandDeps {
	return &CommandDeps{
		Config: config.DefaultConfig(),
		Logger: logging.NewNopLogger(),
		Out:    os.Stdout,
		Open:   OpenRuntime,
	}
}

// Runtime opens the runtime on first use and reuses it afterwards.
func (d *CommandDeps) Runtime(ctx context.Context) (*Runtime, error) {
	if d.runtime != nil {
		return d.runtime, nil
	}
	rt, err := d.Open(ctx, d.Config, d.Logger)
	if err != nil {
		return nil, err
	}
	d.runtime = rt
	return rt, nil
}

// Close releases the runtime if one was opened.
func (d *CommandDeps) Close() {
	if d.runtime != nil {
		d.runtime.Close()
		d.runtime = nil
	}
}

// OpenRuntime wires the identity graph, statistics, locks and audit
// publication from cfg.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Runtime, error) {
	rt := &Runtime{Registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	switch cfg.Store {
	case config.StoreMemory:
		src := identity.NewMemoryRecordSource()
		rt.Repo = identity.NewMemoryRepository()
		rt.Source = src
		rt.Importer = src
	default:
		pool, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		if _, err := db.RegisterPoolStats(pool, MetricsNamespace, cfg.Database.Database, rt.Registry); err != nil {
			return nil, fmt.Errorf("registering pool metrics: %w", err)
		}
		src := postgres.NewRecordSource(pool)
		rt.Repo = postgres.NewRepository(pool)
		rt.Source = src
		rt.Importer = src
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	opts := []resolver.Option{
		resolver.WithConfig(cfg.Resolver),
		resolver.WithMatcher(matcher.New(cfg.Matcher)),
		resolver.WithScorer(scorer),
		resolver.WithLogger(logger),
		resolver.WithMetrics(observability.NewResolutionMetrics(rt.Registry)),
		resolver.WithTracer(observability.NewTracer()),
	}

	var provider stats.Provider
	if cfg.Stats.DSN != "" {
		sqlProvider, err := stats.OpenSQL(ctx, cfg.Stats.DSN)
		if err != nil {
			return nil, err
		}
		rt.Stats = sqlProvider
		rt.closers = append(rt.closers, func() { _ = sqlProvider.Close() })
		provider = stats.NewResilientProvider(sqlProvider, cfg.Stats.Retry)
	}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts,
			resolver.WithLocker(locks.NewRedisLocker(client, cfg.Redis.Locks)),
			resolver.WithPublisher(observability.NewRedisEventPublisher(
				func(ctx context.Context, channel string, message interface{}) error {
					return client.Publish(ctx, channel, message).Err()
				},
			)),
		)
		if provider != nil {
			provider = stats.NewCachedProvider(provider, client, cfg.Redis.Cache, stats.WithCacheLogger(logger))
		}
	}
	if provider != nil {
		opts = append(opts, resolver.WithStats(provider))
	}

	rt.Resolver, err = resolver.New(rt.Repo, rt.Source, opts...)
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	password, err := cfg.DatabasePassword()
	if err != nil {
		return nil, err
	}
	dbCfg := cfg.Database.Config
	dbCfg.Password = password
	pool, err := db.ConnectWithRetry(ctx, &dbCfg, 3, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}
