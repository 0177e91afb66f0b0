package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNilPool = errors.New("pool is nil")

const migrationsTable = "schema_migrations"

// HealthStatus is the result of Check. SchemaVersion is the newest applied
// migration, empty when none has run.
type HealthStatus struct {
	Healthy       bool          `json:"healthy" yaml:"healthy"`
	Latency       time.Duration `json:"latency" yaml:"latency"`
	TotalConns    int32         `json:"total_conns" yaml:"total_conns"`
	IdleConns     int32         `json:"idle_conns" yaml:"idle_conns"`
	AcquiredConns int32         `json:"acquired_conns" yaml:"acquired_conns"`
	SchemaVersion string        `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	MissingTables []string      `json:"missing_tables,omitempty" yaml:"missing_tables,omitempty"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Ping checks that the database is reachable.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errNilPool
	}
	return pool.Ping(ctx)
}

// Check pings the database, reads pool usage and confirms that every table in
// required exists in the current schema. A missing table makes the status
// unhealthy.
func Check(ctx context.Context, pool *pgxpool.Pool, required ...string) *HealthStatus {
	status := &HealthStatus{}
	if pool == nil {
		status.Error = errNilPool.Error()
		return status
	}

	start := time.Now()
	err := pool.Ping(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	stats := pool.Stat()
	status.TotalConns = stats.TotalConns()
	status.IdleConns = stats.IdleConns()
	status.AcquiredConns = stats.AcquiredConns()

	present, err := existingTables(ctx, pool, append([]string{migrationsTable}, required...))
	if err != nil {
		status.Error = fmt.Sprintf("inspecting schema: %v", err)
		return status
	}
	if present[migrationsTable] {
		err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), '') FROM "+migrationsTable).Scan(&status.SchemaVersion)
		if err != nil {
			status.Error = fmt.Sprintf("reading schema version: %v", err)
			return status
		}
	}

	status.MissingTables = missingTables(present, required)
	if len(status.MissingTables) > 0 {
		status.Error = "missing tables: " + strings.Join(status.MissingTables, ", ")
		return status
	}
	status.Healthy = true
	return status
}

func existingTables(ctx context.Context, pool *pgxpool.Pool, names []string) (map[string]bool, error) {
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = ANY($1)`, names)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(found))
	for _, name := range found {
		present[name] = true
	}
	return present, nil
}

// missingTables returns the names in required absent from present, sorted and
// without duplicates.
func missingTables(present map[string]bool, required []string) []string {
	var missing []string
	seen := make(map[string]bool, len(required))
	for _, name := range required {
		if present[name] || seen[name] {
			continue
		}
		seen[name] = true
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

// WaitForReady pings every pollInterval until the database answers or ctx ends.
func WaitForReady(ctx context.Context, pool *pgxpool.Pool, pollInterval time.Duration) error {
	if pool == nil {
		return errNilPool
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := pool.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
