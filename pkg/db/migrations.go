package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// Migration is one .sql file in a migrations filesystem.
type Migration struct {
	Version string `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`
}

// MigrationResult lists the versions applied and skipped by a run.
type MigrationResult struct {
	Applied []string `json:"applied" yaml:"applied"`
	Skipped []string `json:"skipped" yaml:"skipped"`
}

// MigrationStatusEntry is one row of a status report. AppliedAt is nil for
// pending migrations.
type MigrationStatusEntry struct {
	Version   string     `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// MigrationStatus compares the migrations filesystem with schema_migrations.
type MigrationStatus struct {
	Applied []MigrationStatusEntry `json:"applied" yaml:"applied"`
	Pending []MigrationStatusEntry `json:"pending" yaml:"pending"`
	// Drift holds versions recorded in the database with no matching file.
	Drift []MigrationStatusEntry `json:"drift" yaml:"drift"`
}

// RunMigrations applies every pending .sql file in fsys in lexical order,
// each in its own transaction. It stops at the first failure.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) (*MigrationResult, error) {
	return RunMigrationsToTarget(ctx, pool, fsys, "")
}

// RunMigrationsToTarget applies pending migrations up to and including
// target. An empty target applies everything.
func RunMigrationsToTarget(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, target string) (*MigrationResult, error) {
	if pool == nil {
		return nil, errNilPool
	}
	migrations, err := FindMigrations(fsys)
	if err != nil {
		return nil, err
	}

	last := len(migrations) - 1
	if target != "" {
		last = indexOf(migrations, normalizeVersion(target))
		if last < 0 {
			return nil, fmt.Errorf("target version %s: %w", target, cierrors.ErrNotFound)
		}
	}

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	result := &MigrationResult{}
	for _, m := range migrations[:last+1] {
		if _, ok := applied[m.Version]; ok {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}
		if err := applyMigration(ctx, pool, fsys, m); err != nil {
			return result, fmt.Errorf("migration %s: %w", m.Version, err)
		}
		result.Applied = append(result.Applied, m.Version)
	}
	return result, nil
}

// GetMigrationStatus reports applied, pending and drifted migrations.
func GetMigrationStatus(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) (*MigrationStatus, error) {
	if pool == nil {
		return nil, errNilPool
	}
	migrations, err := FindMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return buildStatus(migrations, applied), nil
}

func buildStatus(migrations []Migration, applied map[string]time.Time) *MigrationStatus {
	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}
	files := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		files[m.Version] = true
		entry := MigrationStatusEntry{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			entry.AppliedAt = &at
			status.Applied = append(status.Applied, entry)
		} else {
			status.Pending = append(status.Pending, entry)
		}
	}
	for version, at := range applied {
		if !files[version] {
			at := at
			status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
		}
	}
	sort.Slice(status.Drift, func(i, j int) bool { return status.Drift[i].Version < status.Drift[j].Version })
	return status
}

// FindMigrations lists the .sql files at the root of fsys sorted by version.
func FindMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(path.Ext(entry.Name()), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(entry.Name()),
			Name:    entry.Name(),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func indexOf(migrations []Migration, version string) int {
	for i, m := range migrations {
		if m.Version == version {
			return i
		}
	}
	return -1
}

// normalizeVersion strips a trailing .sql in any case.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.EqualFold(v[len(v)-4:], ".sql") {
		return v[:len(v)-4]
	}
	return v
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	return err
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	rows, err := pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			version   string
			appliedAt time.Time
		)
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, m Migration) error {
	content, err := fs.ReadFile(fsys, m.Name)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("migration file is empty: %w", cierrors.ErrValidation)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	// The file name is recorded; readers normalize it back to the version.
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
