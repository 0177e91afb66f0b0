package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/canonid/pkg/db"
	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

func TestMigrationsEmbedded(t *testing.T) {
	sub, err := fs.Sub(Migrations, MigrationsDir)
	require.NoError(t, err)

	migrations, err := db.FindMigrations(sub)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_identity_graph", migrations[0].Version)
	assert.Equal(t, "002_source_records", migrations[1].Version)
}

func TestEntityIDs(t *testing.T) {
	e := identity.AuditEntry{
		EntityID: 7,
		Before: identity.Snapshot{Identities: []identity.IdentityState{
			{ID: 7}, {ID: 9},
		}},
		After: identity.Snapshot{Identities: []identity.IdentityState{
			{ID: 9}, {ID: 12},
		}},
	}
	assert.Equal(t, []int64{7, 9, 12}, entityIDs(e))
}

func TestLifecycleColumns(t *testing.T) {
	state, into := lifecycleColumns(identity.Active())
	assert.Equal(t, "active", state)
	assert.Nil(t, into)

	state, into = lifecycleColumns(identity.RetiredInto(42))
	assert.Equal(t, "retired", state)
	require.NotNil(t, into)
	assert.Equal(t, int64(42), *into)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

func TestValidRecord(t *testing.T) {
	ok := identity.SourceRecord{Kind: identity.KindPlayer, SourceID: 1, Season: 2024, ScopeID: "nfl", Name: "A"}

	tests := []struct {
		name   string
		mutate func(*identity.SourceRecord)
		valid  bool
	}{
		{name: "valid", mutate: func(*identity.SourceRecord) {}, valid: true},
		{name: "bad kind", mutate: func(r *identity.SourceRecord) { r.Kind = "coach" }},
		{name: "zero source id", mutate: func(r *identity.SourceRecord) { r.SourceID = 0 }},
		{name: "missing scope", mutate: func(r *identity.SourceRecord) { r.ScopeID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ok
			tt.mutate(&rec)
			err := validRecord(rec)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, cierrors.ErrValidation)
			}
		})
	}
}

func TestRepository_Integration(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	repo := NewRepository(pool)
	scope := "test-" + uuid.NewString()
	season := 3000 + int(uuid.New().ID()%5000)

	var ident identity.Identity
	var mapping identity.Mapping
	err := repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		ident = identity.Identity{Kind: identity.KindPlayer, ScopeID: scope, CanonicalName: "Patrick Mahomes"}
		if err := tx.CreateIdentity(ctx, &ident); err != nil {
			return err
		}
		mapping = identity.Mapping{
			Kind: identity.KindPlayer, SourceID: 15, Season: season, IdentityID: ident.ID,
			ObservedName: "Patrick Mahomes", Position: "QB", Confidence: 1, Method: identity.MethodNew,
		}
		return tx.CreateMapping(ctx, &mapping)
	})
	require.NoError(t, err)
	assert.NotZero(t, ident.ID)
	assert.Equal(t, int64(1), ident.Version)

	t.Run("duplicate mapping", func(t *testing.T) {
		err := repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
			dup := mapping
			return tx.CreateMapping(ctx, &dup)
		})
		assert.ErrorIs(t, err, cierrors.ErrAlreadyExists)
	})

	t.Run("find mapping", func(t *testing.T) {
		got, err := repo.FindMapping(ctx, mapping.Key())
		require.NoError(t, err)
		assert.Equal(t, ident.ID, got.IdentityID)
		assert.Equal(t, "QB", got.Position)

		_, err = repo.FindMapping(ctx, identity.MappingKey{Kind: identity.KindTeam, SourceID: 15, Season: season})
		assert.ErrorIs(t, err, cierrors.ErrNotFound)
	})

	t.Run("stale version", func(t *testing.T) {
		err := repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
			fresh, err := tx.GetIdentity(ctx, ident.ID)
			if err != nil {
				return err
			}
			stale := *fresh
			fresh.CanonicalName = "Pat Mahomes"
			if err := tx.UpdateIdentity(ctx, fresh); err != nil {
				return err
			}
			return tx.UpdateIdentity(ctx, &stale)
		})
		assert.ErrorIs(t, err, cierrors.ErrConcurrentModification)

		got, err := repo.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, "Patrick Mahomes", got.CanonicalName, "failed tx must not commit")
	})

	t.Run("match decided once", func(t *testing.T) {
		var match identity.IdentityMatch
		err := repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
			match = identity.IdentityMatch{
				ScopeID:     scope,
				Record:      identity.SourceRecord{Kind: identity.KindPlayer, SourceID: 99, Season: season, ScopeID: scope, Name: "P. Mahomes"},
				CandidateID: ident.ID,
				Confidence:  0.6,
				Action:      identity.ActionManualReview,
				Factors:     identity.ConfidenceFactors{NameSimilarity: 0.7},
			}
			return tx.CreateMatch(ctx, &match)
		})
		require.NoError(t, err)

		pending, err := repo.FindPendingMatch(ctx, match.Record.Key())
		require.NoError(t, err)
		assert.Equal(t, match.ID, pending.ID)
		assert.Equal(t, "P. Mahomes", pending.Record.Name)
		assert.InDelta(t, 0.7, pending.Factors.NameSimilarity, 1e-9)

		decide := func() error {
			return repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
				return tx.DecideMatch(ctx, match.ID, identity.MatchRejected, "alice")
			})
		}
		require.NoError(t, decide())
		assert.ErrorIs(t, decide(), cierrors.ErrInvalidState)

		listed, err := repo.ListMatches(ctx, identity.MatchFilter{ScopeID: scope, Status: identity.MatchRejected})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "alice", listed[0].DecidedBy)
		assert.NotNil(t, listed[0].DecidedAt)
	})

	t.Run("audit by touched identity", func(t *testing.T) {
		other := int64(0)
		err := repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
			second := identity.Identity{Kind: identity.KindPlayer, ScopeID: scope, CanonicalName: "Other"}
			if err := tx.CreateIdentity(ctx, &second); err != nil {
				return err
			}
			other = second.ID
			return tx.AppendAudit(ctx, &identity.AuditEntry{
				Kind:     identity.KindPlayer,
				EntityID: ident.ID,
				Action:   identity.AuditMerge,
				Before: identity.NewSnapshot(
					identity.IdentityState{ID: ident.ID, Lifecycle: identity.Active()},
					identity.IdentityState{ID: second.ID, Lifecycle: identity.Active()},
				),
				After: identity.NewSnapshot(
					identity.IdentityState{ID: ident.ID, Lifecycle: identity.Active()},
					identity.IdentityState{ID: second.ID, Lifecycle: identity.RetiredInto(ident.ID)},
				),
				Actor: "alice",
			})
		})
		require.NoError(t, err)

		entries, err := repo.ListAuditEntries(ctx, identity.AuditFilter{EntityID: other})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		st, ok := entries[0].After.Find(other)
		require.True(t, ok)
		assert.Equal(t, identity.RetiredInto(ident.ID), st.Lifecycle)
	})
}

func TestRecordSource_Integration(t *testing.T) {
	ctx := context.Background()
	src := NewRecordSource(testPool(t))
	scope := "test-" + uuid.NewString()
	base := int64(uuid.New().ID())

	records := []identity.SourceRecord{
		{Kind: identity.KindTeam, SourceID: base, Season: 2023, ScopeID: scope, Name: "Chiefs", Position: "KC"},
		{Kind: identity.KindPlayer, SourceID: base + 1, Season: 2024, ScopeID: scope, Name: "Patrick Mahomes", Position: "QB", TeamSourceID: base},
	}
	n, err := src.ImportRecords(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Upsert replaces the name.
	records[1].Name = "Patrick Mahomes II"
	_, err = src.ImportRecords(ctx, records[1:])
	require.NoError(t, err)

	all, err := src.ListSourceRecords(ctx, scope, nil)
	require.NoError(t, err)
	assert.Equal(t, []identity.SourceRecord{records[0], records[1]}, all)

	only, err := src.ListSourceRecords(ctx, scope, []int{2024})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "Patrick Mahomes II", only[0].Name)
}

// testPool connects to CANONID_TEST_DATABASE_URL, applies the schema, or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("CANONID_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CANONID_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, &db.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sub, err := fs.Sub(Migrations, MigrationsDir)
	require.NoError(t, err)
	_, err = db.RunMigrations(ctx, pool, sub)
	require.NoError(t, err)
	return pool
}
