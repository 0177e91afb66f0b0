package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

func seedIdentity(t *testing.T, repo *MemoryRepository, name string, keys ...MappingKey) *Identity {
	t.Helper()
	ident := &Identity{Kind: KindPlayer, ScopeID: "nfl", CanonicalName: name}
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.CreateIdentity(ctx, ident); err != nil {
			return err
		}
		for _, k := range keys {
			m := &Mapping{Kind: k.Kind, SourceID: k.SourceID, Season: k.Season, IdentityID: ident.ID, ObservedName: name, Confidence: 1, Method: MethodNew}
			if err := tx.CreateMapping(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ident
}

func TestMemoryRepository_CommitAndRead(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	key := MappingKey{Kind: KindPlayer, SourceID: 111, Season: 2022}
	ident := seedIdentity(t, repo, "Patrick Mahomes", key)

	got, err := repo.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Lifecycle.IsActive())

	m, err := repo.FindMapping(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, m.IdentityID)

	active, err := repo.ListActiveIdentities(ctx, "nfl", KindPlayer)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	none, err := repo.ListActiveIdentities(ctx, "nba", KindPlayer)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRepository_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateIdentity(ctx, &Identity{Kind: KindTeam, ScopeID: "nfl"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	active, err := repo.ListActiveIdentities(ctx, "nfl", KindTeam)
	require.NoError(t, err)
	assert.Empty(t, active, "failed transaction must not leave writes behind")
}

func TestMemoryRepository_DuplicateMapping(t *testing.T) {
	repo := NewMemoryRepository()
	key := MappingKey{Kind: KindPlayer, SourceID: 7, Season: 2023}
	ident := seedIdentity(t, repo, "Mike Williams", key)

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateMapping(ctx, &Mapping{Kind: key.Kind, SourceID: key.SourceID, Season: key.Season, IdentityID: ident.ID})
	})
	assert.True(t, cierrors.IsAlreadyExists(err))
}

func TestMemoryRepository_VersionCheck(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	ident := seedIdentity(t, repo, "Travis Kelce")

	stale := *ident
	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetIdentity(ctx, ident.ID)
		if err != nil {
			return err
		}
		cur.CanonicalName = "Travis Kelce Jr"
		return tx.UpdateIdentity(ctx, cur)
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		stale.Lifecycle = RetiredInto(99)
		return tx.UpdateIdentity(ctx, &stale)
	})
	assert.True(t, cierrors.IsConcurrentModification(err))

	got, err := repo.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Lifecycle.IsActive())
}

func TestMemoryRepository_Matches(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := SourceRecord{Kind: KindPlayer, SourceID: 5, Season: 2023, ScopeID: "nfl", Name: "Mike Williams"}

	var matchID int64
	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		m := &IdentityMatch{ScopeID: "nfl", Record: rec, CandidateID: 1, Confidence: 0.6, Action: ActionManualReview}
		if err := tx.CreateMatch(ctx, m); err != nil {
			return err
		}
		matchID = m.ID
		return nil
	})
	require.NoError(t, err)

	pending, err := repo.FindPendingMatch(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, matchID, pending.ID)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DecideMatch(ctx, matchID, MatchRejected, "alice")
	}))

	_, err = repo.FindPendingMatch(ctx, rec.Key())
	assert.True(t, cierrors.IsNotFound(err))

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DecideMatch(ctx, matchID, MatchApproved, "bob")
	})
	assert.True(t, cierrors.IsInvalidState(err))

	rejected, err := repo.ListMatches(ctx, MatchFilter{ScopeID: "nfl", Status: MatchRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "alice", rejected[0].DecidedBy)
	assert.NotNil(t, rejected[0].DecidedAt)
}

func TestTerminal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a := seedIdentity(t, repo, "A")
	b := seedIdentity(t, repo, "B")
	c := seedIdentity(t, repo, "C")

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a.Lifecycle = RetiredInto(b.ID)
		if err := tx.UpdateIdentity(ctx, a); err != nil {
			return err
		}
		b.Lifecycle = RetiredInto(c.ID)
		return tx.UpdateIdentity(ctx, b)
	}))

	got, err := Terminal(ctx, repo, a.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = Terminal(ctx, repo, 404)
	assert.True(t, cierrors.IsNotFound(err))
}

func TestMemoryRecordSource(t *testing.T) {
	src := NewMemoryRecordSource(
		SourceRecord{ScopeID: "nfl", Season: 2022, SourceID: 1},
		SourceRecord{ScopeID: "nfl", Season: 2023, SourceID: 2},
		SourceRecord{ScopeID: "nba", Season: 2023, SourceID: 3},
	)
	all, err := src.ListSourceRecords(context.Background(), "nfl", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := src.ListSourceRecords(context.Background(), "nfl", []int{2023})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, int64(2), only[0].SourceID)
}

func TestMemoryRecordSource_ImportReplacesByKey(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryRecordSource(SourceRecord{Kind: KindTeam, ScopeID: "nfl", Season: 2022, SourceID: 1, Name: "Redskins"})

	n, err := src.ImportRecords(ctx, []SourceRecord{
		{Kind: KindTeam, ScopeID: "nfl", Season: 2022, SourceID: 1, Name: "Washington"},
		{Kind: KindTeam, ScopeID: "nfl", Season: 2023, SourceID: 1, Name: "Commanders"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := src.ListSourceRecords(ctx, "nfl", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Washington", all[0].Name)
	assert.Equal(t, "Commanders", all[1].Name)
}
