package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// staleReads hides committed mappings from FindMapping inside transactions,
// the view a read-committed writer has when another run maps the key first.
type staleReads struct {
	*identity.MemoryRepository
}

func (s staleReads) WithTx(ctx context.Context, fn func(ctx context.Context, tx identity.Tx) error) error {
	return s.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		return fn(ctx, staleTx{tx})
	})
}

type staleTx struct{ identity.Tx }

func (staleTx) FindMapping(_ context.Context, key identity.MappingKey) (*identity.Mapping, error) {
	return nil, fmt.Errorf("mapping %s: %w", key, cierrors.ErrNotFound)
}

func TestApply_LostMappingRaceIsSkipped(t *testing.T) {
	ctx := context.Background()
	repo := identity.NewMemoryRepository()
	base, err := New(repo, nil)
	require.NoError(t, err)

	earlier := player(87, 2022, "Travis Kelce", "TE", 0)
	rec := player(87, 2023, "Travis Kelce", "TE", 0)
	seeded := base.apply(ctx, scope, Outcome{Record: earlier, Action: identity.ActionSkip}, Options{})
	require.Equal(t, ResultCreated, seeded.Result)
	winner := base.apply(ctx, scope, Outcome{Record: rec, Action: identity.ActionSkip}, Options{})
	require.Equal(t, ResultCreated, winner.Result)

	racing, err := New(staleReads{repo}, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		outcome Outcome
	}{
		{"new identity", Outcome{Record: rec, Action: identity.ActionSkip}},
		{"auto approve", Outcome{Record: rec, Action: identity.ActionAutoApprove, CandidateID: seeded.IdentityID, Confidence: 0.8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := repo.ListAuditEntries(ctx, identity.AuditFilter{})
			require.NoError(t, err)

			got := racing.apply(ctx, scope, tt.outcome, Options{})
			assert.Equal(t, ResultSkipped, got.Result)
			assert.Equal(t, "already mapped", got.Reason)
			assert.Empty(t, got.Error)

			m, err := repo.FindMapping(ctx, rec.Key())
			require.NoError(t, err)
			assert.Equal(t, winner.IdentityID, m.IdentityID)

			after, err := repo.ListAuditEntries(ctx, identity.AuditFilter{})
			require.NoError(t, err)
			assert.Len(t, after, len(before))
		})
	}
}

func TestQueue_SupersedesMatchForOtherCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first := h.resolver.apply(ctx, scope, Outcome{Record: player(10, 2022, "Mike Williams", "WR", 0), Action: identity.ActionSkip}, Options{})
	second := h.resolver.apply(ctx, scope, Outcome{Record: player(11, 2022, "Mike Williams", "WR", 0), Action: identity.ActionSkip}, Options{})
	require.Equal(t, ResultCreated, first.Result)
	require.Equal(t, ResultCreated, second.Result)

	rec := player(12, 2023, "Mike Williams", "WR", 0)
	queue := func(t *testing.T, candidate int64) Outcome {
		t.Helper()
		o, err := h.resolver.queue(ctx, scope, Outcome{Record: rec, Action: identity.ActionManualReview, CandidateID: candidate, Confidence: 0.6})
		require.NoError(t, err)
		require.Equal(t, ResultQueued, o.Result)
		return o
	}

	stale := queue(t, first.IdentityID)
	current := queue(t, second.IdentityID)
	assert.NotEqual(t, stale.MatchID, current.MatchID)

	t.Run("same candidate reuses the pending match", func(t *testing.T) {
		again := queue(t, second.IdentityID)
		assert.Equal(t, current.MatchID, again.MatchID)
	})

	pending, err := h.resolver.GetIdentityMatches(ctx, scope, identity.MatchPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, current.MatchID, pending[0].ID)
	assert.Equal(t, second.IdentityID, pending[0].CandidateID)

	found, err := h.repo.FindPendingMatch(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, current.MatchID, found.ID)

	rejected, err := h.resolver.GetIdentityMatches(ctx, scope, identity.MatchRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, stale.MatchID, rejected[0].ID)
	assert.Equal(t, SystemActor, rejected[0].DecidedBy)
}
