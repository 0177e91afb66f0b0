package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/stats"
)

const scope = "nfl"

type harness struct {
	resolver *Resolver
	repo     *identity.MemoryRepository
	source   *identity.MemoryRecordSource
	profiles stats.StaticProvider
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		repo:     identity.NewMemoryRepository(),
		source:   identity.NewMemoryRecordSource(),
		profiles: stats.StaticProvider{},
	}
	opts = append([]Option{WithStats(h.profiles)}, opts...)
	r, err := New(h.repo, h.source, opts...)
	require.NoError(t, err)
	h.resolver = r
	return h
}

func team(id int64, season int, name, code string) identity.SourceRecord {
	return identity.SourceRecord{Kind: identity.KindTeam, SourceID: id, Season: season, ScopeID: scope, Name: name, Position: code}
}

func player(id int64, season int, name, pos string, teamID int64) identity.SourceRecord {
	return identity.SourceRecord{Kind: identity.KindPlayer, SourceID: id, Season: season, ScopeID: scope, Name: name, Position: pos, TeamSourceID: teamID}
}

func (h *harness) profile(rec identity.SourceRecord, gp int, total float64) {
	avg := 0.0
	if gp > 0 {
		avg = total / float64(gp)
	}
	h.profiles[rec.Key()] = identity.StatisticalProfile{GamesPlayed: gp, TotalPoints: total, AveragePoints: avg}
}

func (h *harness) run(t *testing.T, opts Options, seasons ...int) *Response {
	t.Helper()
	opts.Seasons = seasons
	resp, err := h.resolver.ResolveIdentities(context.Background(), scope, opts)
	require.NoError(t, err)
	return resp
}

func (h *harness) mapping(t *testing.T, rec identity.SourceRecord) *identity.Mapping {
	t.Helper()
	m, err := h.repo.FindMapping(context.Background(), rec.Key())
	require.NoError(t, err)
	return m
}

func outcomeFor(t *testing.T, resp *Response, rec identity.SourceRecord) Outcome {
	t.Helper()
	for _, o := range resp.Matches {
		if o.Record.Key() == rec.Key() {
			return o
		}
	}
	t.Fatalf("no outcome for %s", rec.Key())
	return Outcome{}
}

func mahomesSeasons(h *harness) (patrick, pat identity.SourceRecord) {
	kc22, kc23 := team(12, 2022, "Kansas City Chiefs", "KC"), team(12, 2023, "Kansas City Chiefs", "KC")
	patrick = player(111, 2022, "Patrick Mahomes", "QB", 12)
	pat = player(111, 2023, "Pat Mahomes", "QB", 12)
	h.source.Add(kc22, kc23, patrick, pat)
	h.profile(kc22, 17, 496)
	h.profile(kc23, 17, 496)
	return patrick, pat
}

func TestResolve_CreatesIdentitiesForFirstSeason(t *testing.T) {
	h := newHarness(t)
	patrick, _ := mahomesSeasons(h)

	resp := h.run(t, Options{}, 2022)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 2, resp.TotalProcessed)
	assert.Equal(t, 2, resp.NewIdentities)
	assert.NotEmpty(t, resp.RunID)

	m := h.mapping(t, patrick)
	assert.Equal(t, identity.MethodNew, m.Method)
	ident, err := h.repo.GetIdentity(context.Background(), m.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, "Patrick Mahomes", ident.CanonicalName)

	entries, err := h.resolver.ListAuditEntries(context.Background(), identity.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, identity.AuditCreate, entries[0].Action)
	assert.Equal(t, SystemActor, entries[0].Actor)
}

func TestResolve_MahomesAutoApproves(t *testing.T) {
	h := newHarness(t)
	patrick, pat := mahomesSeasons(h)
	h.profiles[patrick.Key()] = identity.StatisticalProfile{GamesPlayed: 17, TotalPoints: 417, AveragePoints: 24.5}
	h.profiles[pat.Key()] = identity.StatisticalProfile{GamesPlayed: 17, TotalPoints: 400, AveragePoints: 23.5}

	h.run(t, Options{}, 2022)
	original := h.mapping(t, patrick).IdentityID

	resp := h.run(t, Options{}, 2023)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 2, resp.AutoMatched)
	assert.Zero(t, resp.NewIdentities)

	o := outcomeFor(t, resp, pat)
	assert.Equal(t, identity.ActionAutoApprove, o.Action)
	assert.Equal(t, ResultAutoMatched, o.Result)
	assert.GreaterOrEqual(t, o.Confidence, 0.75)
	assert.Less(t, o.Confidence, 0.90)
	require.NotNil(t, o.Factors)
	assert.Equal(t, 1.0, o.Factors.TeamContinuity)
	assert.InDelta(t, 0.5733, o.Factors.NameSimilarity, 0.001)

	m := h.mapping(t, pat)
	assert.Equal(t, original, m.IdentityID)
	assert.Equal(t, identity.MethodAuto, m.Method)

	players, err := h.repo.ListActiveIdentities(context.Background(), scope, identity.KindPlayer)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "Patrick Mahomes", players[0].CanonicalName, "the seeded name has the highest confidence")
}

func mikeWilliams(h *harness) (tampa, chargers identity.SourceRecord) {
	tb22, lac22, lac23 := team(27, 2022, "Tampa Bay Buccaneers", "TB"), team(24, 2022, "Los Angeles Chargers", "LAC"), team(24, 2023, "Los Angeles Chargers", "LAC")
	tampa = player(81, 2022, "Mike Williams", "WR", 27)
	chargers = player(82, 2023, "Mike Williams", "WR", 24)
	h.source.Add(tb22, lac22, lac23, tampa, chargers)
	h.profile(lac22, 17, 300)
	h.profile(lac23, 17, 300)
	h.profile(tampa, 17, 255)
	h.profile(chargers, 2, 2)
	return tampa, chargers
}

func TestResolve_MikeWilliamsNeedsReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tampa, chargers := mikeWilliams(h)
	h.run(t, Options{}, 2022)

	resp := h.run(t, Options{}, 2023)
	o := outcomeFor(t, resp, chargers)
	assert.Equal(t, ResultQueued, o.Result)
	assert.True(t, o.Action.IsManualReview(), "got %s", o.Action)
	assert.GreaterOrEqual(t, o.Confidence, 0.25)
	assert.Less(t, o.Confidence, 0.75)
	assert.Equal(t, 0.0, o.Factors.TeamContinuity)
	assert.Equal(t, h.mapping(t, tampa).IdentityID, o.CandidateID)
	assert.Equal(t, 1, resp.ManualReviewRequired)

	_, err := h.repo.FindMapping(ctx, chargers.Key())
	assert.ErrorIs(t, err, cierrors.ErrNotFound, "a queued match must not touch the graph")

	pending, err := h.resolver.GetIdentityMatches(ctx, scope, identity.MatchPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, o.MatchID, pending[0].ID)
	assert.Equal(t, chargers, pending[0].Record)
}

func TestResolve_RerunIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mikeWilliams(h)
	h.run(t, Options{}, 2022)
	h.run(t, Options{}, 2023)

	entries, err := h.resolver.ListAuditEntries(ctx, identity.AuditFilter{})
	require.NoError(t, err)
	matches, err := h.resolver.GetIdentityMatches(ctx, scope, "")
	require.NoError(t, err)
	players, err := h.repo.ListActiveIdentities(ctx, scope, identity.KindPlayer)
	require.NoError(t, err)

	resp := h.run(t, Options{})
	assert.Equal(t, resp.TotalProcessed, resp.Skipped)
	assert.Zero(t, resp.AutoMatched+resp.ManualReviewRequired+resp.NewIdentities)

	entriesAfter, err := h.resolver.ListAuditEntries(ctx, identity.AuditFilter{})
	require.NoError(t, err)
	matchesAfter, err := h.resolver.GetIdentityMatches(ctx, scope, "")
	require.NoError(t, err)
	playersAfter, err := h.repo.ListActiveIdentities(ctx, scope, identity.KindPlayer)
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entries))
	assert.Len(t, matchesAfter, len(matches))
	assert.Len(t, playersAfter, len(players))
}

func TestResolve_UnavailableStatsForceReview(t *testing.T) {
	h := newHarness(t)
	h.source.Add(
		team(12, 2022, "Kansas City Chiefs", "KC"), team(12, 2023, "Kansas City Chiefs", "KC"),
		player(111, 2022, "Patrick Mahomes", "QB", 12), player(111, 2023, "Patrick Mahomes", "QB", 12),
	)
	h.profile(team(12, 2022, "", ""), 17, 496)
	h.profile(team(12, 2023, "", ""), 17, 496)
	h.run(t, Options{}, 2022)

	resp := h.run(t, Options{}, 2023)
	o := outcomeFor(t, resp, player(111, 2023, "", "", 0))
	assert.Equal(t, identity.ActionManualReview, o.Action)
	assert.True(t, o.Forced)
	assert.True(t, o.Factors.StatisticalUnavailable)
	assert.Equal(t, ResultQueued, o.Result)
	assert.GreaterOrEqual(t, o.Confidence, 0.75, "the band alone would have auto-approved")
	assert.Equal(t, 1, resp.SignalsUnavailable)
	assert.Zero(t, resp.Errors)
}

func TestResolve_AutoApproveDisabledQueues(t *testing.T) {
	h := newHarness(t)
	_, pat := mahomesSeasons(h)
	h.profile(player(111, 2022, "", "", 0), 17, 417)
	h.profile(pat, 17, 400)
	h.run(t, Options{}, 2022)

	resp := h.run(t, Options{AutoApprove: Bool(false)}, 2023)
	assert.Zero(t, resp.AutoMatched)
	assert.Equal(t, 2, resp.ManualReviewRequired)
	o := outcomeFor(t, resp, pat)
	assert.Equal(t, identity.ActionAutoApprove, o.Action)
	assert.Equal(t, ResultQueued, o.Result)
}

func TestResolve_MinConfidenceSkipsToNewIdentity(t *testing.T) {
	h := newHarness(t)
	_, chargers := mikeWilliams(h)
	h.run(t, Options{}, 2022)

	resp := h.run(t, Options{MinConfidence: 0.8}, 2023)
	o := outcomeFor(t, resp, chargers)
	assert.Equal(t, identity.ActionSkip, o.Action)
	assert.Equal(t, ResultCreated, o.Result)
	assert.Contains(t, o.Reason, "below minimum")
	assert.NotEqual(t, o.CandidateID, h.mapping(t, chargers).IdentityID)
}

func TestResolve_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mahomesSeasons(h)

	resp := h.run(t, Options{DryRun: true}, 2022)
	assert.True(t, resp.DryRun)
	assert.Equal(t, 2, resp.NewIdentities)

	entries, err := h.resolver.ListAuditEntries(ctx, identity.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	active, err := h.repo.ListActiveIdentities(ctx, scope, identity.KindTeam)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestResolve_MalformedRecordCountsAsError(t *testing.T) {
	h := newHarness(t)
	h.source.Add(team(1, 2022, "Kansas City Chiefs", "KC"), team(2, 2022, "!!!", ""))

	resp := h.run(t, Options{}, 2022)
	assert.Equal(t, StatusPartiallyFailed, resp.Status)
	assert.Equal(t, 1, resp.Errors)
	assert.Equal(t, 1, resp.NewIdentities)
	require.Len(t, resp.ErrorDetails, 1)
	assert.Equal(t, string(cierrors.CodeValidation), resp.ErrorDetails[0].Code)
}

type failingSource struct{ err error }

func (f failingSource) ListSourceRecords(context.Context, string, []int) ([]identity.SourceRecord, error) {
	return nil, f.err
}

func TestResolve_SourceFailureAborts(t *testing.T) {
	repo := identity.NewMemoryRepository()
	r, err := New(repo, failingSource{err: cierrors.ErrInvalidState})
	require.NoError(t, err)

	resp, err := r.ResolveIdentities(context.Background(), scope, Options{})
	assert.ErrorIs(t, err, cierrors.ErrInvalidState)
	require.NotNil(t, resp)
	assert.Equal(t, StatusPartiallyFailed, resp.Status)
}

func TestResolve_CancellationStopsAtGroupBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	provider := stats.ProviderFunc(func(context.Context, identity.MappingKey) (*identity.StatisticalProfile, error) {
		once.Do(cancel)
		return &identity.StatisticalProfile{GamesPlayed: 1, TotalPoints: 1, AveragePoints: 1}, nil
	})
	repo := identity.NewMemoryRepository()
	source := identity.NewMemoryRecordSource(
		team(1, 2022, "Chiefs", "KC"),
		team(2, 2022, "Chiefs", "KC"),
		team(3, 2022, "Chiefs", "KC"),
	)
	r, err := New(repo, source, WithStats(provider), WithConfig(Config{GroupSize: 1}))
	require.NoError(t, err)

	resp, err := r.ResolveIdentities(ctx, scope, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)
	assert.Equal(t, 2, resp.TotalProcessed, "the group in flight finishes")

	_, err = repo.FindMapping(context.Background(), team(1, 2022, "", "").Key())
	assert.NoError(t, err, "committed work is kept")
}

func TestGroups_Ordering(t *testing.T) {
	r, err := New(identity.NewMemoryRepository(), nil, WithConfig(Config{GroupSize: 2}))
	require.NoError(t, err)

	groups := r.groups([]identity.SourceRecord{
		player(5, 2023, "e", "", 0),
		player(3, 2022, "c", "", 0),
		team(9, 2022, "t", ""),
		player(1, 2022, "a", "", 0),
		player(2, 2022, "b", "", 0),
	})
	require.Len(t, groups, 4)
	assert.Equal(t, identity.KindTeam, groups[0][0].Kind)
	assert.Equal(t, []int64{1, 2}, []int64{groups[1][0].SourceID, groups[1][1].SourceID})
	assert.Equal(t, int64(3), groups[2][0].SourceID)
	assert.Equal(t, 2023, groups[3][0].Season)
}

func TestStatisticalSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b identity.StatisticalProfile
		want float64
	}{
		{"identical", identity.StatisticalProfile{GamesPlayed: 17, AveragePoints: 20}, identity.StatisticalProfile{GamesPlayed: 17, AveragePoints: 20}, 1},
		{"both zero", identity.StatisticalProfile{}, identity.StatisticalProfile{}, 1},
		{"half games", identity.StatisticalProfile{GamesPlayed: 8, AveragePoints: 10}, identity.StatisticalProfile{GamesPlayed: 16, AveragePoints: 10}, 0.85},
		{"one empty", identity.StatisticalProfile{GamesPlayed: 10, AveragePoints: 10}, identity.StatisticalProfile{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, StatisticalSimilarity(tt.a, tt.b), 1e-9)
			assert.InDelta(t, tt.want, StatisticalSimilarity(tt.b, tt.a), 1e-9)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Workers: 2}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, DefaultConfig().GroupSize, cfg.GroupSize)
	assert.Equal(t, 2*time.Second, cfg.SignalTimeout)

	bad := Config{Workers: -1}
	assert.ErrorIs(t, bad.Validate(), cierrors.ErrValidation)
	bad = Config{NameThreshold: 1.5}
	assert.ErrorIs(t, bad.Validate(), cierrors.ErrValidation)
}
