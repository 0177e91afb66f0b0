package resolver

import (
	"context"
	"errors"
	"math"
	"strings"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// factors computes every signal for rec against candidate id. recProfile is
// nil when the record's own statistics could not be fetched.
func (r *Resolver) factors(ctx context.Context, rec identity.SourceRecord, p *pool, id int64, nameScore float64, recProfile *identity.StatisticalProfile) (identity.ConfidenceFactors, error) {
	f := identity.ConfidenceFactors{
		NameSimilarity: nameScore,
		SeasonConflict: p.mappedIn(id, rec.Season),
	}

	latest, ok := p.latest(id)
	if ok {
		f.PositionMatch = positionMatch(rec.Position, latest.Position)
	}

	continuity, err := r.continuity(ctx, rec, p, id, latest, ok)
	if err != nil {
		return f, err
	}
	f.TeamContinuity = continuity

	if recProfile == nil || !ok {
		f.StatisticalUnavailable = true
		return f, nil
	}
	candProfile, err := r.stats.Profile(ctx, latest.Key())
	if err != nil {
		f.StatisticalUnavailable = true
		return f, nil
	}
	applyProfiles(&f, recProfile, candProfile)
	return f, nil
}

func positionMatch(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a != "" && strings.EqualFold(a, b) {
		return 1
	}
	return 0
}

// continuity scores how well the candidate's history lines up with rec.
// Players compare canonical teams; teams compare source ids.
func (r *Resolver) continuity(ctx context.Context, rec identity.SourceRecord, p *pool, id int64, latest identity.Mapping, hasLatest bool) (float64, error) {
	if rec.Kind == identity.KindTeam {
		switch {
		case p.hasSource(id, rec.SourceID):
			return 1, nil
		case p.adjacent(id, rec.Season):
			return 0.5, nil
		}
		return 0, nil
	}

	if hasLatest {
		recTeam, recKnown, err := r.canonicalTeam(ctx, rec.TeamSourceID, rec.Season)
		if err != nil {
			return 0, err
		}
		candTeam, candKnown, err := r.canonicalTeam(ctx, latest.TeamSourceID, latest.Season)
		if err != nil {
			return 0, err
		}
		if recKnown && candKnown {
			if recTeam == candTeam {
				return 1, nil
			}
			return 0, nil
		}
	}
	if p.adjacent(id, rec.Season) {
		return 0.5, nil
	}
	return 0, nil
}

// canonicalTeam resolves a team source id in season to its terminal identity.
func (r *Resolver) canonicalTeam(ctx context.Context, teamSourceID int64, season int) (int64, bool, error) {
	if teamSourceID == 0 {
		return 0, false, nil
	}
	m, err := r.repo.FindMapping(ctx, identity.MappingKey{Kind: identity.KindTeam, SourceID: teamSourceID, Season: season})
	if errors.Is(err, cierrors.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	team, err := identity.Terminal(ctx, r.repo, m.IdentityID)
	if err != nil {
		return 0, false, err
	}
	return team.ID, true, nil
}

func applyProfiles(f *identity.ConfidenceFactors, a, b *identity.StatisticalProfile) {
	f.StatisticalSimilarity = StatisticalSimilarity(*a, *b)
	if a.DraftPick != nil && b.DraftPick != nil {
		v := 0.0
		if *a.DraftPick == *b.DraftPick {
			v = 1
		}
		f.DraftSignal = &v
	}
	if a.OwnershipPct != nil && b.OwnershipPct != nil {
		v := clamp(1 - math.Abs(*a.OwnershipPct-*b.OwnershipPct)/100)
		f.OwnershipSignal = &v
	}
	if a.GamesPlayed > 0 && b.GamesPlayed > 0 {
		v := ratio(a.TotalPoints, b.TotalPoints)
		f.SeasonPerformance = &v
	}
}

// StatisticalSimilarity compares two seasonal profiles: 70% closeness of
// average points, 30% overlap of games played.
func StatisticalSimilarity(a, b identity.StatisticalProfile) float64 {
	return clamp(0.7*ratio(a.AveragePoints, b.AveragePoints) +
		0.3*ratio(float64(a.GamesPlayed), float64(b.GamesPlayed)))
}

// ratio is 1 - |a-b|/max(a,b) over magnitudes, 1 when both are zero.
func ratio(a, b float64) float64 {
	a, b = math.Abs(a), math.Abs(b)
	hi := math.Max(a, b)
	if hi == 0 {
		return 1
	}
	return clamp(1 - math.Abs(a-b)/hi)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
