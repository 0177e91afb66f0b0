package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

func ptr(v float64) *float64 { return &v }

func TestCalculate(t *testing.T) {
	s := Must(DefaultConfig())

	tests := []struct {
		name    string
		factors identity.ConfidenceFactors
		want    float64
	}{
		{"all perfect", identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, TeamContinuity: 1, StatisticalSimilarity: 1}, 1},
		{"all zero", identity.ConfidenceFactors{}, 0},
		{"name only", identity.ConfidenceFactors{NameSimilarity: 1}, 0.40},
		{"mike williams", identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, StatisticalSimilarity: 0.1}, 0.625},
		{"optional signal renormalized", identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, TeamContinuity: 1, StatisticalSimilarity: 1, DraftSignal: ptr(0)}, 1 / 1.05},
		{"all optional present", identity.ConfidenceFactors{
			NameSimilarity: 1, PositionMatch: 1, TeamContinuity: 1, StatisticalSimilarity: 1,
			DraftSignal: ptr(1), OwnershipSignal: ptr(1), SeasonPerformance: ptr(1),
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Calculate(tt.factors)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCalculate_Validation(t *testing.T) {
	s := Must(DefaultConfig())
	bad := []identity.ConfidenceFactors{
		{NameSimilarity: 1.2},
		{PositionMatch: -0.1},
		{StatisticalSimilarity: math.NaN()},
		{DraftSignal: ptr(2)},
	}
	for _, f := range bad {
		_, err := s.Calculate(f)
		assert.True(t, cierrors.IsValidation(err), "factors %+v", f)
	}
}

func TestDetermineAction(t *testing.T) {
	s := Must(DefaultConfig())
	tests := []struct {
		c    float64
		want identity.Action
	}{
		{1.0, identity.ActionAutoApproveHigh},
		{0.90, identity.ActionAutoApproveHigh},
		{0.8999, identity.ActionAutoApprove},
		{0.75, identity.ActionAutoApprove},
		{0.74, identity.ActionManualReview},
		{0.50, identity.ActionManualReview},
		{0.49, identity.ActionManualReviewLow},
		{0.25, identity.ActionManualReviewLow},
		{0.2499, identity.ActionSkip},
		{0, identity.ActionSkip},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.DetermineAction(tt.c), "confidence %v", tt.c)
	}
}

func TestDetermineAction_Monotonic(t *testing.T) {
	s := Must(DefaultConfig())
	prev := s.DetermineAction(0).Rank()
	for i := 1; i <= 1000; i++ {
		r := s.DetermineAction(float64(i) / 1000).Rank()
		require.GreaterOrEqual(t, r, prev, "confidence %v", float64(i)/1000)
		prev = r
	}
}

func TestDecide_SafetyRules(t *testing.T) {
	s := Must(DefaultConfig())
	strong := identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, TeamContinuity: 1, StatisticalSimilarity: 0.2}

	d, err := s.Decide(strong)
	require.NoError(t, err)
	assert.Equal(t, identity.ActionAutoApprove, d.Action)
	assert.False(t, d.Forced)

	strong.StatisticalUnavailable = true
	d, err = s.Decide(strong)
	require.NoError(t, err)
	assert.Equal(t, identity.ActionAutoApprove, d.Band)
	assert.Equal(t, identity.ActionManualReview, d.Action)
	assert.True(t, d.Forced)

	conflict := identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, StatisticalSimilarity: 1, SeasonConflict: true}
	d, err = s.Decide(conflict)
	require.NoError(t, err)
	assert.Equal(t, identity.ActionManualReview, d.Action)
	assert.Contains(t, d.Reason, "season")

	weak := identity.ConfidenceFactors{NameSimilarity: 0.5, StatisticalUnavailable: true}
	d, err = s.Decide(weak)
	require.NoError(t, err)
	assert.Equal(t, identity.ActionSkip, d.Action, "safety rules never raise an action")
	assert.False(t, d.Forced)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative weight", func(c *Config) { c.Weights.PositionMatch = -1 }},
		{"zero required weights", func(c *Config) { c.Weights = Weights{Draft: 1} }},
		{"threshold above one", func(c *Config) { c.Thresholds.AutoApproveHigh = 1.5 }},
		{"bands not decreasing", func(c *Config) { c.Thresholds.ManualReview = 0.8 }},
		{"zero threshold", func(c *Config) { c.Thresholds.ManualReviewLow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.True(t, cierrors.IsValidation(err))
		})
	}
}

func TestCustomWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{NameSimilarity: 1}
	s := Must(cfg)
	c, err := s.Calculate(identity.ConfidenceFactors{NameSimilarity: 0.8, PositionMatch: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, c, 1e-9)
}

func TestExplain(t *testing.T) {
	s := Must(DefaultConfig())

	f := identity.ConfidenceFactors{NameSimilarity: 1, PositionMatch: 1, TeamContinuity: 0, StatisticalSimilarity: 0.1}
	score, err := s.Calculate(f)
	require.NoError(t, err)
	e := s.Explain(f, score)

	assert.Equal(t, identity.ActionManualReview, e.Action)
	assert.Len(t, e.Strengths, 2)
	assert.Len(t, e.Weaknesses, 2)
	assert.Contains(t, e.Suggestions, "Review the candidate before approving")

	f.StatisticalUnavailable = true
	f.TeamContinuity = 1
	f.StatisticalSimilarity = 0
	f.DraftSignal = ptr(1)
	score, err = s.Calculate(f)
	require.NoError(t, err)
	e = s.Explain(f, score)
	assert.Equal(t, identity.ActionManualReview, e.Action)
	assert.Contains(t, e.Weaknesses, "statistical signal unavailable")
	assert.Contains(t, e.Suggestions, "Held for review: statistical signal unavailable")

	e = s.Explain(identity.ConfidenceFactors{}, 0)
	assert.Equal(t, identity.ActionSkip, e.Action)
	assert.NotEmpty(t, e.Suggestions)
}
