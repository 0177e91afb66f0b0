package scoring

import (
	"fmt"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// Weights are the relative weights of each confidence factor. Optional
// weights only count when the matching factor is present.
type Weights struct {
	NameSimilarity        float64 `yaml:"name_similarity" validate:"gte=0"`
	PositionMatch         float64 `yaml:"position_match" validate:"gte=0"`
	TeamContinuity        float64 `yaml:"team_continuity" validate:"gte=0"`
	StatisticalSimilarity float64 `yaml:"statistical_similarity" validate:"gte=0"`
	Draft                 float64 `yaml:"draft" validate:"gte=0"`
	Ownership             float64 `yaml:"ownership" validate:"gte=0"`
	SeasonPerformance     float64 `yaml:"season_performance" validate:"gte=0"`
}

// Thresholds are the lower bounds of each action band, evaluated high to low.
type Thresholds struct {
	AutoApproveHigh float64 `yaml:"auto_approve_high" validate:"gt=0,lte=1"`
	AutoApprove     float64 `yaml:"auto_approve" validate:"gt=0,lte=1"`
	ManualReview    float64 `yaml:"manual_review" validate:"gt=0,lte=1"`
	ManualReviewLow float64 `yaml:"manual_review_low" validate:"gt=0,lte=1"`
}

// Config holds scorer configuration.
type Config struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultWeights returns the standard factor weights.
func DefaultWeights() Weights {
	return Weights{
		NameSimilarity:        0.40,
		PositionMatch:         0.20,
		TeamContinuity:        0.15,
		StatisticalSimilarity: 0.25,
		Draft:                 0.05,
		Ownership:             0.05,
		SeasonPerformance:     0.10,
	}
}

// DefaultThresholds returns the standard action bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApproveHigh: 0.90,
		AutoApprove:     0.75,
		ManualReview:    0.50,
		ManualReviewLow: 0.25,
	}
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), Thresholds: DefaultThresholds()}
}

// Validate checks field ranges, that the required weights are not all zero
// and that the bands are strictly decreasing.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("scoring config: %s: %w", describe(err), cierrors.ErrValidation)
	}
	w := c.Weights
	if w.NameSimilarity+w.PositionMatch+w.TeamContinuity+w.StatisticalSimilarity == 0 {
		return fmt.Errorf("scoring config: required weights are all zero: %w", cierrors.ErrValidation)
	}
	t := c.Thresholds
	if !(t.AutoApproveHigh > t.AutoApprove && t.AutoApprove > t.ManualReview && t.ManualReview > t.ManualReviewLow) {
		return fmt.Errorf("scoring config: thresholds must be strictly decreasing, got %.2f/%.2f/%.2f/%.2f: %w",
			t.AutoApproveHigh, t.AutoApprove, t.ManualReview, t.ManualReviewLow, cierrors.ErrValidation)
	}
	return nil
}
