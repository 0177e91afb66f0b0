// Package scoring combines confidence factors into a single confidence value
// and maps it to a resolution action.
package scoring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Scorer computes confidence and actions. It is safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New returns a Scorer after validating cfg.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Must is New that panics on an invalid config.
func Must(cfg Config) *Scorer {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// ValidateFactors checks that every present factor lies in [0,1].
func ValidateFactors(f identity.ConfidenceFactors) error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("confidence factors: %s: %w", describe(err), cierrors.ErrValidation)
	}
	return nil
}

// Calculate returns the weighted mean of the present factors, in [0,1].
func (s *Scorer) Calculate(f identity.ConfidenceFactors) (float64, error) {
	if err := ValidateFactors(f); err != nil {
		return 0, err
	}
	w := s.cfg.Weights

	sum := w.NameSimilarity*f.NameSimilarity +
		w.PositionMatch*f.PositionMatch +
		w.TeamContinuity*f.TeamContinuity +
		w.StatisticalSimilarity*f.StatisticalSimilarity
	total := w.NameSimilarity + w.PositionMatch + w.TeamContinuity + w.StatisticalSimilarity

	optional := []struct {
		value  *float64
		weight float64
	}{
		{f.DraftSignal, w.Draft},
		{f.OwnershipSignal, w.Ownership},
		{f.SeasonPerformance, w.SeasonPerformance},
	}
	for _, o := range optional {
		if o.value != nil {
			sum += o.weight * *o.value
			total += o.weight
		}
	}

	c := sum / total
	if c > 1 {
		c = 1
	}
	return c, nil
}

// DetermineAction maps a confidence value to its band.
func (s *Scorer) DetermineAction(confidence float64) identity.Action {
	t := s.cfg.Thresholds
	switch {
	case confidence >= t.AutoApproveHigh:
		return identity.ActionAutoApproveHigh
	case confidence >= t.AutoApprove:
		return identity.ActionAutoApprove
	case confidence >= t.ManualReview:
		return identity.ActionManualReview
	case confidence >= t.ManualReviewLow:
		return identity.ActionManualReviewLow
	default:
		return identity.ActionSkip
	}
}

// Decision is a scored action after the safety rules.
type Decision struct {
	Confidence float64         `json:"confidence"`
	Band       identity.Action `json:"band"`
	Action     identity.Action `json:"action"`
	Forced     bool            `json:"forced,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Decide scores f and applies the safety rules: an auto-approve band reached
// with the statistical signal unavailable, or against a candidate already
// mapped in the record's season, becomes manual_review.
func (s *Scorer) Decide(f identity.ConfidenceFactors) (Decision, error) {
	c, err := s.Calculate(f)
	if err != nil {
		return Decision{}, err
	}
	return s.decide(f, c), nil
}

func (s *Scorer) decide(f identity.ConfidenceFactors, c float64) Decision {
	band := s.DetermineAction(c)
	d := Decision{Confidence: c, Band: band, Action: band}
	if !band.IsAutoApprove() {
		return d
	}
	switch {
	case f.SeasonConflict:
		d.Action, d.Forced = identity.ActionManualReview, true
		d.Reason = "candidate already has a mapping in this season"
	case f.StatisticalUnavailable:
		d.Action, d.Forced = identity.ActionManualReview, true
		d.Reason = "statistical signal unavailable"
	}
	return d
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return strings.Join(parts, "; ")
}
