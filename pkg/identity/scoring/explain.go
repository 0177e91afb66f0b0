package scoring

import (
	"fmt"

	"github.com/otherjamesbrown/canonid/pkg/identity"
)

const (
	strongFactor = 0.8
	weakFactor   = 0.5
)

// Explanation is a human-readable justification of a score.
type Explanation struct {
	Confidence  float64         `json:"confidence"`
	Action      identity.Action `json:"action"`
	Strengths   []string        `json:"strengths"`
	Weaknesses  []string        `json:"weaknesses"`
	Suggestions []string        `json:"suggestions"`
}

// Explain describes how factors produced score. It only reads its arguments.
func (s *Scorer) Explain(f identity.ConfidenceFactors, score float64) Explanation {
	d := s.decide(f, score)
	e := Explanation{
		Confidence:  score,
		Action:      d.Action,
		Strengths:   []string{},
		Weaknesses:  []string{},
		Suggestions: []string{},
	}

	grade := func(label string, v float64, weakHint string) {
		switch {
		case v >= strongFactor:
			e.Strengths = append(e.Strengths, fmt.Sprintf("%s is strong (%.2f)", label, v))
		case v < weakFactor:
			e.Weaknesses = append(e.Weaknesses, fmt.Sprintf("%s is weak (%.2f)", label, v))
			if weakHint != "" {
				e.Suggestions = append(e.Suggestions, weakHint)
			}
		}
	}

	grade("name similarity", f.NameSimilarity, "Confirm the name variant (nickname, transliteration or typo)")
	grade("position match", f.PositionMatch, "Check whether the position changed between seasons")
	if f.SeasonConflict {
		e.Weaknesses = append(e.Weaknesses, "candidate already has a mapping in this season")
		e.Suggestions = append(e.Suggestions, "Two records in one season usually mean two different entities")
	} else {
		grade("team continuity", f.TeamContinuity, "Check roster history for a trade or relocation")
	}
	if f.StatisticalUnavailable {
		e.Weaknesses = append(e.Weaknesses, "statistical signal unavailable")
		e.Suggestions = append(e.Suggestions, "Compare season statistics manually before approving")
	} else {
		grade("statistical similarity", f.StatisticalSimilarity, "Compare season statistics for a role change")
	}
	if f.DraftSignal != nil {
		grade("draft signal", *f.DraftSignal, "")
	}
	if f.OwnershipSignal != nil {
		grade("ownership signal", *f.OwnershipSignal, "")
	}
	if f.SeasonPerformance != nil {
		grade("season performance", *f.SeasonPerformance, "")
	}

	switch {
	case d.Forced:
		e.Suggestions = append(e.Suggestions, fmt.Sprintf("Held for review: %s", d.Reason))
	case d.Action.IsManualReview():
		e.Suggestions = append(e.Suggestions, "Review the candidate before approving")
	case d.Action == identity.ActionSkip:
		e.Suggestions = append(e.Suggestions, "No confident candidate; a new identity will be created")
	}
	return e
}
