package identity

import "time"

// Action is the policy outcome for a scored candidate.
type Action string

const (
	ActionAutoApproveHigh Action = "auto_approve_high"
	ActionAutoApprove     Action = "auto_approve"
	ActionManualReview    Action = "manual_review"
	ActionManualReviewLow Action = "manual_review_low"
	ActionSkip            Action = "skip"
)

// IsAutoApprove reports whether the action commits without review.
func (a Action) IsAutoApprove() bool {
	return a == ActionAutoApproveHigh || a == ActionAutoApprove
}

// IsManualReview reports whether the action queues a pending match.
func (a Action) IsManualReview() bool {
	return a == ActionManualReview || a == ActionManualReviewLow
}

// Rank orders actions from skip (0) to auto_approve_high (4).
func (a Action) Rank() int {
	switch a {
	case ActionManualReviewLow:
		return 1
	case ActionManualReview:
		return 2
	case ActionAutoApprove:
		return 3
	case ActionAutoApproveHigh:
		return 4
	default:
		return 0
	}
}

// ConfidenceFactors are the independently computed signals for one
// record/candidate pair. Required factors are in [0,1]; optional signals are
// nil when absent.
type ConfidenceFactors struct {
	NameSimilarity        float64  `json:"name_similarity" validate:"gte=0,lte=1"`
	PositionMatch         float64  `json:"position_match" validate:"gte=0,lte=1"`
	TeamContinuity        float64  `json:"team_continuity" validate:"gte=0,lte=1"`
	StatisticalSimilarity float64  `json:"statistical_similarity" validate:"gte=0,lte=1"`
	DraftSignal           *float64 `json:"draft_signal,omitempty" validate:"omitempty,gte=0,lte=1"`
	OwnershipSignal       *float64 `json:"ownership_signal,omitempty" validate:"omitempty,gte=0,lte=1"`
	SeasonPerformance     *float64 `json:"season_performance,omitempty" validate:"omitempty,gte=0,lte=1"`

	// StatisticalUnavailable marks a degraded statistics signal.
	StatisticalUnavailable bool `json:"statistical_unavailable,omitempty"`
	// SeasonConflict marks a candidate already mapped in the record's season.
	SeasonConflict bool `json:"season_conflict,omitempty"`
}

// MatchStatus is the review state of an IdentityMatch.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchApproved MatchStatus = "approved"
	MatchRejected MatchStatus = "rejected"
	// MatchMerged marks an approval redirected to the identity the candidate
	// had been merged into.
	MatchMerged MatchStatus = "merged"
)

// Valid reports whether s is a known status.
func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPending, MatchApproved, MatchRejected, MatchMerged:
		return true
	}
	return false
}

// IdentityMatch is a candidate pairing awaiting a human decision.
type IdentityMatch struct {
	ID          int64             `json:"id"`
	ScopeID     string            `json:"scope_id"`
	Record      SourceRecord      `json:"record"`
	CandidateID int64             `json:"candidate_id"`
	Confidence  float64           `json:"confidence"`
	Action      Action            `json:"action"`
	Factors     ConfidenceFactors `json:"factors"`
	Status      MatchStatus       `json:"status"`
	DecidedBy   string            `json:"decided_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
}

// MatchFilter selects identity matches. Empty fields match everything.
type MatchFilter struct {
	ScopeID string
	Status  MatchStatus
	Limit   int
	Offset  int
}
