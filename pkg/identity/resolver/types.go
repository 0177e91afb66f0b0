package resolver

import (
	"time"

	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// SystemActor is recorded on entries written by batch runs.
const SystemActor = "system:resolver"

// Options control one resolution run.
type Options struct {
	// Seasons restricts the run; empty means every season.
	Seasons []int
	// MinConfidence turns any best candidate below it into a skip.
	MinConfidence float64
	// AutoApprove commits auto-approve outcomes. When false they are queued
	// for review instead. Defaults to true.
	AutoApprove *bool
	// SkipExisting skips records that already have a mapping or a pending
	// match. Defaults to true.
	SkipExisting *bool
	// DryRun scores and reports without writing.
	DryRun bool
}

// Bool returns a pointer to v for Options fields.
func Bool(v bool) *bool { return &v }

func (o Options) autoApprove() bool  { return o.AutoApprove == nil || *o.AutoApprove }
func (o Options) skipExisting() bool { return o.SkipExisting == nil || *o.SkipExisting }

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusCompleted       RunStatus = "completed"
	StatusPartiallyFailed RunStatus = "partially_failed"
	StatusCancelled       RunStatus = "cancelled"
)

// Result is what a run did with one record.
type Result string

const (
	ResultAutoMatched Result = "auto_matched"
	ResultQueued      Result = "queued"
	ResultCreated     Result = "created"
	ResultSkipped     Result = "skipped"
	ResultFailed      Result = "failed"
)

// Outcome reports the decision for one record.
type Outcome struct {
	Record        identity.SourceRecord       `json:"record"`
	Result        Result                      `json:"result"`
	Action        identity.Action             `json:"action,omitempty"`
	Confidence    float64                     `json:"confidence"`
	CandidateID   int64                       `json:"candidate_id,omitempty"`
	CandidateName string                      `json:"candidate_name,omitempty"`
	IdentityID    int64                       `json:"identity_id,omitempty"`
	MatchID       int64                       `json:"match_id,omitempty"`
	Factors       *identity.ConfidenceFactors `json:"factors,omitempty"`
	Forced        bool                        `json:"forced,omitempty"`
	Reason        string                      `json:"reason,omitempty"`
	Error         string                      `json:"error,omitempty"`

	err error
}

// RecordError describes a record that could not be resolved.
type RecordError struct {
	Key   identity.MappingKey `json:"key"`
	Code  string              `json:"code"`
	Error string              `json:"error"`
}

// Response summarizes a run. Counts from a dry run describe what would have
// been written.
type Response struct {
	RunID                string        `json:"run_id"`
	ScopeID              string        `json:"scope_id"`
	Status               RunStatus     `json:"status"`
	DryRun               bool          `json:"dry_run,omitempty"`
	TotalProcessed       int           `json:"total_processed"`
	AutoMatched          int           `json:"auto_matched"`
	ManualReviewRequired int           `json:"manual_review_required"`
	NewIdentities        int           `json:"new_identities"`
	Skipped              int           `json:"skipped"`
	SignalsUnavailable   int           `json:"signals_unavailable"`
	Errors               int           `json:"errors"`
	ErrorDetails         []RecordError `json:"error_details,omitempty"`
	Matches              []Outcome     `json:"matches"`
	ExecutionTime        time.Duration `json:"execution_time"`
}

func (r *Response) tally(o Outcome) {
	r.TotalProcessed++
	switch o.Result {
	case ResultAutoMatched:
		r.AutoMatched++
	case ResultQueued:
		r.ManualReviewRequired++
	case ResultCreated:
		r.NewIdentities++
	case ResultSkipped:
		r.Skipped++
	case ResultFailed:
		r.Errors++
	}
	if o.Factors != nil && o.Factors.StatisticalUnavailable {
		r.SignalsUnavailable++
	}
	r.Matches = append(r.Matches, o)
}
