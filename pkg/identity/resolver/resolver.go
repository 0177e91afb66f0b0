// Package resolver reconciles per-season source records into canonical
// identities and applies the manual corrections made by reviewers.
//
// A run proceeds group by group:
//  1. Load the candidate pool of active identities of the group's kind
//  2. Score every record against the pool in parallel
//  3. Apply each decision serially under the candidate's identity lock
//
// Cancellation is checked between groups; a group that has started scoring
// runs to completion.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/audit"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/identity/matcher"
	"github.com/otherjamesbrown/canonid/pkg/identity/normalize"
	"github.com/otherjamesbrown/canonid/pkg/identity/scoring"
	"github.com/otherjamesbrown/canonid/pkg/identity/stats"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

// Resolver runs batch resolution and identity corrections.
type Resolver struct {
	config     Config
	repo       identity.Repository
	source     identity.RecordSource
	stats      stats.Provider
	normalizer *normalize.Normalizer
	matcher    *matcher.Matcher
	scorer     *scoring.Scorer
	locker     locks.Locker
	audit      *audit.Logger
	publisher  observability.EventPublisher
	logger     logging.Logger
	metrics    *observability.ResolutionMetrics
	tracer     *observability.Tracer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(r *Resolver) { r.config = cfg }
}

// WithStats sets the statistics provider. Without one every statistics signal
// is unavailable and nothing is auto-approved.
func WithStats(p stats.Provider) Option {
	return func(r *Resolver) { r.stats = p }
}

// WithNormalizer replaces the default name normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(r *Resolver) { r.normalizer = n }
}

// WithMatcher replaces the default fuzzy matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(r *Resolver) { r.matcher = m }
}

// WithScorer replaces the default confidence scorer.
func WithScorer(s *scoring.Scorer) Option {
	return func(r *Resolver) { r.scorer = s }
}

// WithLocker sets the per-identity lock. Every process mutating the same
// store must share it.
func WithLocker(l locks.Locker) Option {
	return func(r *Resolver) { r.locker = l }
}

// WithPublisher publishes committed audit entries.
func WithPublisher(p observability.EventPublisher) Option {
	return func(r *Resolver) { r.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.ResolutionMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithTracer sets the span source.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// New returns a Resolver over repo. source may be nil when only corrections
// and review are needed.
func New(repo identity.Repository, source identity.RecordSource, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		config:     DefaultConfig(),
		repo:       repo,
		source:     source,
		normalizer: normalize.New(),
		matcher:    matcher.New(matcher.DefaultConfig()),
		scorer:     scoring.Must(scoring.DefaultConfig()),
		locker:     locks.NewKeyedMutex(),
		logger:     logging.NewNopLogger(),
		tracer:     observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.config.Validate(); err != nil {
		return nil, err
	}
	if r.stats == nil {
		r.stats = stats.ProviderFunc(func(context.Context, identity.MappingKey) (*identity.StatisticalProfile, error) {
			return nil, cierrors.ErrExternalSignalUnavailable
		})
	}
	r.logger = r.logger.With(logging.F("component", "resolver"))
	r.audit = audit.NewLogger(repo, r.locker,
		audit.WithLogger(r.logger),
		audit.WithMetrics(r.metrics),
		audit.WithPublisher(r.publisher),
	)
	return r, nil
}

// Audit returns the audit logger shared by every mutation.
func (r *Resolver) Audit() *audit.Logger { return r.audit }

// ResolveIdentities resolves every source record in scope. Per-record
// failures are counted in the response; only a failure to read the records or
// the candidate pool aborts the run. The response is returned even then, with
// the work already committed.
func (r *Resolver) ResolveIdentities(ctx context.Context, scopeID string, opts Options) (*Response, error) {
	if r.source == nil {
		return nil, fmt.Errorf("resolver has no record source: %w", cierrors.ErrInvalidOperation)
	}
	start := time.Now()
	resp := &Response{
		RunID:   uuid.NewString(),
		ScopeID: scopeID,
		Status:  StatusCompleted,
		DryRun:  opts.DryRun,
		Matches: []Outcome{},
	}

	ctx = logging.WithRunID(ctx, resp.RunID)
	ctx, span := r.tracer.StartRunSpan(ctx, resp.RunID, scopeID)
	log := r.logger.WithContext(ctx).With(logging.F("scope_id", scopeID))

	var runErr error
	defer func() {
		resp.ExecutionTime = time.Since(start)
		r.metrics.RecordRun(scopeID, string(resp.Status), resp.ExecutionTime.Seconds())
		observability.EndSpan(span, runErr, string(cierrors.CodeOf(runErr)))
	}()

	log.Info("Starting resolution run",
		logging.F("seasons", opts.Seasons),
		logging.F("dry_run", opts.DryRun),
		logging.F("auto_approve", opts.autoApprove()),
	)

	records, err := r.source.ListSourceRecords(ctx, scopeID, opts.Seasons)
	if err != nil {
		runErr = fmt.Errorf("list source records: %w", err)
		resp.Status = StatusPartiallyFailed
		return resp, runErr
	}

	for _, group := range r.groups(records) {
		if ctx.Err() != nil {
			resp.Status = StatusCancelled
			log.Warn("Resolution run cancelled", logging.F("processed", resp.TotalProcessed))
			break
		}
		if err := r.resolveGroup(context.WithoutCancel(ctx), scopeID, group, opts, resp); err != nil {
			runErr = err
			resp.Status = StatusPartiallyFailed
			log.Error("Resolution run aborted", logging.Err(err))
			return resp, runErr
		}
	}
	if resp.Status == StatusCompleted && resp.Errors > 0 {
		resp.Status = StatusPartiallyFailed
	}

	if pending, err := r.repo.ListMatches(ctx, identity.MatchFilter{ScopeID: scopeID, Status: identity.MatchPending}); err == nil {
		r.metrics.SetPendingMatches(scopeID, len(pending))
	}

	log.Info("Resolution run finished",
		logging.F("status", string(resp.Status)),
		logging.F("total", resp.TotalProcessed),
		logging.F("auto_matched", resp.AutoMatched),
		logging.F("manual_review", resp.ManualReviewRequired),
		logging.F("new_identities", resp.NewIdentities),
		logging.F("skipped", resp.Skipped),
		logging.F("errors", resp.Errors),
		logging.F("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp, nil
}

// groups orders records by season, teams before players, then source id, and
// chunks each (season, kind) run by GroupSize. Teams resolve first so player
// continuity sees the season's team mappings.
func (r *Resolver) groups(records []identity.SourceRecord) [][]identity.SourceRecord {
	sorted := append([]identity.SourceRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		if a.Kind != b.Kind {
			return a.Kind == identity.KindTeam
		}
		return a.SourceID < b.SourceID
	})

	var out [][]identity.SourceRecord
	var cur []identity.SourceRecord
	for _, rec := range sorted {
		if len(cur) > 0 && (len(cur) >= r.config.GroupSize || cur[0].Season != rec.Season || cur[0].Kind != rec.Kind) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, rec)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (r *Resolver) resolveGroup(ctx context.Context, scopeID string, group []identity.SourceRecord, opts Options, resp *Response) error {
	ctx, span := r.tracer.StartGroupSpan(ctx, group[0].Season, len(group))
	defer span.End()

	var p *pool
	if group[0].Kind.Valid() {
		var err error
		if p, err = r.loadPool(ctx, scopeID, group[0].Kind); err != nil {
			return fmt.Errorf("load candidate pool: %w", err)
		}
	}

	outcomes := make([]Outcome, len(group))
	var g errgroup.Group
	g.SetLimit(r.config.Workers)
	for i, rec := range group {
		g.Go(func() error {
			outcomes[i] = r.evaluate(ctx, rec, p, opts)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.Result == "" {
			o = r.apply(ctx, scopeID, o, opts)
		}
		r.record(ctx, o, resp)
	}
	return nil
}

func (r *Resolver) record(ctx context.Context, o Outcome, resp *Response) {
	kind := string(o.Record.Kind)
	r.metrics.RecordOutcome(kind, string(o.Result))
	if o.Factors != nil {
		r.metrics.RecordConfidence(kind, o.Confidence)
		if o.Factors.StatisticalUnavailable {
			r.metrics.RecordSignalUnavailable(kind)
		}
	}
	if o.Result == ResultFailed {
		resp.ErrorDetails = append(resp.ErrorDetails, RecordError{
			Key:   o.Record.Key(),
			Code:  string(cierrors.CodeOf(o.err)),
			Error: o.Error,
		})
	}
	if o.Forced {
		r.logger.WithContext(ctx).Info("Forced record to manual review",
			logging.F("record", o.Record.Key().String()),
			logging.F("candidate_id", o.CandidateID),
			logging.F("confidence", o.Confidence),
			logging.F("reason", o.Reason),
		)
	}
	resp.tally(o)
}

// evaluate scores rec against the pool. It only reads. An outcome returned
// with a Result needs no apply step.
func (r *Resolver) evaluate(ctx context.Context, rec identity.SourceRecord, p *pool, opts Options) Outcome {
	o := Outcome{Record: rec}
	if !rec.Kind.Valid() {
		return r.failed(ctx, o, fmt.Errorf("record kind %q: %w", rec.Kind, cierrors.ErrValidation))
	}
	target := r.normalizer.Normalize(rec.Name)
	if target.IsEmpty() {
		return r.failed(ctx, o, fmt.Errorf("record %s has no usable name: %w", rec.Key(), cierrors.ErrValidation))
	}

	mapped := false
	existing, err := r.repo.FindMapping(ctx, rec.Key())
	switch {
	case err == nil:
		if opts.skipExisting() {
			o.Result = ResultSkipped
			o.IdentityID = existing.IdentityID
			o.Reason = "already mapped"
			return o
		}
		mapped = true
	case !errors.Is(err, cierrors.ErrNotFound):
		return r.failed(ctx, o, err)
	}
	if opts.skipExisting() {
		pending, err := r.repo.FindPendingMatch(ctx, rec.Key())
		switch {
		case err == nil:
			o.Result = ResultSkipped
			o.MatchID = pending.ID
			o.CandidateID = pending.CandidateID
			o.Reason = "pending review"
			return o
		case !errors.Is(err, cierrors.ErrNotFound):
			return r.failed(ctx, o, err)
		}
	}

	if err := r.score(ctx, &o, target, p); err != nil {
		return r.failed(ctx, o, err)
	}
	if o.Action != identity.ActionSkip && o.Confidence < opts.MinConfidence {
		o.Action = identity.ActionSkip
		o.Reason = fmt.Sprintf("confidence %.3f below minimum %.3f", o.Confidence, opts.MinConfidence)
	}
	if mapped {
		o.Result = ResultSkipped
		o.IdentityID = existing.IdentityID
		o.Reason = "already mapped"
	}
	return o
}

// score fills o with the best-scoring candidate. Statistics lookups for the
// record share one SignalTimeout budget.
func (r *Resolver) score(ctx context.Context, o *Outcome, target normalize.Name, p *pool) error {
	o.Action = identity.ActionSkip
	if p == nil {
		o.Reason = "no candidates"
		return nil
	}
	matches := r.matcher.BestMatchesByKey(target, p.names,
		matcher.WithThreshold(r.config.NameThreshold),
		matcher.WithMaxResults(r.config.MaxCandidates),
	)
	if len(matches) == 0 {
		o.Reason = "no candidates"
		return nil
	}

	sigCtx, cancel := context.WithTimeout(ctx, r.config.SignalTimeout)
	defer cancel()
	recProfile, err := r.stats.Profile(sigCtx, o.Record.Key())
	if err != nil {
		recProfile = nil
	}

	found := false
	var best scoring.Decision
	for _, m := range matches {
		f, err := r.factors(sigCtx, o.Record, p, m.Candidate.Key, m.Score, recProfile)
		if err != nil {
			return err
		}
		d, err := r.scorer.Decide(f)
		if err != nil {
			return err
		}
		if !found || d.Confidence > best.Confidence {
			found = true
			best = d
			factors := f
			o.CandidateID = m.Candidate.Key
			o.CandidateName = p.identities[m.Candidate.Key].CanonicalName
			o.Factors = &factors
		}
	}
	o.Confidence = best.Confidence
	o.Action = best.Action
	o.Forced = best.Forced
	o.Reason = best.Reason
	return nil
}

func (r *Resolver) failed(ctx context.Context, o Outcome, err error) Outcome {
	o.Result = ResultFailed
	o.Error = err.Error()
	o.err = err
	r.logger.WithContext(ctx).Warn("Failed to resolve record",
		logging.F("record", o.Record.Key().String()),
		logging.Err(err),
	)
	return o
}
