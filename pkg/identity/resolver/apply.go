package resolver

import (
	"context"
	"errors"
	"fmt"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/audit"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
)

// demotion aborts an auto-approve whose candidate no longer qualifies.
type demotion struct{ reason string }

func (d *demotion) Error() string { return d.reason }

// errAlreadyMapped reports a record mapped by another writer since scoring.
var errAlreadyMapped = errors.New("record mapped concurrently")

// apply commits one decision. It must run serially within a group.
func (r *Resolver) apply(ctx context.Context, scopeID string, o Outcome, opts Options) Outcome {
	if opts.DryRun {
		switch {
		case o.Action.IsAutoApprove() && opts.autoApprove():
			o.Result = ResultAutoMatched
			o.IdentityID = o.CandidateID
		case o.Action == identity.ActionSkip:
			o.Result = ResultCreated
		default:
			o.Result = ResultQueued
		}
		return o
	}

	var err error
	switch {
	case o.Action.IsAutoApprove() && opts.autoApprove():
		o, err = r.commitAuto(ctx, o)
		var d *demotion
		if errors.As(err, &d) {
			o.Action, o.Forced, o.Reason = identity.ActionManualReview, true, d.reason
			o, err = r.queue(ctx, scopeID, o)
		}
	case o.Action == identity.ActionSkip:
		o, err = r.create(ctx, scopeID, o)
	default:
		o, err = r.queue(ctx, scopeID, o)
	}
	// A writer that mapped the key after ensureUnmapped trips the unique index.
	if errors.Is(err, errAlreadyMapped) || cierrors.IsAlreadyExists(err) {
		o.Result = ResultSkipped
		o.Reason = "already mapped"
		return o
	}
	if err != nil {
		return r.failed(ctx, o, err)
	}
	return o
}

// commitAuto maps the record to its candidate after re-checking, under the
// candidate's lock, that the candidate is still an active identity without a
// mapping in the record's season.
func (r *Resolver) commitAuto(ctx context.Context, o Outcome) (Outcome, error) {
	unlock, err := r.locker.Lock(ctx, locks.IdentityKey(o.CandidateID))
	if err != nil {
		return o, err
	}
	defer unlock()

	var entry *identity.AuditEntry
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if err := ensureUnmapped(ctx, tx, o.Record.Key()); err != nil {
			return err
		}
		cand, err := tx.GetIdentity(ctx, o.CandidateID)
		if err != nil {
			return err
		}
		if !cand.Lifecycle.IsActive() {
			return &demotion{reason: fmt.Sprintf("candidate %d was retired before commit", cand.ID)}
		}
		existing, err := tx.ListMappings(ctx, cand.ID)
		if err != nil {
			return err
		}
		for _, m := range existing {
			if m.Season == o.Record.Season {
				return &demotion{reason: "candidate already has a mapping in this season"}
			}
		}

		before, err := audit.Snapshot(ctx, tx, cand.ID)
		if err != nil {
			return err
		}
		m := newMapping(o.Record, cand.ID, o.Confidence, identity.MethodAuto)
		if err := tx.CreateMapping(ctx, m); err != nil {
			return err
		}
		if err := renameFrom(ctx, tx, cand, append(existing, *m)); err != nil {
			return err
		}
		after, err := audit.Snapshot(ctx, tx, cand.ID)
		if err != nil {
			return err
		}
		entry = &identity.AuditEntry{
			Kind:     cand.Kind,
			EntityID: cand.ID,
			Action:   identity.AuditApprove,
			Before:   before,
			After:    after,
			Reason:   fmt.Sprintf("auto-approved %s at confidence %.3f", o.Record.Key(), o.Confidence),
			Actor:    SystemActor,
		}
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return o, err
	}
	r.audit.Published(ctx, *entry)
	o.Result = ResultAutoMatched
	o.IdentityID = o.CandidateID
	return o, nil
}

// queue records a pending match for review. The graph is not touched. A key
// holds at most one pending match: one for the same candidate is reused, one
// for a different candidate is rejected as superseded.
func (r *Resolver) queue(ctx context.Context, scopeID string, o Outcome) (Outcome, error) {
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if err := ensureUnmapped(ctx, tx, o.Record.Key()); err != nil {
			return err
		}
		pending, err := tx.FindPendingMatch(ctx, o.Record.Key())
		switch {
		case err == nil && pending.CandidateID == o.CandidateID:
			o.MatchID = pending.ID
			return nil
		case err == nil:
			if err := tx.DecideMatch(ctx, pending.ID, identity.MatchRejected, SystemActor); err != nil {
				return fmt.Errorf("superseding match %d: %w", pending.ID, err)
			}
		case !errors.Is(err, cierrors.ErrNotFound):
			return err
		}
		m := &identity.IdentityMatch{
			ScopeID:     scopeID,
			Record:      o.Record,
			CandidateID: o.CandidateID,
			Confidence:  o.Confidence,
			Action:      o.Action,
			Status:      identity.MatchPending,
		}
		if o.Factors != nil {
			m.Factors = *o.Factors
		}
		if err := tx.CreateMatch(ctx, m); err != nil {
			return err
		}
		o.MatchID = m.ID
		return nil
	})
	if err != nil {
		return o, err
	}
	o.Result = ResultQueued
	return o, nil
}

// create seeds a new identity from the record.
func (r *Resolver) create(ctx context.Context, scopeID string, o Outcome) (Outcome, error) {
	var entry *identity.AuditEntry
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if err := ensureUnmapped(ctx, tx, o.Record.Key()); err != nil {
			return err
		}
		ident, err := seedIdentity(ctx, tx, scopeID, o.Record)
		if err != nil {
			return err
		}
		after, err := audit.Snapshot(ctx, tx, ident.ID)
		if err != nil {
			return err
		}
		o.IdentityID = ident.ID
		entry = &identity.AuditEntry{
			Kind:     ident.Kind,
			EntityID: ident.ID,
			Action:   identity.AuditCreate,
			Before:   identity.NewSnapshot(),
			After:    after,
			Reason:   "no confident match for " + o.Record.Key().String(),
			Actor:    SystemActor,
		}
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return o, err
	}
	r.audit.Published(ctx, *entry)
	o.Result = ResultCreated
	return o, nil
}

func seedIdentity(ctx context.Context, tx identity.Tx, scopeID string, rec identity.SourceRecord) (*identity.Identity, error) {
	if scopeID == "" {
		scopeID = rec.ScopeID
	}
	ident := &identity.Identity{
		Kind:          rec.Kind,
		ScopeID:       scopeID,
		CanonicalName: rec.Name,
		Lifecycle:     identity.Active(),
	}
	if err := tx.CreateIdentity(ctx, ident); err != nil {
		return nil, err
	}
	if err := tx.CreateMapping(ctx, newMapping(rec, ident.ID, 1, identity.MethodNew)); err != nil {
		return nil, err
	}
	return ident, nil
}

func newMapping(rec identity.SourceRecord, identityID int64, confidence float64, method identity.MappingMethod) *identity.Mapping {
	return &identity.Mapping{
		Kind:         rec.Kind,
		SourceID:     rec.SourceID,
		Season:       rec.Season,
		IdentityID:   identityID,
		ObservedName: rec.Name,
		Position:     rec.Position,
		TeamSourceID: rec.TeamSourceID,
		Confidence:   confidence,
		Method:       method,
	}
}

func ensureUnmapped(ctx context.Context, tx identity.Tx, key identity.MappingKey) error {
	_, err := tx.FindMapping(ctx, key)
	switch {
	case err == nil:
		return errAlreadyMapped
	case errors.Is(err, cierrors.ErrNotFound):
		return nil
	}
	return err
}

// renameFrom recomputes ident's canonical name from mappings and persists it
// when it changed.
func renameFrom(ctx context.Context, tx identity.Tx, ident *identity.Identity, mappings []identity.Mapping) error {
	name := identity.CanonicalName(mappings)
	if name == "" || name == ident.CanonicalName {
		return nil
	}
	ident.CanonicalName = name
	return tx.UpdateIdentity(ctx, ident)
}
