package resolver

import (
	"context"
	"errors"
	"fmt"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/audit"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/identity/scoring"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

// GetIdentityMatches lists review matches in scope; an empty status lists all.
func (r *Resolver) GetIdentityMatches(ctx context.Context, scopeID string, status identity.MatchStatus) ([]identity.IdentityMatch, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("match status %q: %w", status, cierrors.ErrValidation)
	}
	return r.repo.ListMatches(ctx, identity.MatchFilter{ScopeID: scopeID, Status: status})
}

// ApproveMatch maps a pending match's record to its candidate. A candidate
// retired since the match was queued is followed to the identity that absorbed
// it and the match is marked merged.
func (r *Resolver) ApproveMatch(ctx context.Context, matchID int64, c Change) (res *ChangeResult, err error) {
	ctx, span := r.tracer.StartMutationSpan(ctx, observability.SpanReview)
	defer r.finish(span, identity.AuditApprove, &err)

	match, err := r.pending(ctx, matchID)
	if err != nil {
		return nil, err
	}
	target, err := identity.Terminal(ctx, r.repo, match.CandidateID)
	if err != nil {
		return nil, err
	}
	if !target.Lifecycle.IsActive() {
		return nil, fmt.Errorf("candidate %d has no active successor: %w", match.CandidateID, cierrors.ErrInvalidState)
	}

	unlock, err := r.locker.Lock(ctx, locks.IdentityKey(target.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	status := identity.MatchApproved
	if target.ID != match.CandidateID {
		status = identity.MatchMerged
	}
	entry := &identity.AuditEntry{
		Kind:     match.Record.Kind,
		EntityID: target.ID,
		Action:   identity.AuditApprove,
		Actor:    c.Actor,
		Reason:   c.Reason,
		MatchID:  &match.ID,
	}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		now, err := identity.Terminal(ctx, tx, match.CandidateID)
		if err != nil {
			return err
		}
		if now.ID != target.ID || !now.Lifecycle.IsActive() {
			return fmt.Errorf("candidate %d changed during approval: %w", match.CandidateID, cierrors.ErrConcurrentModification)
		}
		if err := ensureUnmapped(ctx, tx, match.Record.Key()); err != nil {
			if errors.Is(err, errAlreadyMapped) {
				return fmt.Errorf("record %s is already mapped: %w", match.Record.Key(), cierrors.ErrConflict)
			}
			return err
		}

		before, err := audit.Snapshot(ctx, tx, now.ID)
		if err != nil {
			return err
		}
		existing, err := tx.ListMappings(ctx, now.ID)
		if err != nil {
			return err
		}
		m := newMapping(match.Record, now.ID, match.Confidence, identity.MethodManual)
		if err := tx.CreateMapping(ctx, m); err != nil {
			return err
		}
		if err := renameFrom(ctx, tx, now, append(existing, *m)); err != nil {
			return err
		}
		if err := tx.DecideMatch(ctx, match.ID, status, entry.Actor); err != nil {
			return err
		}
		after, err := audit.Snapshot(ctx, tx, now.ID)
		if err != nil {
			return err
		}
		entry.Before, entry.After = before, after
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info("Approved identity match",
		logging.F("match_id", match.ID),
		logging.F("identity_id", target.ID),
		logging.F("status", string(status)),
		logging.F("actor", entry.Actor),
	)
	r.audit.Published(ctx, *entry)
	return &ChangeResult{IdentityID: target.ID, Entry: entry}, nil
}

// RejectMatch marks a pending match rejected and seeds a new identity for its
// record.
func (r *Resolver) RejectMatch(ctx context.Context, matchID int64, c Change) (res *ChangeResult, err error) {
	ctx, span := r.tracer.StartMutationSpan(ctx, observability.SpanReview)
	defer r.finish(span, identity.AuditReject, &err)

	match, err := r.pending(ctx, matchID)
	if err != nil {
		return nil, err
	}

	entry := &identity.AuditEntry{
		Kind:    match.Record.Kind,
		Action:  identity.AuditReject,
		Actor:   c.Actor,
		Reason:  c.Reason,
		MatchID: &match.ID,
	}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		if err := tx.DecideMatch(ctx, match.ID, identity.MatchRejected, entry.Actor); err != nil {
			return err
		}
		if err := ensureUnmapped(ctx, tx, match.Record.Key()); err != nil {
			if errors.Is(err, errAlreadyMapped) {
				return fmt.Errorf("record %s is already mapped: %w", match.Record.Key(), cierrors.ErrConflict)
			}
			return err
		}
		ident, err := seedIdentity(ctx, tx, match.ScopeID, match.Record)
		if err != nil {
			return err
		}
		after, err := audit.Snapshot(ctx, tx, ident.ID)
		if err != nil {
			return err
		}
		entry.EntityID = ident.ID
		entry.Before, entry.After = identity.NewSnapshot(), after
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info("Rejected identity match",
		logging.F("match_id", match.ID),
		logging.F("created_id", entry.EntityID),
		logging.F("actor", entry.Actor),
	)
	r.audit.Published(ctx, *entry)
	return &ChangeResult{IdentityID: match.CandidateID, CreatedID: entry.EntityID, Entry: entry}, nil
}

// Explain describes why a match scored the way it did.
func (r *Resolver) Explain(ctx context.Context, matchID int64) (*scoring.Explanation, error) {
	match, err := r.repo.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	exp := r.scorer.Explain(match.Factors, match.Confidence)
	return &exp, nil
}

func (r *Resolver) pending(ctx context.Context, matchID int64) (*identity.IdentityMatch, error) {
	match, err := r.repo.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != identity.MatchPending {
		return nil, fmt.Errorf("match %d is %s: %w", matchID, match.Status, cierrors.ErrInvalidState)
	}
	return match, nil
}
