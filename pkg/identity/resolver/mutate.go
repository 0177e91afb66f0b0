package resolver

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/audit"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

// Change describes who asked for a correction and why.
type Change struct {
	Actor  string
	Reason string
}

// ChangeResult is a committed correction.
type ChangeResult struct {
	// IdentityID is the identity the change centred on: the primary of a
	// merge, the original of a split, the target of a review decision.
	IdentityID int64 `json:"identity_id"`
	// CreatedID is the identity a split or reject created.
	CreatedID int64                `json:"created_id,omitempty"`
	Entry     *identity.AuditEntry `json:"entry"`
}

// MergeIdentities folds secondary into primary. Every mapping of secondary
// moves to primary and secondary is retired into it.
func (r *Resolver) MergeIdentities(ctx context.Context, primaryID, secondaryID int64, c Change) (res *ChangeResult, err error) {
	ctx, span := r.tracer.StartMutationSpan(ctx, observability.SpanMerge, primaryID, secondaryID)
	defer r.finish(span, identity.AuditMerge, &err)

	unlock, err := r.locker.Lock(ctx, locks.IdentityKeys(primaryID, secondaryID)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry := &identity.AuditEntry{
		EntityID: primaryID,
		Action:   identity.AuditMerge,
		Actor:    c.Actor,
		Reason:   c.Reason,
	}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		primary, err := tx.GetIdentity(ctx, primaryID)
		if err != nil {
			return err
		}
		secondary, err := tx.GetIdentity(ctx, secondaryID)
		if err != nil {
			return err
		}
		switch {
		case primaryID == secondaryID:
			return fmt.Errorf("cannot merge identity %d into itself: %w", primaryID, cierrors.ErrInvalidOperation)
		case primary.Kind != secondary.Kind:
			return fmt.Errorf("cannot merge %s %d into %s %d: %w",
				secondary.Kind, secondaryID, primary.Kind, primaryID, cierrors.ErrInvalidOperation)
		case !primary.Lifecycle.IsActive():
			return fmt.Errorf("primary identity %d is %s: %w", primaryID, primary.Lifecycle, cierrors.ErrInvalidOperation)
		case !secondary.Lifecycle.IsActive():
			return fmt.Errorf("secondary identity %d is %s: %w", secondaryID, secondary.Lifecycle, cierrors.ErrInvalidOperation)
		}

		before, err := audit.Snapshot(ctx, tx, primaryID, secondaryID)
		if err != nil {
			return err
		}
		moved, err := tx.ListMappings(ctx, secondaryID)
		if err != nil {
			return err
		}
		for _, m := range moved {
			if err := tx.ReassignMapping(ctx, m.ID, primaryID); err != nil {
				return err
			}
		}
		secondary.Lifecycle = identity.RetiredInto(primaryID)
		if err := tx.UpdateIdentity(ctx, secondary); err != nil {
			return err
		}
		all, err := tx.ListMappings(ctx, primaryID)
		if err != nil {
			return err
		}
		if err := renameFrom(ctx, tx, primary, all); err != nil {
			return err
		}
		after, err := audit.Snapshot(ctx, tx, primaryID, secondaryID)
		if err != nil {
			return err
		}
		entry.Kind, entry.Before, entry.After = primary.Kind, before, after
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info("Merged identities",
		logging.F("primary_id", primaryID),
		logging.F("secondary_id", secondaryID),
		logging.F("audit_id", entry.ID),
		logging.F("actor", entry.Actor),
	)
	r.audit.Published(ctx, *entry)
	return &ChangeResult{IdentityID: primaryID, Entry: entry}, nil
}

// SplitIdentity moves mappingIDs from identityID to a new identity. When the
// original is left without mappings it is retired into the new one.
func (r *Resolver) SplitIdentity(ctx context.Context, identityID int64, mappingIDs []int64, c Change) (res *ChangeResult, err error) {
	ctx, span := r.tracer.StartMutationSpan(ctx, observability.SpanSplit, identityID)
	defer r.finish(span, identity.AuditSplit, &err)

	if len(mappingIDs) == 0 {
		return nil, fmt.Errorf("split of identity %d names no mappings: %w", identityID, cierrors.ErrInvalidOperation)
	}

	unlock, err := r.locker.Lock(ctx, locks.IdentityKey(identityID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry := &identity.AuditEntry{
		EntityID: identityID,
		Action:   identity.AuditSplit,
		Actor:    c.Actor,
		Reason:   c.Reason,
	}
	var created *identity.Identity
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		original, err := tx.GetIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		if !original.Lifecycle.IsActive() {
			return fmt.Errorf("identity %d is %s: %w", identityID, original.Lifecycle, cierrors.ErrInvalidOperation)
		}
		current, err := tx.ListMappings(ctx, identityID)
		if err != nil {
			return err
		}
		moving, staying, err := partition(current, mappingIDs)
		if err != nil {
			return fmt.Errorf("split identity %d: %w", identityID, err)
		}

		before, err := audit.Snapshot(ctx, tx, identityID)
		if err != nil {
			return err
		}
		created = &identity.Identity{
			Kind:          original.Kind,
			ScopeID:       original.ScopeID,
			CanonicalName: identity.CanonicalName(moving),
			Lifecycle:     identity.Active(),
		}
		if err := tx.CreateIdentity(ctx, created); err != nil {
			return err
		}
		for _, m := range moving {
			if err := tx.ReassignMapping(ctx, m.ID, created.ID); err != nil {
				return err
			}
		}
		if len(staying) == 0 {
			original.Lifecycle = identity.RetiredInto(created.ID)
			if err := tx.UpdateIdentity(ctx, original); err != nil {
				return err
			}
		} else if err := renameFrom(ctx, tx, original, staying); err != nil {
			return err
		}

		after, err := audit.Snapshot(ctx, tx, identityID, created.ID)
		if err != nil {
			return err
		}
		entry.Kind, entry.Before, entry.After = original.Kind, before, after
		return r.audit.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info("Split identity",
		logging.F("identity_id", identityID),
		logging.F("created_id", created.ID),
		logging.F("mapping_ids", mappingIDs),
		logging.F("audit_id", entry.ID),
	)
	r.audit.Published(ctx, *entry)
	return &ChangeResult{IdentityID: identityID, CreatedID: created.ID, Entry: entry}, nil
}

// partition splits mappings into those named by ids and the rest. Every id
// must belong to mappings.
func partition(mappings []identity.Mapping, ids []int64) (moving, staying []identity.Mapping, err error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range mappings {
		if want[m.ID] {
			moving = append(moving, m)
			delete(want, m.ID)
		} else {
			staying = append(staying, m)
		}
	}
	if len(want) > 0 {
		missing := make([]int64, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		return nil, nil, fmt.Errorf("mappings %v do not belong to the identity: %w", missing, cierrors.ErrInvalidOperation)
	}
	return moving, staying, nil
}

// RollbackChange reverses an audited merge, split or rollback.
func (r *Resolver) RollbackChange(ctx context.Context, entryID int64, c Change) (*identity.AuditEntry, error) {
	return r.audit.Rollback(ctx, entryID, c.Actor, c.Reason)
}

// ListAuditEntries returns audit entries oldest first.
func (r *Resolver) ListAuditEntries(ctx context.Context, filter identity.AuditFilter) ([]identity.AuditEntry, error) {
	return r.audit.Entries(ctx, filter)
}

func (r *Resolver) finish(span trace.Span, action identity.AuditAction, errp *error) {
	r.metrics.RecordMutation(string(action), *errp)
	observability.EndSpan(span, *errp, string(cierrors.CodeOf(*errp)))
}
