package audit

import (
	"context"
	"fmt"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/locks"
	"github.com/otherjamesbrown/canonid/pkg/logging"
	"github.com/otherjamesbrown/canonid/pkg/observability"
)

// Rollback applies the inverse of entry entryID and records it as a new
// rollback entry.
//
// The graph must still match the entry's after snapshot for every identity it
// touched; otherwise Rollback fails with errors.ErrConcurrentModification.
// Identities that did not exist before the original mutation are retired into
// the identity that takes their mappings back. Only merge, split and rollback
// entries can be reversed.
func (a *Logger) Rollback(ctx context.Context, entryID int64, actor, reason string) (result *identity.AuditEntry, err error) {
	ctx, span := a.tracer.StartMutationSpan(ctx, observability.SpanRollback)
	defer func() {
		a.metrics.RecordMutation(string(identity.AuditRollback), err)
		observability.EndSpan(span, err, string(cierrors.CodeOf(err)))
	}()

	orig, err := a.repo.GetAuditEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !orig.Action.Reversible() {
		return nil, fmt.Errorf("audit entry %d is a %s: %w", entryID, orig.Action, cierrors.ErrInvalidOperation)
	}

	ids := touched(*orig)
	unlock, err := a.locker.Lock(ctx, locks.IdentityKeys(ids...)...)
	if err != nil {
		return nil, fmt.Errorf("lock identities: %w", err)
	}
	defer unlock()

	entry := &identity.AuditEntry{
		Kind:       orig.Kind,
		EntityID:   orig.EntityID,
		Action:     identity.AuditRollback,
		Reason:     reason,
		Actor:      actor,
		RollbackOf: &orig.ID,
	}

	err = a.repo.WithTx(ctx, func(ctx context.Context, tx identity.Tx) error {
		current, err := Snapshot(ctx, tx, ids...)
		if err != nil {
			return err
		}
		if err := matches(current, orig.After); err != nil {
			return fmt.Errorf("rollback of entry %d: %w", orig.ID, err)
		}

		if err := restore(ctx, tx, *orig); err != nil {
			return err
		}

		after, err := Snapshot(ctx, tx, ids...)
		if err != nil {
			return err
		}
		entry.Before = current
		entry.After = after
		return a.LogAction(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithContext(ctx).Info("Rolled back audit entry",
		logging.F("audit_id", orig.ID),
		logging.F("action", string(orig.Action)),
		logging.F("rollback_id", entry.ID),
		logging.F("actor", entry.Actor),
	)
	a.Published(ctx, *entry)
	return entry, nil
}

func touched(e identity.AuditEntry) []int64 {
	ids := []int64{}
	for _, st := range e.Before.Identities {
		ids = append(ids, st.ID)
	}
	for _, st := range e.After.Identities {
		ids = append(ids, st.ID)
	}
	return uniqueIDs(ids)
}

// matches reports whether current agrees with want on every identity want
// records.
func matches(current, want identity.Snapshot) error {
	for _, w := range want.Identities {
		c, ok := current.Find(w.ID)
		if !ok {
			return fmt.Errorf("identity %d missing: %w", w.ID, cierrors.ErrConcurrentModification)
		}
		if c.Lifecycle != w.Lifecycle {
			return fmt.Errorf("identity %d is %s, expected %s: %w",
				w.ID, c.Lifecycle, w.Lifecycle, cierrors.ErrConcurrentModification)
		}
		if !sameIDs(c.MappingIDs, w.MappingIDs) {
			return fmt.Errorf("identity %d mappings changed: %w", w.ID, cierrors.ErrConcurrentModification)
		}
	}
	return nil
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// restore moves every mapping back to its owner in e.Before and resets the
// lifecycle and canonical name of every touched identity.
func restore(ctx context.Context, tx identity.Tx, e identity.AuditEntry) error {
	owner := make(map[int64]int64)
	for _, st := range e.Before.Identities {
		for _, mid := range st.MappingIDs {
			owner[mid] = st.ID
		}
	}

	for mid, identityID := range owner {
		m, err := tx.GetMapping(ctx, mid)
		if err != nil {
			return err
		}
		if m.IdentityID != identityID {
			if err := tx.ReassignMapping(ctx, mid, identityID); err != nil {
				return err
			}
		}
	}

	for _, st := range e.Before.Identities {
		if err := setState(ctx, tx, st.ID, st.Lifecycle, st.CanonicalName); err != nil {
			return err
		}
	}

	for _, st := range e.After.Identities {
		if _, existed := e.Before.Find(st.ID); existed {
			continue
		}
		into := e.EntityID
		for _, mid := range st.MappingIDs {
			if o, ok := owner[mid]; ok {
				into = o
				break
			}
		}
		if into == st.ID {
			return fmt.Errorf("identity %d has nowhere to retire: %w", st.ID, cierrors.ErrInvalidState)
		}
		if err := setState(ctx, tx, st.ID, identity.RetiredInto(into), ""); err != nil {
			return err
		}
	}
	return nil
}

func setState(ctx context.Context, tx identity.Tx, id int64, lc identity.Lifecycle, name string) error {
	ident, err := tx.GetIdentity(ctx, id)
	if err != nil {
		return err
	}
	if name == "" {
		name = ident.CanonicalName
	}
	if ident.Lifecycle == lc && ident.CanonicalName == name {
		return nil
	}
	ident.Lifecycle = lc
	ident.CanonicalName = name
	return tx.UpdateIdentity(ctx, ident)
}
