package identity

import (
	"sort"
	"time"
)

// AuditAction names a structural mutation.
type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditMerge    AuditAction = "merge"
	AuditSplit    AuditAction = "split"
	AuditApprove  AuditAction = "approve"
	AuditReject   AuditAction = "reject"
	AuditRollback AuditAction = "rollback"
)

// Reversible reports whether entries with this action can be rolled back.
func (a AuditAction) Reversible() bool {
	return a == AuditMerge || a == AuditSplit || a == AuditRollback
}

// IdentityState is the snapshot of one identity's lifecycle and mapping set.
type IdentityState struct {
	ID            int64     `json:"id"`
	Lifecycle     Lifecycle `json:"lifecycle"`
	CanonicalName string    `json:"canonical_name"`
	MappingIDs    []int64   `json:"mapping_ids"`
}

// Snapshot captures every identity touched by a mutation, ordered by id.
type Snapshot struct {
	Identities []IdentityState `json:"identities"`
}

// NewSnapshot builds a snapshot with states sorted by id and mapping ids sorted.
func NewSnapshot(states ...IdentityState) Snapshot {
	out := make([]IdentityState, len(states))
	for i, s := range states {
		ids := append([]int64(nil), s.MappingIDs...)
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		s.MappingIDs = ids
		out[i] = s
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return Snapshot{Identities: out}
}

// Find returns the state recorded for id.
func (s Snapshot) Find(id int64) (IdentityState, bool) {
	for _, st := range s.Identities {
		if st.ID == id {
			return st, true
		}
	}
	return IdentityState{}, false
}

// AuditEntry is an immutable record of one structural mutation.
type AuditEntry struct {
	ID         int64       `json:"id"`
	Kind       EntityKind  `json:"kind"`
	EntityID   int64       `json:"entity_id"`
	Action     AuditAction `json:"action"`
	Before     Snapshot    `json:"before"`
	After      Snapshot    `json:"after"`
	Reason     string      `json:"reason,omitempty"`
	Actor      string      `json:"actor"`
	RollbackOf *int64      `json:"rollback_of,omitempty"`
	MatchID    *int64      `json:"match_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Touches reports whether id appears in either snapshot.
func (e AuditEntry) Touches(id int64) bool {
	if e.EntityID == id {
		return true
	}
	_, before := e.Before.Find(id)
	_, after := e.After.Find(id)
	return before || after
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	Kind     EntityKind
	EntityID int64
	Limit    int
}
