package identity

import "context"

// Reader provides read access to the identity graph.
// Lookups of a single missing row return an error wrapping errors.ErrNotFound.
type Reader interface {
	GetIdentity(ctx context.Context, id int64) (*Identity, error)
	// ListActiveIdentities returns active identities of kind in scope, ordered by id.
	ListActiveIdentities(ctx context.Context, scopeID string, kind EntityKind) ([]Identity, error)

	GetMapping(ctx context.Context, id int64) (*Mapping, error)
	FindMapping(ctx context.Context, key MappingKey) (*Mapping, error)
	// ListMappings returns an identity's mappings ordered by id.
	ListMappings(ctx context.Context, identityID int64) ([]Mapping, error)
	// ListMappingsFor returns mappings grouped by identity id.
	ListMappingsFor(ctx context.Context, identityIDs []int64) (map[int64][]Mapping, error)

	GetMatch(ctx context.Context, id int64) (*IdentityMatch, error)
	FindPendingMatch(ctx context.Context, key MappingKey) (*IdentityMatch, error)
	// ListMatches returns matches ordered by id.
	ListMatches(ctx context.Context, filter MatchFilter) ([]IdentityMatch, error)

	GetAuditEntry(ctx context.Context, id int64) (*AuditEntry, error)
	// ListAuditEntries returns entries oldest first.
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Writer mutates the identity graph. It is only reachable through a Tx.
type Writer interface {
	// CreateIdentity assigns ID, Version and timestamps.
	CreateIdentity(ctx context.Context, ident *Identity) error
	// UpdateIdentity persists lifecycle and canonical name when ident.Version
	// matches the stored version, then bumps ident.Version. A stale version
	// returns errors.ErrConcurrentModification.
	UpdateIdentity(ctx context.Context, ident *Identity) error

	// CreateMapping assigns ID. A duplicate key returns errors.ErrAlreadyExists.
	CreateMapping(ctx context.Context, m *Mapping) error
	ReassignMapping(ctx context.Context, mappingID, identityID int64) error

	CreateMatch(ctx context.Context, m *IdentityMatch) error
	// DecideMatch moves a pending match to status. A match that is no longer
	// pending returns errors.ErrInvalidState.
	DecideMatch(ctx context.Context, id int64, status MatchStatus, decidedBy string) error

	// AppendAudit assigns ID and CreatedAt. Entries are never updated.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// Tx is a unit of work over the graph.
type Tx interface {
	Reader
	Writer
}

// Repository is the persistence boundary. WithTx commits when fn returns nil
// and discards every write otherwise.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// RecordSource supplies the source records produced by ingestion.
type RecordSource interface {
	// ListSourceRecords returns the records for scopeID. An empty seasons slice
	// means every season.
	ListSourceRecords(ctx context.Context, scopeID string, seasons []int) ([]SourceRecord, error)
}

// Terminal follows the retirement chain from id to the active identity that
// absorbed it.
func Terminal(ctx context.Context, r Reader, id int64) (*Identity, error) {
	seen := make(map[int64]bool)
	for {
		ident, err := r.GetIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		next, retired := ident.Lifecycle.MergedInto()
		if !retired || seen[next] {
			return ident, nil
		}
		seen[id] = true
		id = next
	}
}

// StateOf snapshots an identity together with its current mappings.
func StateOf(ctx context.Context, r Reader, id int64) (IdentityState, error) {
	ident, err := r.GetIdentity(ctx, id)
	if err != nil {
		return IdentityState{}, err
	}
	mappings, err := r.ListMappings(ctx, id)
	if err != nil {
		return IdentityState{}, err
	}
	return IdentityState{
		ID:            ident.ID,
		Lifecycle:     ident.Lifecycle,
		CanonicalName: ident.CanonicalName,
		MappingIDs:    MappingIDs(mappings),
	}, nil
}
