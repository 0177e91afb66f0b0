package resolver

import (
	"context"
	"fmt"

	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/matcher"
)

// pool is a read-only snapshot of the active identities of one kind, taken at
// the start of a group.
type pool struct {
	kind       identity.EntityKind
	identities map[int64]identity.Identity
	mappings   map[int64][]identity.Mapping
	names      []matcher.Candidate
}

// loadPool snapshots the candidate pool. Each identity contributes its
// canonical name and every distinct observed name of its mappings.
func (r *Resolver) loadPool(ctx context.Context, scopeID string, kind identity.EntityKind) (*pool, error) {
	idents, err := r.repo.ListActiveIdentities(ctx, scopeID, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s identities: %w", kind, err)
	}
	ids := make([]int64, len(idents))
	for i, ident := range idents {
		ids[i] = ident.ID
	}
	mappings, err := r.repo.ListMappingsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list %s mappings: %w", kind, err)
	}

	p := &pool{
		kind:       kind,
		identities: make(map[int64]identity.Identity, len(idents)),
		mappings:   mappings,
	}
	for _, ident := range idents {
		p.identities[ident.ID] = ident
		seen := make(map[string]bool)
		add := func(raw string) {
			n := r.normalizer.Normalize(raw)
			if n.IsEmpty() || seen[n.String()] {
				return
			}
			seen[n.String()] = true
			p.names = append(p.names, matcher.Candidate{Key: ident.ID, Name: n})
		}
		add(ident.CanonicalName)
		for _, m := range mappings[ident.ID] {
			add(m.ObservedName)
		}
	}
	return p, nil
}

// latest returns the identity's mapping from its most recent season.
func (p *pool) latest(id int64) (identity.Mapping, bool) {
	var best identity.Mapping
	found := false
	for _, m := range p.mappings[id] {
		if !found || m.Season > best.Season || (m.Season == best.Season && m.ID > best.ID) {
			best = m
			found = true
		}
	}
	return best, found
}

// mappedIn reports whether the identity already holds a mapping for season.
func (p *pool) mappedIn(id int64, season int) bool {
	for _, m := range p.mappings[id] {
		if m.Season == season {
			return true
		}
	}
	return false
}

func (p *pool) adjacent(id int64, season int) bool {
	for _, m := range p.mappings[id] {
		if m.Season == season-1 || m.Season == season+1 {
			return true
		}
	}
	return false
}

func (p *pool) hasSource(id, sourceID int64) bool {
	for _, m := range p.mappings[id] {
		if m.SourceID == sourceID {
			return true
		}
	}
	return false
}
