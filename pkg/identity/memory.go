package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// MemoryRepository is an in-process Repository. Transactions run one at a
// time against a copy of the state that replaces the original on commit.
type MemoryRepository struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	identities map[int64]Identity
	mappings   map[int64]Mapping
	byKey      map[MappingKey]int64
	matches    map[int64]IdentityMatch
	audit      []AuditEntry
	nextID     int64
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			identities: make(map[int64]Identity),
			mappings:   make(map[int64]Mapping),
			byKey:      make(map[MappingKey]int64),
			matches:    make(map[int64]IdentityMatch),
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		identities: make(map[int64]Identity, len(s.identities)),
		mappings:   make(map[int64]Mapping, len(s.mappings)),
		byKey:      make(map[MappingKey]int64, len(s.byKey)),
		matches:    make(map[int64]IdentityMatch, len(s.matches)),
		audit:      append([]AuditEntry(nil), s.audit...),
		nextID:     s.nextID,
	}
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for k, v := range s.mappings {
		c.mappings[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// WithTx runs fn against a private copy of the state.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	work := r.state.clone()
	r.mu.RUnlock()

	if err := fn(ctx, &memTx{memReader{work}, r.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) read() memReader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memReader{r.state}
}

// The committed state is never mutated in place, so a reader holding an old
// pointer sees a consistent view.

func (r *MemoryRepository) GetIdentity(ctx context.Context, id int64) (*Identity, error) {
	return r.read().GetIdentity(ctx, id)
}

func (r *MemoryRepository) ListActiveIdentities(ctx context.Context, scopeID string, kind EntityKind) ([]Identity, error) {
	return r.read().ListActiveIdentities(ctx, scopeID, kind)
}

func (r *MemoryRepository) GetMapping(ctx context.Context, id int64) (*Mapping, error) {
	return r.read().GetMapping(ctx, id)
}

func (r *MemoryRepository) FindMapping(ctx context.Context, key MappingKey) (*Mapping, error) {
	return r.read().FindMapping(ctx, key)
}

func (r *MemoryRepository) ListMappings(ctx context.Context, identityID int64) ([]Mapping, error) {
	return r.read().ListMappings(ctx, identityID)
}

func (r *MemoryRepository) ListMappingsFor(ctx context.Context, identityIDs []int64) (map[int64][]Mapping, error) {
	return r.read().ListMappingsFor(ctx, identityIDs)
}

func (r *MemoryRepository) GetMatch(ctx context.Context, id int64) (*IdentityMatch, error) {
	return r.read().GetMatch(ctx, id)
}

func (r *MemoryRepository) FindPendingMatch(ctx context.Context, key MappingKey) (*IdentityMatch, error) {
	return r.read().FindPendingMatch(ctx, key)
}

func (r *MemoryRepository) ListMatches(ctx context.Context, filter MatchFilter) ([]IdentityMatch, error) {
	return r.read().ListMatches(ctx, filter)
}

func (r *MemoryRepository) GetAuditEntry(ctx context.Context, id int64) (*AuditEntry, error) {
	return r.read().GetAuditEntry(ctx, id)
}

func (r *MemoryRepository) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return r.read().ListAuditEntries(ctx, filter)
}

type memReader struct {
	s *memState
}

func (m memReader) GetIdentity(_ context.Context, id int64) (*Identity, error) {
	ident, ok := m.s.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity %d: %w", id, cierrors.ErrNotFound)
	}
	return &ident, nil
}

func (m memReader) ListActiveIdentities(_ context.Context, scopeID string, kind EntityKind) ([]Identity, error) {
	var out []Identity
	for _, ident := range m.s.identities {
		if ident.ScopeID == scopeID && ident.Kind == kind && ident.Lifecycle.IsActive() {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memReader) GetMapping(_ context.Context, id int64) (*Mapping, error) {
	mp, ok := m.s.mappings[id]
	if !ok {
		return nil, fmt.Errorf("mapping %d: %w", id, cierrors.ErrNotFound)
	}
	return &mp, nil
}

func (m memReader) FindMapping(_ context.Context, key MappingKey) (*Mapping, error) {
	id, ok := m.s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("mapping %s: %w", key, cierrors.ErrNotFound)
	}
	mp := m.s.mappings[id]
	return &mp, nil
}

func (m memReader) ListMappings(_ context.Context, identityID int64) ([]Mapping, error) {
	var out []Mapping
	for _, mp := range m.s.mappings {
		if mp.IdentityID == identityID {
			out = append(out, mp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memReader) ListMappingsFor(_ context.Context, identityIDs []int64) (map[int64][]Mapping, error) {
	want := make(map[int64]bool, len(identityIDs))
	for _, id := range identityIDs {
		want[id] = true
	}
	out := make(map[int64][]Mapping, len(identityIDs))
	for _, mp := range m.s.mappings {
		if want[mp.IdentityID] {
			out[mp.IdentityID] = append(out[mp.IdentityID], mp)
		}
	}
	for id := range out {
		list := out[id]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return out, nil
}

func (m memReader) GetMatch(_ context.Context, id int64) (*IdentityMatch, error) {
	match, ok := m.s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %d: %w", id, cierrors.ErrNotFound)
	}
	return &match, nil
}

func (m memReader) FindPendingMatch(_ context.Context, key MappingKey) (*IdentityMatch, error) {
	var found *IdentityMatch
	for _, match := range m.s.matches {
		if match.Status == MatchPending && match.Record.Key() == key {
			if found == nil || match.ID < found.ID {
				mm := match
				found = &mm
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("pending match %s: %w", key, cierrors.ErrNotFound)
	}
	return found, nil
}

func (m memReader) ListMatches(_ context.Context, filter MatchFilter) ([]IdentityMatch, error) {
	var out []IdentityMatch
	for _, match := range m.s.matches {
		if filter.ScopeID != "" && match.ScopeID != filter.ScopeID {
			continue
		}
		if filter.Status != "" && match.Status != filter.Status {
			continue
		}
		out = append(out, match)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m memReader) GetAuditEntry(_ context.Context, id int64) (*AuditEntry, error) {
	for _, e := range m.s.audit {
		if e.ID == id {
			entry := e
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("audit entry %d: %w", id, cierrors.ErrNotFound)
}

func (m memReader) ListAuditEntries(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, e := range m.s.audit {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.EntityID != 0 && !e.Touches(filter.EntityID) {
			continue
		}
		out = append(out, e)
	}
	return page(out, 0, filter.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

type memTx struct {
	memReader
	now func() time.Time
}

func (t *memTx) CreateIdentity(_ context.Context, ident *Identity) error {
	if !ident.Kind.Valid() {
		return fmt.Errorf("identity kind %q: %w", ident.Kind, cierrors.ErrValidation)
	}
	now := t.now().UTC()
	ident.ID = t.s.id()
	ident.Version = 1
	ident.CreatedAt = now
	ident.UpdatedAt = now
	t.s.identities[ident.ID] = *ident
	return nil
}

func (t *memTx) UpdateIdentity(_ context.Context, ident *Identity) error {
	cur, ok := t.s.identities[ident.ID]
	if !ok {
		return fmt.Errorf("identity %d: %w", ident.ID, cierrors.ErrNotFound)
	}
	if cur.Version != ident.Version {
		return fmt.Errorf("identity %d at version %d, have %d: %w",
			ident.ID, cur.Version, ident.Version, cierrors.ErrConcurrentModification)
	}
	cur.CanonicalName = ident.CanonicalName
	cur.Lifecycle = ident.Lifecycle
	cur.Version++
	cur.UpdatedAt = t.now().UTC()
	t.s.identities[ident.ID] = cur
	*ident = cur
	return nil
}

func (t *memTx) CreateMapping(_ context.Context, m *Mapping) error {
	key := m.Key()
	if _, exists := t.s.byKey[key]; exists {
		return fmt.Errorf("mapping %s: %w", key, cierrors.ErrAlreadyExists)
	}
	if _, ok := t.s.identities[m.IdentityID]; !ok {
		return fmt.Errorf("identity %d: %w", m.IdentityID, cierrors.ErrNotFound)
	}
	m.ID = t.s.id()
	m.CreatedAt = t.now().UTC()
	t.s.mappings[m.ID] = *m
	t.s.byKey[key] = m.ID
	return nil
}

func (t *memTx) ReassignMapping(_ context.Context, mappingID, identityID int64) error {
	mp, ok := t.s.mappings[mappingID]
	if !ok {
		return fmt.Errorf("mapping %d: %w", mappingID, cierrors.ErrNotFound)
	}
	if _, ok := t.s.identities[identityID]; !ok {
		return fmt.Errorf("identity %d: %w", identityID, cierrors.ErrNotFound)
	}
	mp.IdentityID = identityID
	t.s.mappings[mappingID] = mp
	return nil
}

func (t *memTx) CreateMatch(_ context.Context, m *IdentityMatch) error {
	m.ID = t.s.id()
	m.CreatedAt = t.now().UTC()
	if m.Status == "" {
		m.Status = MatchPending
	}
	t.s.matches[m.ID] = *m
	return nil
}

func (t *memTx) DecideMatch(_ context.Context, id int64, status MatchStatus, decidedBy string) error {
	m, ok := t.s.matches[id]
	if !ok {
		return fmt.Errorf("match %d: %w", id, cierrors.ErrNotFound)
	}
	if m.Status != MatchPending {
		return fmt.Errorf("match %d is %s: %w", id, m.Status, cierrors.ErrInvalidState)
	}
	now := t.now().UTC()
	m.Status = status
	m.DecidedBy = decidedBy
	m.DecidedAt = &now
	t.s.matches[id] = m
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	entry.ID = t.s.id()
	entry.CreatedAt = t.now().UTC()
	t.s.audit = append(t.s.audit, *entry)
	return nil
}

// MemoryRecordSource serves a fixed slice of source records.
type MemoryRecordSource struct {
	mu      sync.RWMutex
	records []SourceRecord
}

// NewMemoryRecordSource returns a source holding records.
func NewMemoryRecordSource(records ...SourceRecord) *MemoryRecordSource {
	return &MemoryRecordSource{records: append([]SourceRecord(nil), records...)}
}

// Add appends records.
func (s *MemoryRecordSource) Add(records ...SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// ImportRecords replaces records with the same key and appends the rest.
func (s *MemoryRecordSource) ImportRecords(_ context.Context, records []SourceRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := make(map[MappingKey]int, len(s.records))
	for i, r := range s.records {
		index[r.Key()] = i
	}
	for _, r := range records {
		if i, ok := index[r.Key()]; ok {
			s.records[i] = r
			continue
		}
		index[r.Key()] = len(s.records)
		s.records = append(s.records, r)
	}
	return len(records), nil
}

func (s *MemoryRecordSource) ListSourceRecords(_ context.Context, scopeID string, seasons []int) ([]SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[int]bool, len(seasons))
	for _, season := range seasons {
		want[season] = true
	}
	var out []SourceRecord
	for _, r := range s.records {
		if r.ScopeID != scopeID {
			continue
		}
		if len(want) > 0 && !want[r.Season] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
