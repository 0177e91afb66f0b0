// Package postgres stores the identity graph in PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// Migrations holds the schema, applied with db.RunMigrations.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "migrations"

// Tables lists the tables the migrations create. db health reports any that
// are missing.
var Tables = []string{
	"identities",
	"identity_mappings",
	"identity_matches",
	"identity_audit_log",
	"source_records",
	"season_stats",
}

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements identity.Repository.
type Repository struct {
	reader
	pool *pgxpool.Pool
}

// NewRepository returns a Repository over pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{reader: reader{q: pool}, pool: pool}
}

// WithTx runs fn in a read-committed transaction. Identity rows read inside
// the transaction are locked until it ends.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx identity.Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(t pgx.Tx) error {
		return fn(ctx, &txn{reader: reader{q: t, forUpdate: true}})
	})
}

type reader struct {
	q         querier
	forUpdate bool
}

func (r reader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const identityColumns = `id, kind, scope_id, canonical_name, state, merged_into, version, created_at, updated_at`

func (r reader) GetIdentity(ctx context.Context, id int64) (*identity.Identity, error) {
	row := r.q.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`+r.lockClause(), id)
	ident, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %d: %w", id, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get identity %d: %w", id, err)
	}
	return ident, nil
}

func (r reader) ListActiveIdentities(ctx context.Context, scopeID string, kind identity.EntityKind) ([]identity.Identity, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE scope_id = $1 AND kind = $2 AND state = 'active'
		ORDER BY id`, scopeID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return collect(rows, scanIdentity)
}

const mappingColumns = `id, kind, source_id, season, identity_id, observed_name, position, team_source_id, confidence, method, created_at`

func (r reader) GetMapping(ctx context.Context, id int64) (*identity.Mapping, error) {
	m, err := scanMapping(r.q.QueryRow(ctx, `SELECT `+mappingColumns+` FROM identity_mappings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mapping %d: %w", id, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %d: %w", id, err)
	}
	return m, nil
}

func (r reader) FindMapping(ctx context.Context, key identity.MappingKey) (*identity.Mapping, error) {
	m, err := scanMapping(r.q.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM identity_mappings
		WHERE kind = $1 AND source_id = $2 AND season = $3`,
		string(key.Kind), key.SourceID, key.Season))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s: %w", key, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find mapping %s: %w", key, err)
	}
	return m, nil
}

func (r reader) ListMappings(ctx context.Context, identityID int64) ([]identity.Mapping, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+mappingColumns+`
		FROM identity_mappings
		WHERE identity_id = $1
		ORDER BY id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return collect(rows, scanMapping)
}

func (r reader) ListMappingsFor(ctx context.Context, identityIDs []int64) (map[int64][]identity.Mapping, error) {
	out := make(map[int64][]identity.Mapping, len(identityIDs))
	if len(identityIDs) == 0 {
		return out, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+mappingColumns+`
		FROM identity_mappings
		WHERE identity_id = ANY($1)
		ORDER BY id`, identityIDs)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	mappings, err := collect(rows, scanMapping)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		out[m.IdentityID] = append(out[m.IdentityID], m)
	}
	return out, nil
}

const matchColumns = `id, scope_id, record, candidate_id, confidence, action, factors, status, decided_by, created_at, decided_at`

func (r reader) GetMatch(ctx context.Context, id int64) (*identity.IdentityMatch, error) {
	m, err := scanMatch(r.q.QueryRow(ctx, `SELECT `+matchColumns+` FROM identity_matches WHERE id = $1`+r.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match %d: %w", id, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match %d: %w", id, err)
	}
	return m, nil
}

func (r reader) FindPendingMatch(ctx context.Context, key identity.MappingKey) (*identity.IdentityMatch, error) {
	m, err := scanMatch(r.q.QueryRow(ctx, `
		SELECT `+matchColumns+`
		FROM identity_matches
		WHERE kind = $1 AND source_id = $2 AND season = $3 AND status = 'pending'
		ORDER BY id
		LIMIT 1`, string(key.Kind), key.SourceID, key.Season))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending match %s: %w", key, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pending match %s: %w", key, err)
	}
	return m, nil
}

func (r reader) ListMatches(ctx context.Context, filter identity.MatchFilter) ([]identity.IdentityMatch, error) {
	query := `SELECT ` + matchColumns + ` FROM identity_matches WHERE TRUE`
	args := []any{}
	argNum := 1

	if filter.ScopeID != "" {
		query += fmt.Sprintf(" AND scope_id = $%d", argNum)
		args = append(args, filter.ScopeID)
		argNum++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return collect(rows, scanMatch)
}

const auditColumns = `id, kind, entity_id, action, before, after, reason, actor, rollback_of, match_id, created_at`

func (r reader) GetAuditEntry(ctx context.Context, id int64) (*identity.AuditEntry, error) {
	e, err := scanAudit(r.q.QueryRow(ctx, `SELECT `+auditColumns+` FROM identity_audit_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %d: %w", id, cierrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", id, err)
	}
	return e, nil
}

func (r reader) ListAuditEntries(ctx context.Context, filter identity.AuditFilter) ([]identity.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM identity_audit_log WHERE TRUE`
	args := []any{}
	argNum := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argNum)
		args = append(args, string(filter.Kind))
		argNum++
	}
	if filter.EntityID != 0 {
		query += fmt.Sprintf(" AND $%d = ANY(entity_ids)", argNum)
		args = append(args, filter.EntityID)
		argNum++
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collect(rows, scanAudit)
}

type txn struct {
	reader
}

func (t *txn) CreateIdentity(ctx context.Context, ident *identity.Identity) error {
	if !ident.Kind.Valid() {
		return fmt.Errorf("identity kind %q: %w", ident.Kind, cierrors.ErrValidation)
	}
	state, mergedInto := lifecycleColumns(ident.Lifecycle)
	err := t.q.QueryRow(ctx, `
		INSERT INTO identities (kind, scope_id, canonical_name, state, merged_into)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version, created_at, updated_at`,
		string(ident.Kind), ident.ScopeID, ident.CanonicalName, state, mergedInto,
	).Scan(&ident.ID, &ident.Version, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (t *txn) UpdateIdentity(ctx context.Context, ident *identity.Identity) error {
	state, mergedInto := lifecycleColumns(ident.Lifecycle)
	err := t.q.QueryRow(ctx, `
		UPDATE identities
		SET canonical_name = $2, state = $3, merged_into = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $5
		RETURNING version, updated_at`,
		ident.ID, ident.CanonicalName, state, mergedInto, ident.Version,
	).Scan(&ident.Version, &ident.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := t.GetIdentity(ctx, ident.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("identity %d changed since version %d: %w", ident.ID, ident.Version, cierrors.ErrConcurrentModification)
	}
	if err != nil {
		return fmt.Errorf("update identity %d: %w", ident.ID, err)
	}
	return nil
}

func (t *txn) CreateMapping(ctx context.Context, m *identity.Mapping) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO identity_mappings (
			kind, source_id, season, identity_id, observed_name,
			position, team_source_id, confidence, method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		string(m.Kind), m.SourceID, m.Season, m.IdentityID, m.ObservedName,
		m.Position, m.TeamSourceID, m.Confidence, string(m.Method),
	).Scan(&m.ID, &m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("mapping %s: %w", m.Key(), cierrors.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create mapping %s: %w", m.Key(), err)
	}
	return nil
}

func (t *txn) ReassignMapping(ctx context.Context, mappingID, identityID int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE identity_mappings SET identity_id = $2 WHERE id = $1`, mappingID, identityID)
	if err != nil {
		return fmt.Errorf("reassign mapping %d: %w", mappingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mapping %d: %w", mappingID, cierrors.ErrNotFound)
	}
	return nil
}

func (t *txn) CreateMatch(ctx context.Context, m *identity.IdentityMatch) error {
	record, err := json.Marshal(m.Record)
	if err != nil {
		return fmt.Errorf("encode match record: %w", err)
	}
	factors, err := json.Marshal(m.Factors)
	if err != nil {
		return fmt.Errorf("encode match factors: %w", err)
	}
	if m.Status == "" {
		m.Status = identity.MatchPending
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO identity_matches (
			scope_id, kind, source_id, season, record,
			candidate_id, confidence, action, factors, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		m.ScopeID, string(m.Record.Kind), m.Record.SourceID, m.Record.Season, record,
		m.CandidateID, m.Confidence, string(m.Action), factors, string(m.Status),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	return nil
}

func (t *txn) DecideMatch(ctx context.Context, id int64, status identity.MatchStatus, decidedBy string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE identity_matches
		SET status = $2, decided_by = $3, decided_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, string(status), decidedBy)
	if err != nil {
		return fmt.Errorf("decide match %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		m, err := t.GetMatch(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("match %d is %s: %w", id, m.Status, cierrors.ErrInvalidState)
	}
	return nil
}

func (t *txn) AppendAudit(ctx context.Context, e *identity.AuditEntry) error {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return fmt.Errorf("encode before snapshot: %w", err)
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return fmt.Errorf("encode after snapshot: %w", err)
	}
	err = t.q.QueryRow(ctx, `
		INSERT INTO identity_audit_log (
			kind, entity_id, action, before, after, entity_ids,
			reason, actor, rollback_of, match_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		string(e.Kind), e.EntityID, string(e.Action), before, after, entityIDs(*e),
		e.Reason, e.Actor, e.RollbackOf, e.MatchID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// entityIDs lists every identity an entry touches, for GIN-indexed lookup.
func entityIDs(e identity.AuditEntry) []int64 {
	seen := map[int64]bool{e.EntityID: true}
	ids := []int64{e.EntityID}
	for _, snap := range []identity.Snapshot{e.Before, e.After} {
		for _, st := range snap.Identities {
			if !seen[st.ID] {
				seen[st.ID] = true
				ids = append(ids, st.ID)
			}
		}
	}
	return ids
}

func lifecycleColumns(l identity.Lifecycle) (string, *int64) {
	if into, retired := l.MergedInto(); retired {
		return string(identity.StateRetired), &into
	}
	return string(identity.StateActive), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var (
		ident      identity.Identity
		kind       string
		state      string
		mergedInto *int64
	)
	if err := row.Scan(&ident.ID, &kind, &ident.ScopeID, &ident.CanonicalName, &state, &mergedInto,
		&ident.Version, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return nil, err
	}
	ident.Kind = identity.EntityKind(kind)
	if state == string(identity.StateRetired) && mergedInto != nil {
		ident.Lifecycle = identity.RetiredInto(*mergedInto)
	} else {
		ident.Lifecycle = identity.Active()
	}
	return &ident, nil
}

func scanMapping(row pgx.Row) (*identity.Mapping, error) {
	var (
		m      identity.Mapping
		kind   string
		method string
	)
	if err := row.Scan(&m.ID, &kind, &m.SourceID, &m.Season, &m.IdentityID, &m.ObservedName,
		&m.Position, &m.TeamSourceID, &m.Confidence, &method, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Kind = identity.EntityKind(kind)
	m.Method = identity.MappingMethod(method)
	return &m, nil
}

func scanMatch(row pgx.Row) (*identity.IdentityMatch, error) {
	var (
		m         identity.IdentityMatch
		record    []byte
		factors   []byte
		action    string
		status    string
		decidedAt *time.Time
	)
	if err := row.Scan(&m.ID, &m.ScopeID, &record, &m.CandidateID, &m.Confidence, &action,
		&factors, &status, &m.DecidedBy, &m.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(record, &m.Record); err != nil {
		return nil, fmt.Errorf("decode match record: %w", err)
	}
	if err := json.Unmarshal(factors, &m.Factors); err != nil {
		return nil, fmt.Errorf("decode match factors: %w", err)
	}
	m.Action = identity.Action(action)
	m.Status = identity.MatchStatus(status)
	m.DecidedAt = decidedAt
	return &m, nil
}

func scanAudit(row pgx.Row) (*identity.AuditEntry, error) {
	var (
		e      identity.AuditEntry
		kind   string
		action string
		before []byte
		after  []byte
	)
	if err := row.Scan(&e.ID, &kind, &e.EntityID, &action, &before, &after,
		&e.Reason, &e.Actor, &e.RollbackOf, &e.MatchID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(before, &e.Before); err != nil {
		return nil, fmt.Errorf("decode before snapshot: %w", err)
	}
	if err := json.Unmarshal(after, &e.After); err != nil {
		return nil, fmt.Errorf("decode after snapshot: %w", err)
	}
	e.Kind = identity.EntityKind(kind)
	e.Action = identity.AuditAction(action)
	return &e, nil
}
