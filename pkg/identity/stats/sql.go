package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// SQLProvider reads profiles from the season_stats table of a statistics
// warehouse reachable through database/sql with the lib/pq driver.
type SQLProvider struct {
	db *sql.DB
}

// OpenSQL opens a warehouse connection from a postgres connection string.
func OpenSQL(ctx context.Context, connStr string) (*SQLProvider, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open stats warehouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping stats warehouse: %w", err)
	}
	return &SQLProvider{db: db}, nil
}

// NewSQLProvider wraps an open database handle.
func NewSQLProvider(db *sql.DB) *SQLProvider {
	return &SQLProvider{db: db}
}

// Close closes the underlying handle.
func (p *SQLProvider) Close() error {
	return p.db.Close()
}

const profileColumns = `games_played, total_points, average_points, draft_pick, ownership_pct`

func (p *SQLProvider) Profile(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM season_stats
		WHERE entity_kind = $1 AND source_id = $2 AND season = $3`,
		string(key.Kind), key.SourceID, key.Season)

	prof, err := scanProfile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", key, err)
	}
	return prof, nil
}

// Profiles loads profiles for many source ids of one kind and season.
// Ids without a row are absent from the result.
func (p *SQLProvider) Profiles(ctx context.Context, kind identity.EntityKind, season int, sourceIDs []int64) (map[int64]identity.StatisticalProfile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT source_id, `+profileColumns+`
		FROM season_stats
		WHERE entity_kind = $1 AND season = $2 AND source_id = ANY($3)`,
		string(kind), season, pq.Array(sourceIDs))
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]identity.StatisticalProfile, len(sourceIDs))
	for rows.Next() {
		var id int64
		prof, err := scanProfile(func(dest ...any) error {
			return rows.Scan(append([]any{&id}, dest...)...)
		})
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[id] = *prof
	}
	return out, rows.Err()
}

func scanProfile(scan func(dest ...any) error) (*identity.StatisticalProfile, error) {
	var (
		prof      identity.StatisticalProfile
		draft     sql.NullInt64
		ownership sql.NullFloat64
	)
	if err := scan(&prof.GamesPlayed, &prof.TotalPoints, &prof.AveragePoints, &draft, &ownership); err != nil {
		return nil, err
	}
	if draft.Valid {
		pick := int(draft.Int64)
		prof.DraftPick = &pick
	}
	if ownership.Valid {
		pct := ownership.Float64
		prof.OwnershipPct = &pct
	}
	return &prof, nil
}

func notFound(key identity.MappingKey) error {
	return fmt.Errorf("profile %s: %w", key, cierrors.ErrNotFound)
}
