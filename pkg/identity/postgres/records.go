package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// RecordSource reads ingested records from source_records.
type RecordSource struct {
	pool *pgxpool.Pool
}

// NewRecordSource returns a RecordSource over pool.
func NewRecordSource(pool *pgxpool.Pool) *RecordSource {
	return &RecordSource{pool: pool}
}

// ListSourceRecords implements identity.RecordSource.
func (s *RecordSource) ListSourceRecords(ctx context.Context, scopeID string, seasons []int) ([]identity.SourceRecord, error) {
	query := `
		SELECT kind, source_id, season, scope_id, name, position, team_source_id
		FROM source_records
		WHERE scope_id = $1`
	args := []any{scopeID}
	if len(seasons) > 0 {
		query += " AND season = ANY($2)"
		args = append(args, seasons)
	}
	query += " ORDER BY season, kind, source_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list source records: %w", err)
	}
	defer rows.Close()

	var records []identity.SourceRecord
	for rows.Next() {
		var (
			rec  identity.SourceRecord
			kind string
		)
		if err := rows.Scan(&kind, &rec.SourceID, &rec.Season, &rec.ScopeID, &rec.Name,
			&rec.Position, &rec.TeamSourceID); err != nil {
			return nil, fmt.Errorf("scan source record: %w", err)
		}
		rec.Kind = identity.EntityKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ImportRecords upserts records in one batch and returns how many were written.
func (s *RecordSource) ImportRecords(ctx context.Context, records []identity.SourceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := validRecord(rec); err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO source_records (kind, source_id, season, scope_id, name, position, team_source_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (kind, source_id, season) DO UPDATE
			SET scope_id = EXCLUDED.scope_id,
				name = EXCLUDED.name,
				position = EXCLUDED.position,
				team_source_id = EXCLUDED.team_source_id,
				ingested_at = NOW()`,
			string(rec.Kind), rec.SourceID, rec.Season, rec.ScopeID, rec.Name, rec.Position, rec.TeamSourceID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range records {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("import record %s: %w", records[i].Key(), err)
		}
	}
	return len(records), nil
}

func validRecord(rec identity.SourceRecord) error {
	switch {
	case !rec.Kind.Valid():
		return fmt.Errorf("record kind %q: %w", rec.Kind, cierrors.ErrValidation)
	case rec.SourceID <= 0:
		return fmt.Errorf("record %s: source id must be positive: %w", rec.Key(), cierrors.ErrValidation)
	case rec.ScopeID == "":
		return fmt.Errorf("record %s: scope id is required: %w", rec.Key(), cierrors.ErrValidation)
	}
	return nil
}
