package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/caravelhq/caravel/internal/domain"
)

// LocationEntry is one UN/LOCODE catalog row.
type LocationEntry struct {
	Unlocode string `json:"unlocode" yaml:"unlocode"`
	Country  string `json:"country" yaml:"country"`
	Place    string `json:"place" yaml:"place"`
}

// UpsertLocations bulk-loads catalog rows. Existing codes are updated in
// place; the catalog is append-only in practice.
func (s *PostgresStore) UpsertLocations(ctx context.Context, entries []LocationEntry) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n := 0
	for _, e := range entries {
		if err := domain.ValidateUnlocode(e.Unlocode); err != nil {
			return n, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO location_catalog (unlocode, country, place)
			VALUES ($1, $2, $3)
			ON CONFLICT (unlocode) DO UPDATE SET country = EXCLUDED.country, place = EXCLUDED.place
		`, e.Unlocode, e.Country, e.Place); err != nil {
			return n, fmt.Errorf("upsert location %s: %w", e.Unlocode, err)
		}
		n++
	}

	if err := tx.Commit(ctx); err != nil {
		return n, fmt.Errorf("commit locations tx: %w", err)
	}
	return n, nil
}

// KnownLocations filters codes down to the subset present in the catalog.
func (s *PostgresStore) KnownLocations(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT unlocode FROM location_catalog WHERE unlocode = ANY($1)
	`, codes)
	if err != nil {
		return nil, fmt.Errorf("known locations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("known locations rows: %w", err)
	}
	return out, nil
}

// SourceCoverage returns the base coverage set for a source.
func (s *PostgresStore) SourceCoverage(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT unlocode FROM source_coverage WHERE source_id = $1 ORDER BY unlocode ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("source coverage: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source coverage rows: %w", err)
	}
	return out, nil
}

// CoverageDiff is the outcome of one coverage sync.
type CoverageDiff struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// ReplaceSourceCoverage swaps the stored coverage set for what the source
// currently reports. Codes absent from the catalog never reach this call;
// the resolver filters them first. Obsolete rows are deleted, new ones
// inserted, survivors untouched, all in one transaction.
func (s *PostgresStore) ReplaceSourceCoverage(ctx context.Context, sourceID string, codes []string) (CoverageDiff, error) {
	var diff CoverageDiff

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return diff, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		DELETE FROM source_coverage WHERE source_id = $1 AND NOT (unlocode = ANY($2))
	`, sourceID, codes)
	if err != nil {
		return diff, fmt.Errorf("delete obsolete coverage: %w", err)
	}
	diff.Removed = int(ct.RowsAffected())

	for _, code := range codes {
		ct, err := tx.Exec(ctx, `
			INSERT INTO source_coverage (source_id, unlocode)
			VALUES ($1, $2)
			ON CONFLICT (source_id, unlocode) DO NOTHING
		`, sourceID, code)
		if err != nil {
			return diff, fmt.Errorf("insert coverage %s: %w", code, err)
		}
		diff.Added += int(ct.RowsAffected())
	}
	diff.Total = len(codes)

	if err := tx.Commit(ctx); err != nil {
		return diff, fmt.Errorf("commit coverage tx: %w", err)
	}
	return diff, nil
}

// AgreementOverrides returns the tri-state override map for an agreement:
// key present means an explicit allow/deny row, absent means inherit.
func (s *PostgresStore) AgreementOverrides(ctx context.Context, agreementID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT unlocode, allowed FROM agreement_location_overrides WHERE agreement_id = $1
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var code string
		var allowed bool
		if err := rows.Scan(&code, &allowed); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		out[code] = allowed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement overrides rows: %w", err)
	}
	return out, nil
}

// UpsertAgreementOverride sets the allow/deny flag for one unlocode. The
// code must exist in the catalog (enforced by the foreign key).
func (s *PostgresStore) UpsertAgreementOverride(ctx context.Context, agreementID, unlocode string, allowed bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agreement_location_overrides (agreement_id, unlocode, allowed)
		VALUES ($1, $2, $3)
		ON CONFLICT (agreement_id, unlocode) DO UPDATE SET allowed = EXCLUDED.allowed
	`, agreementID, unlocode, allowed)
	if err != nil {
		return fmt.Errorf("upsert agreement override: %w", err)
	}
	return nil
}

// RemoveAgreementOverride restores inheritance for one unlocode. Removing
// a row that does not exist is not an error.
func (s *PostgresStore) RemoveAgreementOverride(ctx context.Context, agreementID, unlocode string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM agreement_location_overrides WHERE agreement_id = $1 AND unlocode = $2
	`, agreementID, unlocode)
	if err != nil {
		return fmt.Errorf("remove agreement override: %w", err)
	}
	return nil
}
