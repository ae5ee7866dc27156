package store

import (
	"context"
	"fmt"

	"github.com/caravelhq/caravel/internal/domain"
)

// UpsertSourceHealth flushes one monitor entry. The monitor owns the
// live counters; these rows only exist so exclusion windows survive a
// restart.
func (s *PostgresStore) UpsertSourceHealth(ctx context.Context, h *domain.SourceHealth) error {
	if h == nil || h.SourceID == "" {
		return fmt.Errorf("source health with source id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_health (source_id, sample_count, slow_count, strike_count, backoff_level, excluded_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO UPDATE SET
			sample_count = EXCLUDED.sample_count,
			slow_count = EXCLUDED.slow_count,
			strike_count = EXCLUDED.strike_count,
			backoff_level = EXCLUDED.backoff_level,
			excluded_until = EXCLUDED.excluded_until,
			updated_at = EXCLUDED.updated_at
	`, h.SourceID, h.SampleCount, h.SlowCount, h.StrikeCount, h.BackoffLevel, h.ExcludedUntil, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert source health: %w", err)
	}
	return nil
}

// LoadSourceHealth returns every persisted health row for monitor boot.
func (s *PostgresStore) LoadSourceHealth(ctx context.Context) ([]*domain.SourceHealth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, sample_count, slow_count, strike_count, backoff_level, excluded_until, updated_at
		FROM source_health
	`)
	if err != nil {
		return nil, fmt.Errorf("load source health: %w", err)
	}
	defer rows.Close()

	var out []*domain.SourceHealth
	for rows.Next() {
		var h domain.SourceHealth
		if err := rows.Scan(&h.SourceID, &h.SampleCount, &h.SlowCount, &h.StrikeCount,
			&h.BackoffLevel, &h.ExcludedUntil, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source health: %w", err)
		}
		if h.SampleCount > 0 {
			h.SlowRate = float64(h.SlowCount) / float64(h.SampleCount)
		}
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load source health rows: %w", err)
	}
	return out, nil
}

// DeleteSourceHealth clears a persisted row after an admin reset.
func (s *PostgresStore) DeleteSourceHealth(ctx context.Context, sourceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM source_health WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete source health: %w", err)
	}
	return nil
}
