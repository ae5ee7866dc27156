package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caravelhq/caravel/internal/domain"
)

var ErrIdempotencyNotFound = errors.New("idempotency key not found")

// LookupIdempotency returns the committed record for (agent, scope, key)
// if one exists and has not expired. Absence means first execution.
func (s *PostgresStore) LookupIdempotency(ctx context.Context, agentID, scope, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, scope, key, response_ref, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE agent_id = $1 AND scope = $2 AND key = $3 AND expires_at > $4
	`, agentID, scope, key, time.Now().UTC()).Scan(
		&rec.AgentID, &rec.Scope, &rec.Key, &rec.ResponseRef, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrIdempotencyNotFound, scope, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &rec, nil
}
