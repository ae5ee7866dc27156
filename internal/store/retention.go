package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionSweepResult counts what one sweep removed.
type RetentionSweepResult struct {
	AvailabilityJobs int `json:"availability_jobs"`
	EchoJobs         int `json:"echo_jobs"`
	IdempotencyKeys  int `json:"idempotency_keys"`
}

// SweepRetention deletes availability and echo jobs older than jobTTL
// (results and items cascade) and idempotency keys past their expiry.
// Only COMPLETE jobs are eligible: an IN_PROGRESS job older than the TTL
// indicates a bug, and deleting it under a live scatter would break the
// append invariants.
func (s *PostgresStore) SweepRetention(ctx context.Context, jobTTL time.Duration) (RetentionSweepResult, error) {
	var res RetentionSweepResult
	now := time.Now().UTC()
	cutoff := now.Add(-jobTTL)

	ct, err := s.pool.Exec(ctx, `
		DELETE FROM availability_jobs WHERE status = 'COMPLETE' AND created_at < $1
	`, cutoff)
	if err != nil {
		return res, fmt.Errorf("sweep availability jobs: %w", err)
	}
	res.AvailabilityJobs = int(ct.RowsAffected())

	ct, err = s.pool.Exec(ctx, `
		DELETE FROM echo_jobs WHERE status = 'COMPLETE' AND created_at < $1
	`, cutoff)
	if err != nil {
		return res, fmt.Errorf("sweep echo jobs: %w", err)
	}
	res.EchoJobs = int(ct.RowsAffected())

	ct, err = s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= $1
	`, now)
	if err != nil {
		return res, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	res.IdempotencyKeys = int(ct.RowsAffected())

	return res, nil
}
