package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caravelhq/caravel/internal/domain"
)

// CreateEchoJob inserts the echo job head. The deadline is fixed at
// creation so pollers can display time remaining.
func (s *PostgresStore) CreateEchoJob(ctx context.Context, agentID string, expiresAt time.Time) (*domain.EchoJob, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	job := &domain.EchoJob{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    domain.JobInProgress,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO echo_jobs (id, agent_id, status, expected_sources, expires_at, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
	`, job.ID, job.AgentID, string(job.Status), job.ExpiresAt, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create echo job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SetEchoExpectedSources(ctx context.Context, jobID string, n int) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE echo_jobs SET expected_sources = $2 WHERE id = $1
	`, jobID, n)
	if err != nil {
		return fmt.Errorf("set echo expected sources: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func (s *PostgresStore) GetEchoJob(ctx context.Context, jobID string) (*domain.EchoJob, error) {
	job, err := scanEchoJob(s.pool.QueryRow(ctx, `
		SELECT id, agent_id, status, expected_sources, expires_at, created_at, completed_at
		FROM echo_jobs
		WHERE id = $1
	`, jobID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get echo job: %w", err)
	}
	return job, nil
}

// AppendEchoItem mirrors AppendAvailabilityResult: job row lock, reject
// after COMPLETE, gapless seq.
func (s *PostgresStore) AppendEchoItem(ctx context.Context, jobID, sourceID, agreementRef string, payload json.RawMessage, timedOut bool) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM echo_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&status)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock echo job: %w", err)
	}
	if domain.JobStatus(status) == domain.JobComplete {
		return 0, fmt.Errorf("%w: %s", ErrJobComplete, jobID)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO echo_items (job_id, seq, source_id, agreement_ref, payload, timed_out, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM echo_items WHERE job_id = $1
		RETURNING seq
	`, jobID, sourceID, agreementRef, payload, timedOut, time.Now().UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append echo item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit echo append tx: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) MarkEchoJobComplete(ctx context.Context, jobID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE echo_jobs SET status = 'COMPLETE', completed_at = $2
		WHERE id = $1 AND status <> 'COMPLETE'
	`, jobID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark echo job complete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM echo_jobs WHERE id = $1)
		`, jobID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check echo job: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) EchoItemsSince(ctx context.Context, jobID string, sinceSeq int64) (*domain.EchoJob, []*domain.EchoItem, error) {
	job, err := s.GetEchoJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, seq, source_id, agreement_ref, payload, timed_out, created_at
		FROM echo_items
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, jobID, sinceSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("echo items since: %w", err)
	}
	defer rows.Close()

	var out []*domain.EchoItem
	for rows.Next() {
		item, err := scanEchoItem(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan echo item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("echo items rows: %w", err)
	}
	return job, out, nil
}

// EchoStats aggregates over the whole item set: responses received so
// far, and which sources timed out.
func (s *PostgresStore) EchoStats(ctx context.Context, jobID string) (received int, timedOutSources []string, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, timed_out FROM echo_items WHERE job_id = $1 ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return 0, nil, fmt.Errorf("echo stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID string
		var timedOut bool
		if err := rows.Scan(&sourceID, &timedOut); err != nil {
			return 0, nil, fmt.Errorf("scan echo stats: %w", err)
		}
		if timedOut {
			timedOutSources = append(timedOutSources, sourceID)
		} else {
			received++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("echo stats rows: %w", err)
	}
	return received, timedOutSources, nil
}

func scanEchoJob(scanner availabilityJobScanner) (*domain.EchoJob, error) {
	var job domain.EchoJob
	var status string

	err := scanner.Scan(&job.ID, &job.AgentID, &status, &job.ExpectedSources,
		&job.ExpiresAt, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	return &job, nil
}

func scanEchoItem(scanner availabilityJobScanner) (*domain.EchoItem, error) {
	var item domain.EchoItem
	var payload []byte

	err := scanner.Scan(&item.JobID, &item.Seq, &item.SourceID, &item.AgreementRef,
		&payload, &item.TimedOut, &item.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		item.Payload = payload
	}
	return &item, nil
}
