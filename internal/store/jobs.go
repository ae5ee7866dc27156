package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caravelhq/caravel/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// ErrJobComplete is returned when an append arrives after the job was
// marked COMPLETE. Late scatter results hit this and are dropped.
var ErrJobComplete = errors.New("job already complete")

// CreateAvailabilityJob inserts the job head with status IN_PROGRESS and
// zero expected sources; the dispatcher raises the count before fan-out.
func (s *PostgresStore) CreateAvailabilityJob(ctx context.Context, agentID string, criteria json.RawMessage) (*domain.AvailabilityJob, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(criteria) == 0 {
		criteria = json.RawMessage(`{}`)
	}
	job := &domain.AvailabilityJob{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Criteria:  criteria,
		Status:    domain.JobInProgress,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO availability_jobs (id, agent_id, criteria, status, expected_sources, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, job.ID, job.AgentID, job.Criteria, string(job.Status), job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create availability job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SetExpectedSources(ctx context.Context, jobID string, n int) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE availability_jobs SET expected_sources = $2 WHERE id = $1
	`, jobID, n)
	if err != nil {
		return fmt.Errorf("set expected sources: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func (s *PostgresStore) GetAvailabilityJob(ctx context.Context, jobID string) (*domain.AvailabilityJob, error) {
	job, err := scanAvailabilityJob(s.pool.QueryRow(ctx, `
		SELECT id, agent_id, criteria, status, expected_sources, created_at, completed_at
		FROM availability_jobs
		WHERE id = $1
	`, jobID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get availability job: %w", err)
	}
	return job, nil
}

// AppendAvailabilityResult assigns the next seq and inserts one result
// row atomically. The job row lock serializes appenders, guarantees seq
// is gapless and strictly monotonic, and makes the completion check and
// the insert one unit: a result either lands before COMPLETE or not at
// all (ErrJobComplete).
func (s *PostgresStore) AppendAvailabilityResult(ctx context.Context, jobID, sourceID, agreementRef string, payload json.RawMessage, timedOut bool) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`[]`)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM availability_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&status)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock availability job: %w", err)
	}
	if domain.JobStatus(status) == domain.JobComplete {
		return 0, fmt.Errorf("%w: %s", ErrJobComplete, jobID)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO availability_results (job_id, seq, source_id, agreement_ref, payload, timed_out, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM availability_results WHERE job_id = $1
		RETURNING seq
	`, jobID, sourceID, agreementRef, payload, timedOut, time.Now().UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append availability result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}
	return seq, nil
}

// MarkAvailabilityJobComplete is idempotent: the first call flips the
// status and stamps completed_at, later calls are no-ops. Returns whether
// this call performed the flip.
func (s *PostgresStore) MarkAvailabilityJobComplete(ctx context.Context, jobID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE availability_jobs SET status = 'COMPLETE', completed_at = $2
		WHERE id = $1 AND status <> 'COMPLETE'
	`, jobID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark availability job complete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Distinguish "already complete" from "no such job".
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM availability_jobs WHERE id = $1)
		`, jobID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check availability job: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return false, nil
	}
	return true, nil
}

// AvailabilityResultsSince reads all results with seq > sinceSeq in seq
// order, together with the job's status at read time.
func (s *PostgresStore) AvailabilityResultsSince(ctx context.Context, jobID string, sinceSeq int64) (*domain.AvailabilityJob, []*domain.AvailabilityResult, error) {
	job, err := s.GetAvailabilityJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, seq, source_id, agreement_ref, payload, timed_out, created_at
		FROM availability_results
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, jobID, sinceSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("availability results since: %w", err)
	}
	defer rows.Close()

	var out []*domain.AvailabilityResult
	for rows.Next() {
		r, err := scanAvailabilityResult(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan availability result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("availability results rows: %w", err)
	}
	return job, out, nil
}

type availabilityJobScanner interface {
	Scan(dest ...any) error
}

func scanAvailabilityJob(scanner availabilityJobScanner) (*domain.AvailabilityJob, error) {
	var job domain.AvailabilityJob
	var status string
	var criteria []byte

	err := scanner.Scan(&job.ID, &job.AgentID, &criteria, &status,
		&job.ExpectedSources, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if len(criteria) > 0 {
		job.Criteria = criteria
	}
	return &job, nil
}

func scanAvailabilityResult(scanner availabilityJobScanner) (*domain.AvailabilityResult, error) {
	var r domain.AvailabilityResult
	var payload []byte

	err := scanner.Scan(&r.JobID, &r.Seq, &r.SourceID, &r.AgreementRef, &payload, &r.TimedOut, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		r.Payload = payload
	}
	return &r, nil
}
