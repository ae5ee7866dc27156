package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caravelhq/caravel/internal/domain"
)

var ErrAgreementNotFound = errors.New("agreement not found")

// ErrAmbiguousAgreementRef means the agent holds the same agreement_ref
// with more than one Source; the caller must disambiguate by id.
var ErrAmbiguousAgreementRef = errors.New("agreement_ref matches multiple agreements")

// CreateAgreement inserts a DRAFT agreement. (source_id, agreement_ref)
// uniqueness is enforced by the table; rows are never deleted afterwards.
func (s *PostgresStore) CreateAgreement(ctx context.Context, a *domain.Agreement) error {
	if a == nil {
		return fmt.Errorf("agreement is required")
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AgreementDraft
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO agreements (id, agent_id, source_id, agreement_ref, status, valid_from, valid_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.AgentID, a.SourceID, a.AgreementRef, string(a.Status), a.ValidFrom, a.ValidTo, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.CodeDuplicate,
				"agreement_ref %s already exists for source %s", a.AgreementRef, a.SourceID)
		}
		return fmt.Errorf("create agreement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgreement(ctx context.Context, id string) (*domain.Agreement, error) {
	a, err := scanAgreement(s.pool.QueryRow(ctx, `
		SELECT id, agent_id, source_id, agreement_ref, status, valid_from, valid_to, created_at, updated_at
		FROM agreements
		WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgreementNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	return a, nil
}

// GetAgreementByRef resolves an agent-supplied agreement_ref. The ref
// is unique per Source, not per agent, so two Sources can hand the same
// agent the same ref; that case is ambiguous and the caller falls back
// to the agreement id.
func (s *PostgresStore) GetAgreementByRef(ctx context.Context, agentID, ref string) (*domain.Agreement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, source_id, agreement_ref, status, valid_from, valid_to, created_at, updated_at
		FROM agreements
		WHERE agent_id = $1 AND agreement_ref = $2
	`, agentID, ref)
	if err != nil {
		return nil, fmt.Errorf("get agreement by ref: %w", err)
	}
	defer rows.Close()

	var matches []*domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		matches = append(matches, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get agreement by ref: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: ref %s", ErrAgreementNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousAgreementRef, ref)
	}
}

// TransitionAgreement applies the state machine under a row lock. The
// read-then-write check serializes per agreement id; concurrent callers
// queue on the FOR UPDATE and the loser sees the winner's status.
func (s *PostgresStore) TransitionAgreement(ctx context.Context, id string, target domain.AgreementStatus) (*domain.Agreement, domain.AgreementStatus, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAgreement(tx.QueryRow(ctx, `
		SELECT id, agent_id, source_id, agreement_ref, status, valid_from, valid_to, created_at, updated_at
		FROM agreements
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err == pgx.ErrNoRows {
		return nil, "", fmt.Errorf("%w: %s", ErrAgreementNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("lock agreement: %w", err)
	}

	from := a.Status
	if !domain.CanTransition(from, target) {
		return nil, from, domain.TransitionError(from, target)
	}

	a.Status = target
	a.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE agreements SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(target), a.UpdatedAt); err != nil {
		return nil, from, fmt.Errorf("update agreement status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, from, fmt.Errorf("commit transition tx: %w", err)
	}
	return a, from, nil
}

// ListAgreementsByAgent returns the agent's agreements, optionally
// filtered by stored status.
func (s *PostgresStore) ListAgreementsByAgent(ctx context.Context, agentID string, status domain.AgreementStatus) ([]*domain.Agreement, error) {
	return s.listAgreements(ctx, "agent_id", agentID, status)
}

// ListAgreementsBySource returns the source's agreements, optionally
// filtered by stored status.
func (s *PostgresStore) ListAgreementsBySource(ctx context.Context, sourceID string, status domain.AgreementStatus) ([]*domain.Agreement, error) {
	return s.listAgreements(ctx, "source_id", sourceID, status)
}

func (s *PostgresStore) listAgreements(ctx context.Context, column, companyID string, status domain.AgreementStatus) ([]*domain.Agreement, error) {
	query := `
		SELECT id, agent_id, source_id, agreement_ref, status, valid_from, valid_to, created_at, updated_at
		FROM agreements
		WHERE ` + column + ` = $1`
	args := []any{companyID}
	if status != "" {
		args = append(args, string(status))
		query += " AND status = $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agreements rows: %w", err)
	}
	return out, nil
}

// ResolveActiveAgreements is the dispatcher's only agreement query. The
// validity window is applied in SQL so a stale ACTIVE row with valid_to
// in the past never reaches the fan-out. An empty refs slice means all
// of the agent's agreements.
func (s *PostgresStore) ResolveActiveAgreements(ctx context.Context, agentID string, refs []string) ([]domain.ActiveRef, error) {
	query := `
		SELECT id, agreement_ref, source_id
		FROM agreements
		WHERE agent_id = $1
		  AND status = 'ACTIVE'
		  AND (valid_from IS NULL OR valid_from <= $2)
		  AND (valid_to IS NULL OR valid_to > $2)`
	args := []any{agentID, time.Now().UTC()}
	if len(refs) > 0 {
		args = append(args, refs)
		query += " AND agreement_ref = ANY($" + strconv.Itoa(len(args)) + ")"
	}
	query += " ORDER BY agreement_ref ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve active agreements: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveRef
	for rows.Next() {
		var r domain.ActiveRef
		if err := rows.Scan(&r.ID, &r.AgreementRef, &r.SourceID); err != nil {
			return nil, fmt.Errorf("scan active ref: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve active agreements rows: %w", err)
	}
	return out, nil
}

// ExpiredAgreement pairs a freshly expired row with the status it held
// before the sweep, so callers can emit a faithful transition event.
type ExpiredAgreement struct {
	Agreement *domain.Agreement
	Prior     domain.AgreementStatus
}

// ExpireDueAgreements flips every non-terminal agreement whose valid_to
// has passed to EXPIRED. The self-join captures the prior status, which
// a plain RETURNING clause would have already overwritten.
func (s *PostgresStore) ExpireDueAgreements(ctx context.Context) ([]ExpiredAgreement, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		UPDATE agreements a SET status = 'EXPIRED', updated_at = $1
		FROM (
			SELECT id, status AS prior FROM agreements
			WHERE status IN ('OFFERED', 'ACTIVE', 'SUSPENDED')
			  AND valid_to IS NOT NULL AND valid_to <= $1
			FOR UPDATE
		) p
		WHERE a.id = p.id
		RETURNING a.id, a.agent_id, a.source_id, a.agreement_ref, a.status,
		          a.valid_from, a.valid_to, a.created_at, a.updated_at, p.prior
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire due agreements: %w", err)
	}
	defer rows.Close()

	var out []ExpiredAgreement
	for rows.Next() {
		var a domain.Agreement
		var status, prior string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.SourceID, &a.AgreementRef, &status,
			&a.ValidFrom, &a.ValidTo, &a.CreatedAt, &a.UpdatedAt, &prior); err != nil {
			return nil, fmt.Errorf("scan expired agreement: %w", err)
		}
		a.Status = domain.AgreementStatus(status)
		out = append(out, ExpiredAgreement{Agreement: &a, Prior: domain.AgreementStatus(prior)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire due agreements rows: %w", err)
	}
	return out, nil
}

type agreementScanner interface {
	Scan(dest ...any) error
}

func scanAgreement(scanner agreementScanner) (*domain.Agreement, error) {
	var a domain.Agreement
	var status string

	err := scanner.Scan(&a.ID, &a.AgentID, &a.SourceID, &a.AgreementRef, &status,
		&a.ValidFrom, &a.ValidTo, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = domain.AgreementStatus(status)
	return &a, nil
}
