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

var ErrCompanyNotFound = errors.New("company not found")

// CreateCompany registers a participant. Companies normally arrive through
// the external identity service; this path exists for sourcesim bootstrap
// and test environments.
func (s *PostgresStore) CreateCompany(ctx context.Context, c *domain.Company) error {
	if c == nil {
		return fmt.Errorf("company is required")
	}
	if c.Name == "" {
		return fmt.Errorf("company name is required")
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid company type %q", c.Type)
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CompanyActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO companies (id, name, type, status, adapter_kind, grpc_endpoint, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Name, string(c.Type), string(c.Status),
		nullIfEmpty(string(c.AdapterKind)), nullIfEmpty(c.GRPCEndpoint), nullIfEmpty(c.WebhookURL),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.CodeDuplicate, "company %s already exists", c.ID)
		}
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*domain.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx, `
		SELECT id, name, type, status, adapter_kind, grpc_endpoint, webhook_url, created_at, updated_at
		FROM companies
		WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCompanyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context, typ domain.CompanyType, status domain.CompanyStatus) ([]*domain.Company, error) {
	query := `
		SELECT id, name, type, status, adapter_kind, grpc_endpoint, webhook_url, created_at, updated_at
		FROM companies
	`
	args := []any{}
	where := ""
	if typ != "" {
		args = append(args, string(typ))
		where = " WHERE type = $" + strconv.Itoa(len(args))
	}
	if status != "" {
		args = append(args, string(status))
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += " status = $" + strconv.Itoa(len(args))
	}
	query += where + " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list companies rows: %w", err)
	}
	return out, nil
}

// SetCompanySuspended is the only company write this core performs
// (besides the dev/test register path); everything else belongs to the
// identity service.
func (s *PostgresStore) SetCompanySuspended(ctx context.Context, id string, suspended bool) (*domain.Company, error) {
	target := domain.CompanyActive
	if suspended {
		target = domain.CompanySuspended
	}
	c, err := scanCompany(s.pool.QueryRow(ctx, `
		UPDATE companies SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> 'PENDING_VERIFICATION'
		RETURNING id, name, type, status, adapter_kind, grpc_endpoint, webhook_url, created_at, updated_at
	`, id, string(target), time.Now().UTC()))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCompanyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set company suspended: %w", err)
	}
	return c, nil
}

type companyScanner interface {
	Scan(dest ...any) error
}

func scanCompany(scanner companyScanner) (*domain.Company, error) {
	var c domain.Company
	var typ, status string
	var adapterKind, endpoint, webhook *string

	err := scanner.Scan(&c.ID, &c.Name, &typ, &status, &adapterKind, &endpoint, &webhook, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = domain.CompanyType(typ)
	c.Status = domain.CompanyStatus(status)
	if adapterKind != nil {
		c.AdapterKind = domain.AdapterKind(*adapterKind)
	}
	if endpoint != nil {
		c.GRPCEndpoint = *endpoint
	}
	if webhook != nil {
		c.WebhookURL = *webhook
	}
	return &c, nil
}
