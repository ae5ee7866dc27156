package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS companies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			adapter_kind TEXT,
			grpc_endpoint TEXT,
			webhook_url TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_companies_type_status ON companies(type, status)`,
		`CREATE TABLE IF NOT EXISTS agreements (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES companies(id),
			source_id TEXT NOT NULL REFERENCES companies(id),
			agreement_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			valid_from TIMESTAMPTZ,
			valid_to TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (source_id, agreement_ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agreements_agent ON agreements(agent_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_agreements_source ON agreements(source_id, status)`,
		`CREATE TABLE IF NOT EXISTS location_catalog (
			unlocode TEXT PRIMARY KEY,
			country TEXT NOT NULL DEFAULT '',
			place TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS source_coverage (
			source_id TEXT NOT NULL REFERENCES companies(id),
			unlocode TEXT NOT NULL REFERENCES location_catalog(unlocode),
			PRIMARY KEY (source_id, unlocode)
		)`,
		`CREATE TABLE IF NOT EXISTS agreement_location_overrides (
			agreement_id TEXT NOT NULL REFERENCES agreements(id),
			unlocode TEXT NOT NULL REFERENCES location_catalog(unlocode),
			allowed BOOLEAN NOT NULL,
			PRIMARY KEY (agreement_id, unlocode)
		)`,
		`CREATE TABLE IF NOT EXISTS availability_jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			criteria JSONB NOT NULL,
			status TEXT NOT NULL,
			expected_sources INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_availability_jobs_created ON availability_jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS availability_results (
			job_id TEXT NOT NULL REFERENCES availability_jobs(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			source_id TEXT NOT NULL,
			agreement_ref TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			agreement_id TEXT NOT NULL,
			agreement_ref TEXT NOT NULL,
			idempotency_key TEXT,
			supplier_booking_ref TEXT,
			status TEXT NOT NULL,
			last_payload JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_agent_idem
			ON bookings(agent_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_supplier_ref
			ON bookings(source_id, supplier_booking_ref) WHERE supplier_booking_ref IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			agent_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			response_ref TEXT NOT NULL,
			response_body BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (agent_id, scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys(expires_at)`,
		`CREATE TABLE IF NOT EXISTS source_health (
			source_id TEXT PRIMARY KEY,
			sample_count INTEGER NOT NULL DEFAULT 0,
			slow_count INTEGER NOT NULL DEFAULT 0,
			strike_count INTEGER NOT NULL DEFAULT 0,
			backoff_level INTEGER NOT NULL DEFAULT 0,
			excluded_until TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS echo_jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expected_sources INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_echo_jobs_created ON echo_jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS echo_items (
			job_id TEXT NOT NULL REFERENCES echo_jobs(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			source_id TEXT NOT NULL,
			agreement_ref TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			direction TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			company_id TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			agreement_ref TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			request JSONB,
			response JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
