package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditRow is the persisted form of one boundary event, used when the
// audit sink is postgres.
type AuditRow struct {
	ID           string          `json:"id"`
	TS           time.Time       `json:"ts"`
	Direction    string          `json:"direction"`
	Endpoint     string          `json:"endpoint"`
	RequestID    string          `json:"request_id"`
	CompanyID    string          `json:"company_id"`
	SourceID     string          `json:"source_id,omitempty"`
	AgreementRef string          `json:"agreement_ref,omitempty"`
	StatusCode   int             `json:"status_code"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

func (s *PostgresStore) InsertAuditRow(ctx context.Context, row *AuditRow) error {
	if row == nil {
		return fmt.Errorf("audit row is required")
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.TS.IsZero() {
		row.TS = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, ts, direction, endpoint, request_id, company_id, source_id,
			agreement_ref, status_code, request, response, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, row.ID, row.TS, row.Direction, row.Endpoint, row.RequestID, row.CompanyID, row.SourceID,
		row.AgreementRef, row.StatusCode, row.Request, row.Response, row.DurationMS)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// ListAuditRows returns the newest rows first, bounded by limit.
func (s *PostgresStore) ListAuditRows(ctx context.Context, limit int) ([]*AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, direction, endpoint, request_id, company_id, source_id,
		       agreement_ref, status_code, request, response, duration_ms
		FROM audit_log
		ORDER BY ts DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		var row AuditRow
		var req, resp []byte
		if err := rows.Scan(&row.ID, &row.TS, &row.Direction, &row.Endpoint, &row.RequestID,
			&row.CompanyID, &row.SourceID, &row.AgreementRef, &row.StatusCode, &req, &resp, &row.DurationMS); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if len(req) > 0 {
			row.Request = req
		}
		if len(resp) > 0 {
			row.Response = resp
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit rows rows: %w", err)
	}
	return out, nil
}
