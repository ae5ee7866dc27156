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

var ErrBookingNotFound = errors.New("booking not found")

// ErrDuplicateBooking signals a concurrent create raced on the same
// (agent, idempotency key); the caller re-reads the winner and replays.
var ErrDuplicateBooking = errors.New("duplicate booking for idempotency key")

// ErrInvalidBookingTransition rejects a Source-reported status that the
// booking lifecycle does not reach from the stored one.
var ErrInvalidBookingTransition = errors.New("invalid booking status transition")

// CreateBookingWithIdempotency claims the idempotency key and inserts
// the booking row in one transaction. An observer outside the
// transaction sees both rows or neither. A key past its expiry is
// reclaimed in place; a live key means a concurrent retry won the race
// and the caller re-reads the winner.
func (s *PostgresStore) CreateBookingWithIdempotency(ctx context.Context, b *domain.Booking, responseBody []byte, ttl time.Duration) error {
	if b == nil {
		return fmt.Errorf("booking is required")
	}
	if b.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimedRef string
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (agent_id, scope, key, response_ref, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id, scope, key) DO UPDATE
			SET response_ref = EXCLUDED.response_ref,
			    response_body = EXCLUDED.response_body,
			    created_at = EXCLUDED.created_at,
			    expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= $6
		RETURNING response_ref
	`, b.AgentID, domain.ScopeBookingCreate, b.IdempotencyKey, b.ID, responseBody, now, now.Add(ttl)).Scan(&claimedRef)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrDuplicateBooking, b.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}

	// A reclaimed key may still hang off the booking from a previous
	// expiry window; detach it so the partial unique index admits the
	// new row.
	_, err = tx.Exec(ctx, `
		UPDATE bookings SET idempotency_key = NULL
		WHERE agent_id = $1 AND idempotency_key = $2
	`, b.AgentID, b.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("detach stale idempotency key: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (id, agent_id, source_id, agreement_id, agreement_ref, idempotency_key,
			supplier_booking_ref, status, last_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.AgentID, b.SourceID, b.AgreementID, b.AgreementRef, b.IdempotencyKey,
		nullIfEmpty(b.SupplierBookingRef), string(b.Status), b.LastPayload, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateBooking, b.IdempotencyKey)
		}
		return fmt.Errorf("insert booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit booking tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `
		SELECT id, agent_id, source_id, agreement_id, agreement_ref, idempotency_key,
		       supplier_booking_ref, status, last_payload, created_at, updated_at
		FROM bookings
		WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// GetBookingBySupplierRef resolves a booking from the supplier's own
// reference. The ref is unique per source; the HTTP path omits sourceID
// and relies on refs not colliding across the agent's suppliers.
func (s *PostgresStore) GetBookingBySupplierRef(ctx context.Context, agentID, sourceID, supplierRef string) (*domain.Booking, error) {
	query := `
		SELECT id, agent_id, source_id, agreement_id, agreement_ref, idempotency_key,
		       supplier_booking_ref, status, last_payload, created_at, updated_at
		FROM bookings
		WHERE agent_id = $1 AND supplier_booking_ref = $2`
	args := []any{agentID, supplierRef}
	if sourceID != "" {
		args = append(args, sourceID)
		query += " AND source_id = $3"
	}

	b, err := scanBooking(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: supplier ref %s", ErrBookingNotFound, supplierRef)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking by supplier ref: %w", err)
	}
	return b, nil
}

// UpdateBookingFromSource records the Source's response: new status, the
// payload snapshot, and the supplier ref once assigned. The move is
// validated against the booking lifecycle; a terminal booking never
// comes back.
func (s *PostgresStore) UpdateBookingFromSource(ctx context.Context, id string, status domain.BookingStatus, supplierRef string, payload json.RawMessage) (*domain.Booking, error) {
	current, err := s.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanBookingTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidBookingTransition, current.Status, status)
	}

	// The status guard in WHERE keeps a concurrent update from
	// re-opening a booking that went terminal after the read above.
	b, err := scanBooking(s.pool.QueryRow(ctx, `
		UPDATE bookings SET
			status = $2,
			supplier_booking_ref = COALESCE($3, supplier_booking_ref),
			last_payload = COALESCE($4, last_payload),
			updated_at = $5
		WHERE id = $1 AND status = $6
		RETURNING id, agent_id, source_id, agreement_id, agreement_ref, idempotency_key,
		          supplier_booking_ref, status, last_payload, created_at, updated_at
	`, id, string(status), nullIfEmpty(supplierRef), payload, time.Now().UTC(), string(current.Status)))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: booking %s left %s concurrently", ErrInvalidBookingTransition, id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}
	return b, nil
}

type bookingScanner interface {
	Scan(dest ...any) error
}

func scanBooking(scanner bookingScanner) (*domain.Booking, error) {
	var b domain.Booking
	var status string
	var idemKey, supplierRef *string
	var payload []byte

	err := scanner.Scan(&b.ID, &b.AgentID, &b.SourceID, &b.AgreementID, &b.AgreementRef,
		&idemKey, &supplierRef, &status, &payload, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	b.Status = domain.BookingStatus(status)
	if idemKey != nil {
		b.IdempotencyKey = *idemKey
	}
	if supplierRef != nil {
		b.SupplierBookingRef = *supplierRef
	}
	if len(payload) > 0 {
		b.LastPayload = payload
	}
	return &b, nil
}
