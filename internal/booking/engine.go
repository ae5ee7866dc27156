// Package booking implements the booking command path: create with
// mandatory idempotency, and modify/cancel/check against the owning
// Source. Unlike availability, booking calls are synchronous and never
// retried; the Agent's idempotency key is the only safe-retry handle.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/sourcelink"
	"github.com/caravelhq/caravel/internal/store"
)

// Store is the persistence surface the engine needs. Satisfied by
// *store.PostgresStore.
type Store interface {
	GetAgreement(ctx context.Context, id string) (*domain.Agreement, error)
	GetAgreementByRef(ctx context.Context, agentID, ref string) (*domain.Agreement, error)
	LookupIdempotency(ctx context.Context, agentID, scope, key string) (*domain.IdempotencyRecord, error)
	CreateBookingWithIdempotency(ctx context.Context, b *domain.Booking, responseBody []byte, ttl time.Duration) error
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	GetBookingBySupplierRef(ctx context.Context, agentID, sourceID, supplierRef string) (*domain.Booking, error)
	UpdateBookingFromSource(ctx context.Context, id string, status domain.BookingStatus, supplierRef string, payload json.RawMessage) (*domain.Booking, error)
}

// AdapterSource yields per-source adapters. Satisfied by
// *adapter.Registry.
type AdapterSource interface {
	ForSource(ctx context.Context, sourceID string) (adapter.Adapter, error)
}

// HealthRecorder absorbs one sample per Source call. Satisfied by
// *health.Monitor.
type HealthRecorder interface {
	Record(s health.Sample)
}

// Config bounds the engine.
type Config struct {
	CallTimeout    time.Duration // per Source call
	IdempotencyTTL time.Duration // replay window for create keys
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 7 * 24 * time.Hour
	}
	return c
}

type Engine struct {
	cfg      Config
	store    Store
	adapters AdapterSource
	health   HealthRecorder
	audit    *audit.Emitter
	log      *slog.Logger
}

func NewEngine(cfg Config, st Store, adapters AdapterSource, gate HealthRecorder, emitter *audit.Emitter) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    st,
		adapters: adapters,
		health:   gate,
		audit:    emitter,
		log:      logging.Component("booking"),
	}
}

// CreateRequest is the booking create command. IdempotencyKey comes
// from the transport header; RequestID is the middleware-assigned id
// forwarded to the Source.
type CreateRequest struct {
	AgreementID      string          `json:"agreement_id,omitempty"`
	AgreementRef     string          `json:"agreement_ref,omitempty"`
	SupplierOfferRef string          `json:"supplier_offer_ref,omitempty"`
	AgentBookingRef  string          `json:"agent_booking_ref,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	IdempotencyKey   string          `json:"-"`
	RequestID        string          `json:"-"`
}

// CreateResponse is the canonical create result. Its marshaled form is
// what the idempotency store persists and replays byte-identically.
type CreateResponse struct {
	BookingID          string          `json:"booking_id"`
	SupplierBookingRef string          `json:"supplier_booking_ref"`
	Status             string          `json:"status"`
	AgreementRef       string          `json:"agreement_ref"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// CreateResult wraps the canonical body. Body is served verbatim on
// both first execution and replay so the Agent cannot distinguish the
// two by content.
type CreateResult struct {
	Body     []byte
	Response *CreateResponse
	Replayed bool
}

// Create executes the booking command exactly once per (agent, key).
// The first execution calls the Source and commits the booking row and
// the key row atomically; every later submission with the same key
// replays the stored body without contacting the Source.
func (e *Engine) Create(ctx context.Context, agentID string, req CreateRequest) (*CreateResult, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.NewError(domain.CodeMissingIdempotency, "Idempotency-Key header is required")
	}
	if req.AgreementID == "" && req.AgreementRef == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "agreement_id or agreement_ref is required")
	}

	if rec, err := e.store.LookupIdempotency(ctx, agentID, domain.ScopeBookingCreate, req.IdempotencyKey); err == nil {
		metrics.Global().RecordBooking("create", "replay")
		e.log.Debug("booking create replayed", "agent_id", agentID, "booking_id", rec.ResponseRef)
		return &CreateResult{Body: rec.ResponseBody, Replayed: true}, nil
	} else if !errors.Is(err, store.ErrIdempotencyNotFound) {
		return nil, err
	}

	agreement, err := e.resolveAgreement(ctx, agentID, req.AgreementID, req.AgreementRef)
	if err != nil {
		return nil, err
	}

	bookingID := uuid.New().String()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	ad, err := e.adapters.ForSource(callCtx, agreement.SourceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := ad.BookingCreate(callCtx, &sourcelink.BookingCreateRequest{
		AgreementRef:        agreement.AgreementRef,
		SupplierOfferRef:    req.SupplierOfferRef,
		AgentBookingRef:     req.AgentBookingRef,
		IdempotencyKey:      req.IdempotencyKey,
		MiddlewareRequestID: req.RequestID,
		AgentID:             agentID,
		Details:             req.Details,
	})
	latency := time.Since(start).Milliseconds()
	e.recordCall(ctx, "source.booking_create", req.RequestID, agreement, err, latency)
	if err != nil {
		metrics.Global().RecordBooking("create", "failed")
		return nil, upstreamError(err)
	}

	status := domain.BookingStatus(resp.Status)
	if !status.IsValid() {
		status = domain.BookingRequested
	}
	body, err := json.Marshal(CreateResponse{
		BookingID:          bookingID,
		SupplierBookingRef: resp.SupplierBookingRef,
		Status:             string(status),
		AgreementRef:       agreement.AgreementRef,
		Payload:            resp.Payload,
	})
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "marshal create response")
	}

	b := &domain.Booking{
		ID:                 bookingID,
		AgentID:            agentID,
		SourceID:           agreement.SourceID,
		AgreementID:        agreement.ID,
		AgreementRef:       agreement.AgreementRef,
		IdempotencyKey:     req.IdempotencyKey,
		SupplierBookingRef: resp.SupplierBookingRef,
		Status:             status,
		LastPayload:        resp.Payload,
	}
	err = e.store.CreateBookingWithIdempotency(ctx, b, body, e.cfg.IdempotencyTTL)
	if errors.Is(err, store.ErrDuplicateBooking) {
		// A concurrent submission with the same key won the commit race.
		// Serve the winner's body; our Source-side call was absorbed by
		// the Source's own idempotency on the propagated key.
		rec, lookupErr := e.store.LookupIdempotency(ctx, agentID, domain.ScopeBookingCreate, req.IdempotencyKey)
		if errors.Is(lookupErr, store.ErrIdempotencyNotFound) {
			return nil, domain.WrapError(domain.CodeDuplicate, lookupErr,
				"concurrent booking with key %s", req.IdempotencyKey)
		}
		if lookupErr != nil {
			return nil, lookupErr
		}
		metrics.Global().RecordBooking("create", "replay")
		return &CreateResult{Body: rec.ResponseBody, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.Global().RecordBooking("create", "created")
	e.log.Info("booking created",
		"booking_id", bookingID,
		"agent_id", agentID,
		"source_id", agreement.SourceID,
		"supplier_booking_ref", resp.SupplierBookingRef)
	return &CreateResult{Body: body, Response: &CreateResponse{
		BookingID:          bookingID,
		SupplierBookingRef: resp.SupplierBookingRef,
		Status:             string(status),
		AgreementRef:       agreement.AgreementRef,
		Payload:            resp.Payload,
	}}, nil
}

// CommandRequest addresses an existing booking by the supplier's ref.
// SourceID disambiguates on the gRPC path; empty on HTTP. AgreementRef,
// when set, must match the booking's agreement.
type CommandRequest struct {
	SupplierBookingRef string
	SourceID           string
	AgreementRef       string
	RequestID          string
	Fields             map[string]any // modify only, passed through opaque
}

// Modify forwards a change request to the owning Source.
func (e *Engine) Modify(ctx context.Context, agentID string, req CommandRequest) (*domain.Booking, error) {
	return e.command(ctx, agentID, req, "modify")
}

// Cancel requests cancellation from the owning Source.
func (e *Engine) Cancel(ctx context.Context, agentID string, req CommandRequest) (*domain.Booking, error) {
	return e.command(ctx, agentID, req, "cancel")
}

// Check asks the Source for the booking's current state and refreshes
// the stored snapshot.
func (e *Engine) Check(ctx context.Context, agentID string, req CommandRequest) (*domain.Booking, error) {
	return e.command(ctx, agentID, req, "check")
}

func (e *Engine) command(ctx context.Context, agentID string, req CommandRequest, op string) (*domain.Booking, error) {
	if req.SupplierBookingRef == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "supplier booking ref is required")
	}

	b, err := e.store.GetBookingBySupplierRef(ctx, agentID, req.SourceID, req.SupplierBookingRef)
	if errors.Is(err, store.ErrBookingNotFound) {
		return nil, domain.NewError(domain.CodeNotFound, "booking %s not found", req.SupplierBookingRef)
	}
	if err != nil {
		return nil, err
	}
	if req.AgreementRef != "" && req.AgreementRef != b.AgreementRef {
		return nil, domain.NewError(domain.CodeNotFound, "booking %s not found", req.SupplierBookingRef)
	}

	agreement, err := e.activeAgreement(ctx, agentID, b.AgreementID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	ad, err := e.adapters.ForSource(callCtx, b.SourceID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *sourcelink.BookingResponse
	switch op {
	case "modify":
		resp, err = ad.BookingModify(callCtx, &sourcelink.BookingModifyRequest{
			SupplierBookingRef: b.SupplierBookingRef,
			AgreementRef:       agreement.AgreementRef,
			Fields:             req.Fields,
		})
	case "cancel":
		resp, err = ad.BookingCancel(callCtx, &sourcelink.BookingCancelRequest{
			SupplierBookingRef: b.SupplierBookingRef,
			AgreementRef:       agreement.AgreementRef,
		})
	case "check":
		resp, err = ad.BookingCheck(callCtx, &sourcelink.BookingCheckRequest{
			SupplierBookingRef: b.SupplierBookingRef,
			AgreementRef:       agreement.AgreementRef,
		})
	}
	latency := time.Since(start).Milliseconds()
	e.recordCall(ctx, "source.booking_"+op, req.RequestID, agreement, err, latency)
	if err != nil {
		metrics.Global().RecordBooking(op, "failed")
		return nil, upstreamError(err)
	}

	status := domain.BookingStatus(resp.Status)
	if !status.IsValid() {
		status = b.Status
	}
	updated, err := e.store.UpdateBookingFromSource(ctx, b.ID, status, resp.SupplierBookingRef, resp.Payload)
	if errors.Is(err, store.ErrInvalidBookingTransition) {
		return nil, domain.WrapError(domain.CodeInvalidTransition, err, "booking %s cannot move to %s", b.ID, status)
	}
	if err != nil {
		return nil, err
	}
	metrics.Global().RecordBooking(op, "created")
	return updated, nil
}

// activeAgreement loads the agreement and verifies it belongs to the
// agent and is ACTIVE inside its validity window right now.
func (e *Engine) activeAgreement(ctx context.Context, agentID, agreementID string) (*domain.Agreement, error) {
	a, err := e.store.GetAgreement(ctx, agreementID)
	if errors.Is(err, store.ErrAgreementNotFound) {
		return nil, domain.NewError(domain.CodeNotFound, "agreement %s not found", agreementID)
	}
	if err != nil {
		return nil, err
	}
	if a.AgentID != agentID {
		return nil, domain.NewError(domain.CodeNotFound, "agreement %s not found", agreementID)
	}
	if !a.IsActiveAt(time.Now().UTC()) {
		return nil, domain.NewError(domain.CodeAgreementInactive,
			"agreement %s is %s", a.AgreementRef, a.Status)
	}
	return a, nil
}

// resolveAgreement accepts either the agreement id or the Agent-facing
// agreement_ref. When both are given the ref must match the agreement
// the id names.
func (e *Engine) resolveAgreement(ctx context.Context, agentID, agreementID, agreementRef string) (*domain.Agreement, error) {
	if agreementID != "" {
		a, err := e.activeAgreement(ctx, agentID, agreementID)
		if err != nil {
			return nil, err
		}
		if agreementRef != "" && agreementRef != a.AgreementRef {
			return nil, domain.NewError(domain.CodeInvalidParam,
				"agreement_ref %s does not match agreement %s", agreementRef, agreementID)
		}
		return a, nil
	}

	a, err := e.store.GetAgreementByRef(ctx, agentID, agreementRef)
	if errors.Is(err, store.ErrAgreementNotFound) {
		return nil, domain.NewError(domain.CodeNotFound, "agreement ref %s not found", agreementRef)
	}
	if errors.Is(err, store.ErrAmbiguousAgreementRef) {
		return nil, domain.WrapError(domain.CodeInvalidParam, err, "pass agreement_id instead")
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActiveAt(time.Now().UTC()) {
		return nil, domain.NewError(domain.CodeAgreementInactive,
			"agreement %s is %s", a.AgreementRef, a.Status)
	}
	return a, nil
}

// upstreamError maps adapter failures to the booking surface: deadline
// expiry is the Agent-visible UPSTREAM_TIMEOUT, everything else stays a
// SOURCE_ERROR.
func upstreamError(err error) error {
	if adapter.IsTimeout(err) {
		return domain.WrapError(domain.CodeUpstreamTimeout, err, "source did not answer in time")
	}
	if domain.CodeOf(err) == domain.CodeSourceError {
		return err
	}
	return domain.WrapError(domain.CodeSourceError, err, "source call failed")
}

func (e *Engine) recordCall(ctx context.Context, endpoint, requestID string, a *domain.Agreement, err error, latencyMS int64) {
	status := "success"
	switch {
	case adapter.IsTimeout(err):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	if e.health != nil {
		e.health.Record(health.Sample{SourceID: a.SourceID, LatencyMS: latencyMS, Success: err == nil})
	}
	metrics.Global().RecordSourceCall(a.SourceID, endpoint, status, latencyMS)
	if e.audit != nil {
		statusCode := 200
		if err != nil {
			statusCode = 502
		}
		e.audit.Record(ctx, audit.Event{
			Direction:    audit.DirectionOut,
			Endpoint:     endpoint,
			RequestID:    requestID,
			CompanyID:    a.AgentID,
			SourceID:     a.SourceID,
			AgreementRef: a.AgreementRef,
			StatusCode:   statusCode,
			DurationMS:   latencyMS,
		})
	}
}
