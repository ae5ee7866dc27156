// Package dataplane carries the Agent-facing request path: availability
// fan-out, long-poll reads, booking commands and the echo probe.
package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/booking"
	"github.com/caravelhq/caravel/internal/dispatch"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/echo"
	"github.com/caravelhq/caravel/internal/jobs"
	"github.com/caravelhq/caravel/internal/store"
)

// Dispatcher accepts availability searches. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, agentID string, criteria *domain.AvailabilityCriteria) (*dispatch.SubmitResult, error)
}

// Poller serves incremental availability reads. Satisfied by
// *jobs.Poller.
type Poller interface {
	GetSince(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*jobs.PollResult, error)
}

// Bookings is the booking command surface. Satisfied by
// *booking.Engine.
type Bookings interface {
	Create(ctx context.Context, agentID string, req booking.CreateRequest) (*booking.CreateResult, error)
	Modify(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
	Cancel(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
	Check(ctx context.Context, agentID string, req booking.CommandRequest) (*domain.Booking, error)
}

// EchoBroker is the probe surface. Satisfied by *echo.Broker.
type EchoBroker interface {
	Submit(ctx context.Context, agentID, agreementRef string, payload domain.EchoPayload) (*echo.SubmitResult, error)
	GetResults(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*echo.PollResult, error)
}

// CompanyGetter resolves the gateway-injected identity. Satisfied by
// *store.PostgresStore.
type CompanyGetter interface {
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
}

// Handler handles Agent-facing data plane requests.
type Handler struct {
	Dispatcher Dispatcher
	Poller     Poller
	Bookings   Bookings
	Echo       EchoBroker
	Companies  CompanyGetter
	Audit      *audit.Emitter
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /availability", h.SubmitAvailability)
	mux.HandleFunc("GET /availability/{id}", h.GetAvailabilityResults)

	mux.HandleFunc("POST /bookings", h.CreateBooking)
	mux.HandleFunc("POST /bookings/{supplierRef}/modify", h.ModifyBooking)
	mux.HandleFunc("POST /bookings/{supplierRef}/cancel", h.CancelBooking)
	mux.HandleFunc("GET /bookings/{supplierRef}/check", h.CheckBooking)

	mux.HandleFunc("POST /echo", h.SubmitEcho)
	mux.HandleFunc("GET /echo/{id}", h.GetEchoResults)
}

// agent resolves the X-Company-Id header to an active AGENT company.
// Authentication happened upstream at the gateway; this only checks
// that the injected identity may use the data plane.
func (h *Handler) agent(r *http.Request) (*domain.Company, error) {
	id := r.Header.Get("X-Company-Id")
	if id == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "X-Company-Id header is required")
	}
	c, err := h.Companies.GetCompany(r.Context(), id)
	if errors.Is(err, store.ErrCompanyNotFound) {
		return nil, domain.NewError(domain.CodeNotFound, "company %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if c.Type != domain.CompanyAgent {
		return nil, domain.NewError(domain.CodeInvalidParam, "company %s is not an agent", id)
	}
	if !c.CanParticipate() {
		return nil, domain.NewError(domain.CodeInvalidParam, "company %s is not active", id)
	}
	return c, nil
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *Handler) auditIn(r *http.Request, endpoint, companyID string, status int, reqBody, respBody []byte, start time.Time) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(r.Context(), audit.Event{
		Direction:  audit.DirectionIn,
		Endpoint:   endpoint,
		RequestID:  requestID(r),
		CompanyID:  companyID,
		StatusCode: status,
		Request:    reqBody,
		Response:   respBody,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// SubmitAvailability handles POST /availability.
func (h *Handler) SubmitAvailability(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	agent, err := h.agent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "read body: %v", err))
		return
	}
	var criteria domain.AvailabilityCriteria
	if err := json.Unmarshal(body, &criteria); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}

	res, err := h.Dispatcher.Submit(r.Context(), agent.ID, &criteria)
	if err != nil {
		writeError(w, err)
		h.auditIn(r, "availability.submit", agent.ID, httpStatus(domain.CodeOf(err)), body, nil, start)
		return
	}
	resp, _ := json.Marshal(res)
	writeJSON(w, http.StatusAccepted, res)
	h.auditIn(r, "availability.submit", agent.ID, http.StatusAccepted, body, resp, start)
}

// GetAvailabilityResults handles GET /availability/{id}.
func (h *Handler) GetAvailabilityResults(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent(r); err != nil {
		writeError(w, err)
		return
	}
	sinceSeq, wait, err := pollParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Poller.GetSince(r.Context(), r.PathValue("id"), sinceSeq, wait)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createBookingBody struct {
	AgreementID      string          `json:"agreement_id" validate:"required_without=AgreementRef"`
	AgreementRef     string          `json:"agreement_ref" validate:"required_without=AgreementID"`
	SupplierOfferRef string          `json:"supplier_offer_ref,omitempty"`
	AgentBookingRef  string          `json:"agent_booking_ref,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// CreateBooking handles POST /bookings. The Idempotency-Key header is
// mandatory; replays return the stored body byte for byte.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	agent, err := h.agent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "read body: %v", err))
		return
	}
	var req createBookingBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	res, err := h.Bookings.Create(r.Context(), agent.ID, booking.CreateRequest{
		AgreementID:      req.AgreementID,
		AgreementRef:     req.AgreementRef,
		SupplierOfferRef: req.SupplierOfferRef,
		AgentBookingRef:  req.AgentBookingRef,
		Details:          req.Details,
		IdempotencyKey:   r.Header.Get("Idempotency-Key"),
		RequestID:        requestID(r),
	})
	if err != nil {
		writeError(w, err)
		h.auditIn(r, "booking.create", agent.ID, httpStatus(domain.CodeOf(err)), body, nil, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(res.Body)
	h.auditIn(r, "booking.create", agent.ID, http.StatusCreated, body, res.Body, start)
}

type modifyBookingBody struct {
	AgreementRef string         `json:"agreement_ref,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// ModifyBooking handles POST /bookings/{supplierRef}/modify.
func (h *Handler) ModifyBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingCommand(w, r, "modify")
}

// CancelBooking handles POST /bookings/{supplierRef}/cancel.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingCommand(w, r, "cancel")
}

// CheckBooking handles GET /bookings/{supplierRef}/check.
func (h *Handler) CheckBooking(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := h.Bookings.Check(r.Context(), agent.ID, booking.CommandRequest{
		SupplierBookingRef: r.PathValue("supplierRef"),
		AgreementRef:       r.URL.Query().Get("agreement_ref"),
		RequestID:          requestID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) bookingCommand(w http.ResponseWriter, r *http.Request, op string) {
	start := time.Now()
	agent, err := h.agent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "read body: %v", err))
		return
	}
	var req modifyBookingBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
			return
		}
	}

	cmd := booking.CommandRequest{
		SupplierBookingRef: r.PathValue("supplierRef"),
		AgreementRef:       req.AgreementRef,
		RequestID:          requestID(r),
		Fields:             req.Fields,
	}
	var b *domain.Booking
	switch op {
	case "modify":
		b, err = h.Bookings.Modify(r.Context(), agent.ID, cmd)
	case "cancel":
		b, err = h.Bookings.Cancel(r.Context(), agent.ID, cmd)
	}
	if err != nil {
		writeError(w, err)
		h.auditIn(r, "booking."+op, agent.ID, httpStatus(domain.CodeOf(err)), body, nil, start)
		return
	}
	resp, _ := json.Marshal(b)
	writeJSON(w, http.StatusOK, b)
	h.auditIn(r, "booking."+op, agent.ID, http.StatusOK, body, resp, start)
}

type echoBody struct {
	AgreementRef string            `json:"agreement_ref,omitempty"`
	Message      string            `json:"message" validate:"required"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// SubmitEcho handles POST /echo.
func (h *Handler) SubmitEcho(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	agent, err := h.agent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "read body: %v", err))
		return
	}
	var req echoBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	res, err := h.Echo.Submit(r.Context(), agent.ID, req.AgreementRef, domain.EchoPayload{
		Message: req.Message,
		Attrs:   req.Attrs,
	})
	if err != nil {
		writeError(w, err)
		h.auditIn(r, "echo.submit", agent.ID, httpStatus(domain.CodeOf(err)), body, nil, start)
		return
	}
	resp, _ := json.Marshal(res)
	writeJSON(w, http.StatusAccepted, res)
	h.auditIn(r, "echo.submit", agent.ID, http.StatusAccepted, body, resp, start)
}

// GetEchoResults handles GET /echo/{id}.
func (h *Handler) GetEchoResults(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent(r); err != nil {
		writeError(w, err)
		return
	}
	sinceSeq, wait, err := pollParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Echo.GetResults(r.Context(), r.PathValue("id"), sinceSeq, wait)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	if etag := r.Header.Get("If-None-Match"); etag != "" && etag == res.AggregateEtag && len(res.NewItems) == 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", res.AggregateEtag)
	writeJSON(w, http.StatusOK, res)
}

func pollParams(r *http.Request) (int64, time.Duration, error) {
	q := r.URL.Query()
	var sinceSeq int64
	if v := q.Get("since_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, domain.NewError(domain.CodeInvalidParam, "since_seq must be an integer")
		}
		sinceSeq = n
	}
	var wait time.Duration
	if v := q.Get("wait_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, domain.NewError(domain.CodeInvalidParam, "wait_ms must be a non-negative integer")
		}
		wait = time.Duration(n) * time.Millisecond
	}
	return sinceSeq, wait, nil
}
