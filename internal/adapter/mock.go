package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/sourcelink"
)

// Profile scripts a mock Source's behavior. The zero value answers
// instantly with no offers and no coverage.
type Profile struct {
	Latency   time.Duration     // applied to every call
	Fail      bool              // every call returns SOURCE_ERROR
	FailMsg   string            // message for scripted failures
	Offers    []json.RawMessage // canned availability payload
	Unlocodes []string          // coverage reported by Locations
}

// MockAdapter is the in-process Source used by tests, health probing and
// sandbox deployments. Booking state lives in memory per adapter.
type MockAdapter struct {
	sourceID string

	mu       sync.Mutex
	profile  Profile
	bookings map[string]string // supplierBookingRef -> status
}

func NewMock(sourceID string, p Profile) *MockAdapter {
	return &MockAdapter{
		sourceID: sourceID,
		profile:  p,
		bookings: make(map[string]string),
	}
}

// SetProfile swaps the scripted behavior; in-flight calls keep the
// profile they started with.
func (m *MockAdapter) SetProfile(p Profile) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
}

func (m *MockAdapter) currentProfile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// wait simulates the scripted latency, honoring ctx cancellation the way
// a network call would.
func (m *MockAdapter) wait(ctx context.Context, p Profile) error {
	if p.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *MockAdapter) gate(ctx context.Context) (Profile, error) {
	p := m.currentProfile()
	if err := m.wait(ctx, p); err != nil {
		return p, domain.WrapError(domain.CodeTimeout, err, "mock source %s: deadline elapsed", m.sourceID)
	}
	if p.Fail {
		msg := p.FailMsg
		if msg == "" {
			msg = "scripted failure"
		}
		return p, domain.NewError(domain.CodeSourceError, "mock source %s: %s", m.sourceID, msg)
	}
	return p, nil
}

func (m *MockAdapter) Availability(ctx context.Context, _ *sourcelink.AvailabilityRequest) ([]json.RawMessage, error) {
	p, err := m.gate(ctx)
	if err != nil {
		return nil, err
	}
	return p.Offers, nil
}

func (m *MockAdapter) Locations(ctx context.Context) ([]string, error) {
	p, err := m.gate(ctx)
	if err != nil {
		return nil, err
	}
	return p.Unlocodes, nil
}

func (m *MockAdapter) BookingCreate(ctx context.Context, req *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error) {
	if _, err := m.gate(ctx); err != nil {
		return nil, err
	}
	// The simulated supplier confirms synchronously.
	ref := "SIM-" + uuid.New().String()[:8]
	m.mu.Lock()
	m.bookings[ref] = string(domain.BookingConfirmed)
	m.mu.Unlock()
	payload, _ := json.Marshal(map[string]string{
		"supplier_booking_ref": ref,
		"agreement_ref":        req.AgreementRef,
		"idempotency_key":      req.IdempotencyKey,
	})
	return &sourcelink.BookingResponse{
		SupplierBookingRef: ref,
		Status:             string(domain.BookingConfirmed),
		Payload:            payload,
	}, nil
}

func (m *MockAdapter) BookingModify(ctx context.Context, req *sourcelink.BookingModifyRequest) (*sourcelink.BookingResponse, error) {
	if _, err := m.gate(ctx); err != nil {
		return nil, err
	}
	return m.bookingState(req.SupplierBookingRef, "")
}

func (m *MockAdapter) BookingCancel(ctx context.Context, req *sourcelink.BookingCancelRequest) (*sourcelink.BookingResponse, error) {
	if _, err := m.gate(ctx); err != nil {
		return nil, err
	}
	return m.bookingState(req.SupplierBookingRef, string(domain.BookingCancelled))
}

func (m *MockAdapter) BookingCheck(ctx context.Context, req *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error) {
	if _, err := m.gate(ctx); err != nil {
		return nil, err
	}
	return m.bookingState(req.SupplierBookingRef, "")
}

func (m *MockAdapter) bookingState(ref, newStatus string) (*sourcelink.BookingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.bookings[ref]
	if !ok {
		return nil, domain.NewError(domain.CodeSourceError, "mock source %s: unknown booking %s", m.sourceID, ref)
	}
	if newStatus != "" {
		status = newStatus
		m.bookings[ref] = status
	}
	payload := json.RawMessage(fmt.Sprintf(`{"supplier_booking_ref":%q,"status":%q}`, ref, status))
	return &sourcelink.BookingResponse{SupplierBookingRef: ref, Status: status, Payload: payload}, nil
}

func (m *MockAdapter) Echo(ctx context.Context, req *sourcelink.EchoRequest) (*sourcelink.EchoResponse, error) {
	if _, err := m.gate(ctx); err != nil {
		return nil, err
	}
	attrs := make(map[string]string, len(req.Attrs)+1)
	for k, v := range req.Attrs {
		attrs[k] = v
	}
	attrs["source_id"] = m.sourceID
	return &sourcelink.EchoResponse{Message: req.Message, Attrs: attrs}, nil
}
