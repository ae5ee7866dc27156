package domain

import (
	"encoding/json"
	"time"
)

// BookingStatus tracks the Source-driven lifecycle of a booking. The
// middleware never invents transitions; every change mirrors a Source
// response.
type BookingStatus string

const (
	BookingRequested BookingStatus = "REQUESTED"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingFailed    BookingStatus = "FAILED"
)

func (s BookingStatus) IsValid() bool {
	switch s {
	case BookingRequested, BookingConfirmed, BookingCancelled, BookingFailed:
		return true
	}
	return false
}

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingRequested: {BookingConfirmed, BookingFailed},
	BookingConfirmed: {BookingCancelled},
	BookingCancelled: {},
	BookingFailed:    {},
}

// CanBookingTransition reports whether from → to is a legal lifecycle
// move. A same-status update is legal so a status check can restate
// what the Source already reported.
func CanBookingTransition(from, to BookingStatus) bool {
	if from == to {
		return true
	}
	for _, t := range bookingTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Booking is the canonical middleware-side record of a Source booking.
type Booking struct {
	ID                 string          `json:"id"`
	AgentID            string          `json:"agent_id"`
	SourceID           string          `json:"source_id"`
	AgreementID        string          `json:"agreement_id"`
	AgreementRef       string          `json:"agreement_ref"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	SupplierBookingRef string          `json:"supplier_booking_ref,omitempty"` // assigned by the Source
	Status             BookingStatus   `json:"status"`
	LastPayload        json.RawMessage `json:"last_payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Idempotency scopes namespace keys per command kind.
const (
	ScopeBookingCreate = "booking:create"
)

// IdempotencyRecord maps (agent, scope, key) to the committed result of
// the first execution. ResponseBody is replayed byte for byte on
// duplicate submissions.
type IdempotencyRecord struct {
	AgentID      string    `json:"agent_id"`
	Scope        string    `json:"scope"`
	Key          string    `json:"key"`
	ResponseRef  string    `json:"response_ref"`
	ResponseBody []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
