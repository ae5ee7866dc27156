// Package sourcelink carries the gRPC protocol between the broker and a
// Source endpoint (caravel.source.v1.SourceService, see proto/source.proto).
//
// Bindings are hand-maintained: plain request/response structs serialized
// by the JSON codec in codec.go under content-subtype "json". No code
// generation is involved, so suppliers can implement the service from the
// .proto contract in any stack that speaks gRPC with a JSON payload.
package sourcelink

import (
	"encoding/json"

	"github.com/caravelhq/caravel/internal/domain"
)

// AvailabilityRequest asks a Source for offers matching the criteria
// under one agreement.
type AvailabilityRequest struct {
	AgreementRef string                      `json:"agreement_ref"`
	Criteria     domain.AvailabilityCriteria `json:"criteria"`
}

// AvailabilityResponse carries the Source's offers verbatim; the broker
// never interprets offer contents.
type AvailabilityResponse struct {
	Offers []json.RawMessage `json:"offers"`
}

// LocationsRequest is empty; the Source reports its full coverage.
type LocationsRequest struct{}

type LocationsResponse struct {
	Unlocodes []string `json:"unlocodes"`
}

// BookingCreateRequest propagates the Agent's idempotency key and the
// middleware request id verbatim so the Source can deduplicate on its
// side too.
type BookingCreateRequest struct {
	AgreementRef        string          `json:"agreement_ref"`
	SupplierOfferRef    string          `json:"supplier_offer_ref,omitempty"`
	AgentBookingRef     string          `json:"agent_booking_ref,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key"`
	MiddlewareRequestID string          `json:"middleware_request_id"`
	AgentID             string          `json:"agent_id"`
	Details             json.RawMessage `json:"details,omitempty"`
}

// BookingModifyRequest passes the fields map through unchanged; its
// schema is entirely Source-defined.
type BookingModifyRequest struct {
	SupplierBookingRef string         `json:"supplier_booking_ref"`
	AgreementRef       string         `json:"agreement_ref"`
	Fields             map[string]any `json:"fields,omitempty"`
}

type BookingCancelRequest struct {
	SupplierBookingRef string `json:"supplier_booking_ref"`
	AgreementRef       string `json:"agreement_ref"`
}

type BookingCheckRequest struct {
	SupplierBookingRef string `json:"supplier_booking_ref"`
	AgreementRef       string `json:"agreement_ref"`
}

// BookingResponse is shared by all four booking operations.
type BookingResponse struct {
	SupplierBookingRef string          `json:"supplier_booking_ref"`
	Status             string          `json:"status"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// EchoRequest is the liveness probe body, reflected back by the Source.
type EchoRequest struct {
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

type EchoResponse struct {
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}
