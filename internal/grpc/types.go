package grpc

import (
	"encoding/json"

	"github.com/caravelhq/caravel/internal/domain"
)

// Wire structs for caravel.broker.v1.BrokerService. proto/broker.proto
// documents the same shapes; the JSON codec exchanges these directly.

type SubmitAvailabilityRequest struct {
	AgreementRefs []string                    `json:"agreement_refs,omitempty"`
	Criteria      domain.AvailabilityCriteria `json:"criteria"`
}

type SubmitJobResponse struct {
	JobID             string `json:"job_id"`
	ExpectedSources   int    `json:"expected_sources"`
	RecommendedPollMs int    `json:"recommended_poll_ms,omitempty"`
}

type GetResultsRequest struct {
	JobID    string `json:"job_id"`
	SinceSeq int64  `json:"since_seq,omitempty"`
	WaitMs   int64  `json:"wait_ms,omitempty"`
}

type AvailabilityResultsResponse struct {
	JobID           string                       `json:"job_id"`
	Status          domain.JobStatus             `json:"status"`
	Complete        bool                         `json:"complete"`
	LastSeq         int64                        `json:"last_seq"`
	ExpectedSources int                          `json:"expected_sources"`
	Results         []*domain.AvailabilityResult `json:"results,omitempty"`
}

type SubmitEchoRequest struct {
	AgreementRef string            `json:"agreement_ref,omitempty"`
	Message      string            `json:"message"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

type EchoResultsResponse struct {
	JobID             string             `json:"job_id"`
	Status            domain.JobStatus   `json:"status"`
	LastSeq           int64              `json:"last_seq"`
	ResponsesReceived int                `json:"responses_received"`
	TotalExpected     int                `json:"total_expected"`
	TimedOutSources   []string           `json:"timed_out_sources,omitempty"`
	AggregateEtag     string             `json:"aggregate_etag"`
	Items             []*domain.EchoItem `json:"items,omitempty"`
}

type CreateBookingRequest struct {
	AgreementID      string          `json:"agreement_id,omitempty"`
	AgreementRef     string          `json:"agreement_ref,omitempty"`
	SupplierOfferRef string          `json:"supplier_offer_ref,omitempty"`
	AgentBookingRef  string          `json:"agent_booking_ref,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

// CreateBookingResponse carries the canonical body verbatim so replays
// stay byte-identical across both planes.
type CreateBookingResponse struct {
	Body json.RawMessage `json:"body"`
}

type BookingCommandRequest struct {
	SupplierBookingRef string         `json:"supplier_booking_ref"`
	AgreementRef       string         `json:"agreement_ref,omitempty"`
	Fields             map[string]any `json:"fields,omitempty"`
}

type BookingRecord struct {
	ID                 string          `json:"id"`
	AgreementRef       string          `json:"agreement_ref"`
	SupplierBookingRef string          `json:"supplier_booking_ref,omitempty"`
	Status             string          `json:"status"`
	LastPayload        json.RawMessage `json:"last_payload,omitempty"`
}
