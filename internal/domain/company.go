package domain

import "time"

// CompanyType separates the two sides of the marketplace plus operators.
type CompanyType string

const (
	CompanyAgent  CompanyType = "AGENT"
	CompanySource CompanyType = "SOURCE"
	CompanyAdmin  CompanyType = "ADMIN"
)

func (t CompanyType) IsValid() bool {
	switch t {
	case CompanyAgent, CompanySource, CompanyAdmin:
		return true
	}
	return false
}

type CompanyStatus string

const (
	CompanyPendingVerification CompanyStatus = "PENDING_VERIFICATION"
	CompanyActive              CompanyStatus = "ACTIVE"
	CompanySuspended           CompanyStatus = "SUSPENDED"
)

func (s CompanyStatus) IsValid() bool {
	switch s {
	case CompanyPendingVerification, CompanyActive, CompanySuspended:
		return true
	}
	return false
}

// AdapterKind selects how the middleware reaches a Source.
type AdapterKind string

const (
	// AdapterMock is the in-process synthetic adapter, used by tests and
	// health probing.
	AdapterMock AdapterKind = "mock"
	// AdapterGRPC dials the Source's registered endpoint.
	AdapterGRPC AdapterKind = "grpc"
)

func (k AdapterKind) IsValid() bool {
	switch k {
	case AdapterMock, AdapterGRPC:
		return true
	}
	return false
}

// Company is a participant. Companies are provisioned by the external
// identity service; this core reads them and may only toggle SUSPENDED.
type Company struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         CompanyType   `json:"type"`
	Status       CompanyStatus `json:"status"`
	AdapterKind  AdapterKind   `json:"adapter_kind,omitempty"`  // sources only
	GRPCEndpoint string        `json:"grpc_endpoint,omitempty"` // sources with adapter_kind=grpc
	WebhookURL   string        `json:"webhook_url,omitempty"`   // counterparty notification target
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CanParticipate reports whether the company may take part in agreements
// and operations.
func (c *Company) CanParticipate() bool { return c.Status == CompanyActive }
