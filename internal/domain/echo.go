package domain

import (
	"encoding/json"
	"time"
)

// EchoPayload is the probe body fanned out to Sources verbatim.
type EchoPayload struct {
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// EchoJob mirrors AvailabilityJob for the liveness probe path.
type EchoJob struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	Status          JobStatus  `json:"status"`
	ExpectedSources int        `json:"expected_sources"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// EchoItem is one Source's echo response, or its timeout marker.
type EchoItem struct {
	JobID        string          `json:"job_id"`
	Seq          int64           `json:"seq"`
	SourceID     string          `json:"source_id"`
	AgreementRef string          `json:"agreement_ref,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	TimedOut     bool            `json:"timed_out,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
