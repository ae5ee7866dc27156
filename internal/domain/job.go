package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is shared by availability and echo jobs.
type JobStatus string

const (
	JobInProgress JobStatus = "IN_PROGRESS"
	JobComplete   JobStatus = "COMPLETE"
)

func (s JobStatus) IsValid() bool {
	switch s {
	case JobInProgress, JobComplete:
		return true
	}
	return false
}

// AvailabilityJob is the fan-in buffer head for one availability request.
// Results append to it while IN_PROGRESS; completion is terminal.
type AvailabilityJob struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Criteria        json.RawMessage `json:"criteria"`
	Status          JobStatus       `json:"status"`
	ExpectedSources int             `json:"expected_sources"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// AvailabilityResult is one appended partial. Payload is either an offers
// array, an empty array with TimedOut set, or a single {error, message}
// object; the middleware never interprets offer contents.
type AvailabilityResult struct {
	JobID        string          `json:"job_id"`
	Seq          int64           `json:"seq"`
	SourceID     string          `json:"source_id"`
	AgreementRef string          `json:"agreement_ref,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	TimedOut     bool            `json:"timed_out,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SourceErrorItem is the payload appended after a non-timeout Source
// failure.
type SourceErrorItem struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	AgreementRef string `json:"agreement_ref,omitempty"`
}
