package domain

import "time"

// SourceHealth is a point-in-time snapshot of the monitor's verdict for
// one Source.
type SourceHealth struct {
	SourceID      string     `json:"source_id"`
	SampleCount   int        `json:"sample_count"`
	SlowCount     int        `json:"slow_count"`
	SlowRate      float64    `json:"slow_rate"`
	StrikeCount   int        `json:"strike_count"`
	BackoffLevel  int        `json:"backoff_level"`
	ExcludedUntil *time.Time `json:"excluded_until,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Excluded reports whether the Source is ineligible for fan-out at now.
func (h *SourceHealth) Excluded(now time.Time) bool {
	return h.ExcludedUntil != nil && now.Before(*h.ExcludedUntil)
}
