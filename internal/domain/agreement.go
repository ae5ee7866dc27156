package domain

import (
	"regexp"
	"strings"
	"time"
)

type AgreementStatus string

const (
	AgreementDraft     AgreementStatus = "DRAFT"
	AgreementOffered   AgreementStatus = "OFFERED"
	AgreementAccepted  AgreementStatus = "ACCEPTED"
	AgreementActive    AgreementStatus = "ACTIVE"
	AgreementSuspended AgreementStatus = "SUSPENDED"
	AgreementExpired   AgreementStatus = "EXPIRED"
)

func (s AgreementStatus) IsValid() bool {
	switch s {
	case AgreementDraft, AgreementOffered, AgreementAccepted,
		AgreementActive, AgreementSuspended, AgreementExpired:
		return true
	}
	return false
}

// agreementTransitions is the full lifecycle graph. EXPIRED is terminal.
var agreementTransitions = map[AgreementStatus][]AgreementStatus{
	AgreementDraft:     {AgreementOffered},
	AgreementOffered:   {AgreementAccepted, AgreementExpired},
	AgreementAccepted:  {AgreementActive},
	AgreementActive:    {AgreementSuspended, AgreementExpired},
	AgreementSuspended: {AgreementActive, AgreementExpired},
	AgreementExpired:   {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to AgreementStatus) bool {
	for _, t := range agreementTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the statuses reachable from the given one.
func LegalTargets(from AgreementStatus) []AgreementStatus {
	targets := agreementTransitions[from]
	out := make([]AgreementStatus, len(targets))
	copy(out, targets)
	return out
}

// TransitionError builds the INVALID_TRANSITION error, enumerating the
// legal targets of the current status.
func TransitionError(from, to AgreementStatus) *Error {
	targets := LegalTargets(from)
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	return NewError(CodeInvalidTransition,
		"cannot transition agreement from %s to %s: legal targets are [%s]",
		from, to, strings.Join(names, ", "))
}

var agreementRefPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateAgreementRef enforces the accepted agreement reference format.
func ValidateAgreementRef(ref string) error {
	if ref == "" {
		return NewError(CodeInvalidParam, "agreement_ref is required")
	}
	if !agreementRefPattern.MatchString(ref) {
		return NewError(CodeInvalidParam, "invalid agreement_ref: must match %s", agreementRefPattern.String())
	}
	return nil
}

// Agreement is the bilateral contract every operation is scoped by.
// Parties are held as opaque company ids; there is no object graph and
// rows are never deleted.
type Agreement struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	SourceID     string          `json:"source_id"`
	AgreementRef string          `json:"agreement_ref"`
	Status       AgreementStatus `json:"status"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidTo      *time.Time      `json:"valid_to,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsActiveAt applies the validity window on top of the stored status. A
// valid_to in the past means logically EXPIRED even before the sweeper
// rewrites the row.
func (a *Agreement) IsActiveAt(now time.Time) bool {
	if a.Status != AgreementActive {
		return false
	}
	if a.ValidFrom != nil && now.Before(*a.ValidFrom) {
		return false
	}
	if a.ValidTo != nil && !now.Before(*a.ValidTo) {
		return false
	}
	return true
}

// ActiveRef is the slim projection the dispatcher works with.
type ActiveRef struct {
	ID           string `json:"id"`
	AgreementRef string `json:"agreement_ref"`
	SourceID     string `json:"source_id"`
}
