// Package agreement implements the lifecycle registry for bilateral
// agreements. Every operational surface is scoped by an agreement; the
// registry is the only writer of agreement rows and the only place the
// state machine is enforced.
package agreement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/notify"
	"github.com/caravelhq/caravel/internal/store"
)

// Store is the persistence surface the registry needs. Satisfied by
// *store.PostgresStore.
type Store interface {
	CreateAgreement(ctx context.Context, a *domain.Agreement) error
	GetAgreement(ctx context.Context, id string) (*domain.Agreement, error)
	TransitionAgreement(ctx context.Context, id string, target domain.AgreementStatus) (*domain.Agreement, domain.AgreementStatus, error)
	ListAgreementsByAgent(ctx context.Context, agentID string, status domain.AgreementStatus) ([]*domain.Agreement, error)
	ListAgreementsBySource(ctx context.Context, sourceID string, status domain.AgreementStatus) ([]*domain.Agreement, error)
	ResolveActiveAgreements(ctx context.Context, agentID string, refs []string) ([]domain.ActiveRef, error)
	ExpireDueAgreements(ctx context.Context) ([]store.ExpiredAgreement, error)
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
}

type Registry struct {
	store    Store
	audit    *audit.Emitter
	notifier notify.Notifier
	log      *slog.Logger
}

func NewRegistry(st Store, emitter *audit.Emitter, notifier notify.Notifier) *Registry {
	if notifier == nil {
		notifier = notify.NewNoopNotifier()
	}
	return &Registry{
		store:    st,
		audit:    emitter,
		notifier: notifier,
		log:      logging.Component("agreement"),
	}
}

// CreateDraftRequest carries the parameters of a new DRAFT agreement.
type CreateDraftRequest struct {
	AgentID      string     `json:"agent_id"`
	SourceID     string     `json:"source_id"`
	AgreementRef string     `json:"agreement_ref"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

// CreateDraft validates both parties and inserts a DRAFT agreement.
// Parties must exist, be ACTIVE, and sit on the right side of the
// marketplace.
func (r *Registry) CreateDraft(ctx context.Context, req CreateDraftRequest) (*domain.Agreement, error) {
	if err := domain.ValidateAgreementRef(req.AgreementRef); err != nil {
		return nil, err
	}
	if req.ValidFrom != nil && req.ValidTo != nil && !req.ValidFrom.Before(*req.ValidTo) {
		return nil, domain.NewError(domain.CodeInvalidParam, "valid_from must precede valid_to")
	}
	if err := r.checkParty(ctx, req.AgentID, domain.CompanyAgent); err != nil {
		return nil, err
	}
	if err := r.checkParty(ctx, req.SourceID, domain.CompanySource); err != nil {
		return nil, err
	}

	a := &domain.Agreement{
		AgentID:      req.AgentID,
		SourceID:     req.SourceID,
		AgreementRef: req.AgreementRef,
		Status:       domain.AgreementDraft,
		ValidFrom:    req.ValidFrom,
		ValidTo:      req.ValidTo,
	}
	if err := r.store.CreateAgreement(ctx, a); err != nil {
		return nil, err
	}

	r.log.Info("agreement drafted",
		"agreement_id", a.ID,
		"agreement_ref", a.AgreementRef,
		"agent_id", a.AgentID,
		"source_id", a.SourceID)
	return a, nil
}

func (r *Registry) checkParty(ctx context.Context, companyID string, want domain.CompanyType) error {
	if companyID == "" {
		return domain.NewError(domain.CodeInvalidParam, "%s company id is required", want)
	}
	company, err := r.store.GetCompany(ctx, companyID)
	if err != nil {
		return domain.NewError(domain.CodeInvalidParam, "party %s not found", companyID)
	}
	if company.Type != want {
		return domain.NewError(domain.CodeInvalidParam,
			"party %s has type %s, want %s", companyID, company.Type, want)
	}
	if !company.CanParticipate() {
		return domain.NewError(domain.CodeInvalidParam,
			"party %s is %s, not ACTIVE", companyID, company.Status)
	}
	return nil
}

// Offer moves DRAFT → OFFERED.
func (r *Registry) Offer(ctx context.Context, id string) (*domain.Agreement, error) {
	return r.SetStatus(ctx, id, domain.AgreementOffered)
}

// Accept moves OFFERED → ACCEPTED.
func (r *Registry) Accept(ctx context.Context, id string) (*domain.Agreement, error) {
	return r.SetStatus(ctx, id, domain.AgreementAccepted)
}

// SetStatus applies one lifecycle transition. Both parties must still
// be ACTIVE companies at the instant of the transition. The store
// serializes concurrent transitions on the same row; illegal moves come
// back as INVALID_TRANSITION listing the legal targets.
func (r *Registry) SetStatus(ctx context.Context, id string, target domain.AgreementStatus) (*domain.Agreement, error) {
	if id == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "agreement id is required")
	}
	if !target.IsValid() {
		return nil, domain.NewError(domain.CodeInvalidParam, "unknown agreement status %q", target)
	}

	current, err := r.store.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.checkParty(ctx, current.AgentID, domain.CompanyAgent); err != nil {
		return nil, err
	}
	if err := r.checkParty(ctx, current.SourceID, domain.CompanySource); err != nil {
		return nil, err
	}

	a, from, err := r.store.TransitionAgreement(ctx, id, target)
	if err != nil {
		return nil, err
	}

	r.emitTransition(ctx, a, from)
	return a, nil
}

func (r *Registry) emitTransition(ctx context.Context, a *domain.Agreement, from domain.AgreementStatus) {
	metrics.RecordAgreementTransition(string(from), string(a.Status))
	r.log.Info("agreement transitioned",
		"agreement_id", a.ID,
		"agreement_ref", a.AgreementRef,
		"from", from,
		"to", a.Status)

	if r.audit != nil {
		body, _ := json.Marshal(map[string]string{
			"agreement_id": a.ID,
			"from":         string(from),
			"to":           string(a.Status),
		})
		r.audit.Record(ctx, audit.Event{
			Direction:    audit.DirectionIn,
			Endpoint:     "agreement.transition",
			CompanyID:    a.AgentID,
			SourceID:     a.SourceID,
			AgreementRef: a.AgreementRef,
			StatusCode:   200,
			Request:      body,
		})
	}

	r.notifier.AgreementTransition(ctx, notify.TransitionEvent{
		AgreementID:  a.ID,
		AgreementRef: a.AgreementRef,
		AgentID:      a.AgentID,
		SourceID:     a.SourceID,
		From:         from,
		To:           a.Status,
		At:           a.UpdatedAt,
	})
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Agreement, error) {
	return r.store.GetAgreement(ctx, id)
}

func (r *Registry) ListByAgent(ctx context.Context, agentID string, status domain.AgreementStatus) ([]*domain.Agreement, error) {
	if status != "" && !status.IsValid() {
		return nil, domain.NewError(domain.CodeInvalidParam, "unknown agreement status %q", status)
	}
	return r.store.ListAgreementsByAgent(ctx, agentID, status)
}

func (r *Registry) ListBySource(ctx context.Context, sourceID string, status domain.AgreementStatus) ([]*domain.Agreement, error) {
	if status != "" && !status.IsValid() {
		return nil, domain.NewError(domain.CodeInvalidParam, "unknown agreement status %q", status)
	}
	return r.store.ListAgreementsBySource(ctx, sourceID, status)
}

// ResolveActive expands a (possibly empty) ref list into the ACTIVE,
// in-window agreements of the agent. Duplicated refs are collapsed.
func (r *Registry) ResolveActive(ctx context.Context, agentID string, refs []string) ([]domain.ActiveRef, error) {
	for _, ref := range refs {
		if err := domain.ValidateAgreementRef(ref); err != nil {
			return nil, err
		}
	}
	return r.store.ResolveActiveAgreements(ctx, agentID, dedupeRefs(refs))
}

func dedupeRefs(refs []string) []string {
	if len(refs) < 2 {
		return refs
	}
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// ExpireSweep flips every agreement whose validity window has closed to
// EXPIRED, emitting the same events a manual transition would. Run by
// the retention sweeper and the CLI.
func (r *Registry) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := r.store.ExpireDueAgreements(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		r.emitTransition(ctx, e.Agreement, e.Prior)
	}
	if len(expired) > 0 {
		r.log.Info("expired due agreements", "count", len(expired))
	}
	return len(expired), nil
}
