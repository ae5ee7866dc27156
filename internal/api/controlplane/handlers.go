// Package controlplane carries the operator and counterparty surface:
// agreement lifecycle, coverage administration, source health and the
// company read model.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caravelhq/caravel/internal/agreement"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/store"
)

// Agreements is the lifecycle surface. Satisfied by
// *agreement.Registry.
type Agreements interface {
	CreateDraft(ctx context.Context, req agreement.CreateDraftRequest) (*domain.Agreement, error)
	Offer(ctx context.Context, id string) (*domain.Agreement, error)
	Accept(ctx context.Context, id string) (*domain.Agreement, error)
	SetStatus(ctx context.Context, id string, target domain.AgreementStatus) (*domain.Agreement, error)
	Get(ctx context.Context, id string) (*domain.Agreement, error)
	ListByAgent(ctx context.Context, agentID string, status domain.AgreementStatus) ([]*domain.Agreement, error)
	ListBySource(ctx context.Context, sourceID string, status domain.AgreementStatus) ([]*domain.Agreement, error)
}

// Coverage is the resolver's admin surface. Satisfied by
// *coverage.Resolver.
type Coverage interface {
	Effective(ctx context.Context, agreementID string) ([]string, error)
	SetOverride(ctx context.Context, agreementID, unlocode string, allowed bool) error
	ClearOverride(ctx context.Context, agreementID, unlocode string) error
	SyncSourceCoverage(ctx context.Context, sourceID string) (store.CoverageDiff, error)
}

// Health is the monitor's read/reset surface. Satisfied by
// *health.Monitor.
type Health interface {
	Snapshot(sourceID string) *domain.SourceHealth
	SnapshotAll() []*domain.SourceHealth
	Reset(sourceID string)
}

// Companies is the participant read model. Satisfied by
// *store.PostgresStore.
type Companies interface {
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
	ListCompanies(ctx context.Context, typ domain.CompanyType, status domain.CompanyStatus) ([]*domain.Company, error)
	CreateCompany(ctx context.Context, c *domain.Company) error
	SetCompanySuspended(ctx context.Context, id string, suspended bool) (*domain.Company, error)
}

// Pinger reports storage reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles control plane HTTP requests.
type Handler struct {
	Agreements Agreements
	Coverage   Coverage
	Health     Health
	Companies  Companies
	Pinger     Pinger
}

// RegisterRoutes registers all control plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agreements", h.CreateAgreement)
	mux.HandleFunc("GET /agreements", h.ListAgreements)
	mux.HandleFunc("GET /agreements/{id}", h.GetAgreement)
	mux.HandleFunc("POST /agreements/{id}/offer", h.OfferAgreement)
	mux.HandleFunc("POST /agreements/{id}/accept", h.AcceptAgreement)
	mux.HandleFunc("POST /agreements/{id}/status", h.SetAgreementStatus)

	mux.HandleFunc("GET /agreements/{id}/coverage", h.ListAgreementCoverage)
	mux.HandleFunc("PUT /agreements/{id}/coverage/{unlocode}", h.UpsertCoverageOverride)
	mux.HandleFunc("DELETE /agreements/{id}/coverage/{unlocode}", h.RemoveCoverageOverride)

	mux.HandleFunc("POST /sources/{id}/coverage/sync", h.SyncSourceCoverage)
	mux.HandleFunc("GET /sources/{id}/health", h.SourceHealth)
	mux.HandleFunc("POST /sources/{id}/health/reset", h.ResetSourceHealth)
	mux.HandleFunc("GET /sources/health", h.AllSourceHealth)

	mux.HandleFunc("GET /companies", h.ListCompanies)
	mux.HandleFunc("GET /companies/{id}", h.GetCompany)
	mux.HandleFunc("POST /companies", h.CreateCompany)
	mux.HandleFunc("POST /companies/{id}/suspend", h.SuspendCompany)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

type createAgreementBody struct {
	AgentID      string     `json:"agent_id" validate:"required"`
	SourceID     string     `json:"source_id" validate:"required"`
	AgreementRef string     `json:"agreement_ref" validate:"required"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

// CreateAgreement handles POST /agreements.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	a, err := h.Agreements.CreateDraft(r.Context(), agreement.CreateDraftRequest{
		AgentID:      req.AgentID,
		SourceID:     req.SourceID,
		AgreementRef: req.AgreementRef,
		ValidFrom:    req.ValidFrom,
		ValidTo:      req.ValidTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAgreement handles GET /agreements/{id}.
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agreements.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, agreementError(err, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAgreements handles GET /agreements?agent_id=|source_id=&status=.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.AgreementStatus(q.Get("status"))

	var (
		list []*domain.Agreement
		err  error
	)
	switch {
	case q.Get("agent_id") != "":
		list, err = h.Agreements.ListByAgent(r.Context(), q.Get("agent_id"), status)
	case q.Get("source_id") != "":
		list, err = h.Agreements.ListBySource(r.Context(), q.Get("source_id"), status)
	default:
		writeError(w, domain.NewError(domain.CodeInvalidParam, "agent_id or source_id is required"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Agreement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": list})
}

// OfferAgreement handles POST /agreements/{id}/offer.
func (h *Handler) OfferAgreement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id string) (*domain.Agreement, error) {
		return h.Agreements.Offer(ctx, id)
	})
}

// AcceptAgreement handles POST /agreements/{id}/accept.
func (h *Handler) AcceptAgreement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id string) (*domain.Agreement, error) {
		return h.Agreements.Accept(ctx, id)
	})
}

// SetAgreementStatus handles POST /agreements/{id}/status.
func (h *Handler) SetAgreementStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target domain.AgreementStatus `json:"target" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, id string) (*domain.Agreement, error) {
		return h.Agreements.SetStatus(ctx, id, req.Target)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.Agreement, error)) {
	id := r.PathValue("id")
	a, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, agreementError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func agreementError(err error, id string) error {
	if errors.Is(err, store.ErrAgreementNotFound) {
		return domain.NewError(domain.CodeNotFound, "agreement %s not found", id)
	}
	return err
}

type coverageEntry struct {
	Unlocode string `json:"unlocode"`
	Allowed  bool   `json:"allowed"`
}

// ListAgreementCoverage handles GET /agreements/{id}/coverage. It
// returns the effective set, overrides already applied.
func (h *Handler) ListAgreementCoverage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	codes, err := h.Coverage.Effective(r.Context(), id)
	if err != nil {
		writeError(w, agreementError(err, id))
		return
	}
	entries := make([]coverageEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, coverageEntry{Unlocode: code, Allowed: true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"coverage": entries})
}

// UpsertCoverageOverride handles PUT /agreements/{id}/coverage/{unlocode}.
func (h *Handler) UpsertCoverageOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowed *bool `json:"allowed" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	id := r.PathValue("id")
	if err := h.Coverage.SetOverride(r.Context(), id, r.PathValue("unlocode"), *req.Allowed); err != nil {
		writeError(w, agreementError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoveCoverageOverride handles DELETE /agreements/{id}/coverage/{unlocode}.
func (h *Handler) RemoveCoverageOverride(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Coverage.ClearOverride(r.Context(), id, r.PathValue("unlocode")); err != nil {
		writeError(w, agreementError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SyncSourceCoverage handles POST /sources/{id}/coverage/sync.
func (h *Handler) SyncSourceCoverage(w http.ResponseWriter, r *http.Request) {
	diff, err := h.Coverage.SyncSourceCoverage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// SourceHealth handles GET /sources/{id}/health.
func (h *Handler) SourceHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.Health.Snapshot(r.PathValue("id"))
	if snap == nil {
		writeError(w, domain.NewError(domain.CodeNotFound, "no health samples for source %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// AllSourceHealth handles GET /sources/health.
func (h *Handler) AllSourceHealth(w http.ResponseWriter, r *http.Request) {
	snaps := h.Health.SnapshotAll()
	if snaps == nil {
		snaps = []*domain.SourceHealth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": snaps})
}

// ResetSourceHealth handles POST /sources/{id}/health/reset.
func (h *Handler) ResetSourceHealth(w http.ResponseWriter, r *http.Request) {
	h.Health.Reset(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListCompanies handles GET /companies?type=&status=.
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := domain.CompanyType(q.Get("type"))
	if typ != "" && !typ.IsValid() {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "unknown company type %q", typ))
		return
	}
	status := domain.CompanyStatus(q.Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "unknown company status %q", status))
		return
	}

	list, err := h.Companies.ListCompanies(r.Context(), typ, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Company{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": list})
}

// GetCompany handles GET /companies/{id}.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.Companies.GetCompany(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrCompanyNotFound) {
		writeError(w, domain.NewError(domain.CodeNotFound, "company %s not found", r.PathValue("id")))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type createCompanyBody struct {
	ID           string             `json:"id,omitempty"`
	Name         string             `json:"name" validate:"required"`
	Type         domain.CompanyType `json:"type" validate:"required"`
	AdapterKind  domain.AdapterKind `json:"adapter_kind,omitempty"`
	GRPCEndpoint string             `json:"grpc_endpoint,omitempty"`
	WebhookURL   string             `json:"webhook_url,omitempty"`
}

// CreateCompany handles POST /companies. Companies normally arrive via
// the external identity service; this endpoint serves dev and sandbox
// provisioning.
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "invalid JSON body: %v", err))
		return
	}
	if err := getValidator().Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if !req.Type.IsValid() {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "unknown company type %q", req.Type))
		return
	}
	if req.AdapterKind != "" && !req.AdapterKind.IsValid() {
		writeError(w, domain.NewError(domain.CodeInvalidParam, "unknown adapter kind %q", req.AdapterKind))
		return
	}

	c := &domain.Company{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		AdapterKind:  req.AdapterKind,
		GRPCEndpoint: req.GRPCEndpoint,
		WebhookURL:   req.WebhookURL,
	}
	if err := h.Companies.CreateCompany(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// SuspendCompany handles POST /companies/{id}/suspend.
func (h *Handler) SuspendCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.Companies.SetCompanySuspended(r.Context(), r.PathValue("id"), true)
	if errors.Is(err, store.ErrCompanyNotFound) {
		writeError(w, domain.NewError(domain.CodeNotFound, "company %s not found", r.PathValue("id")))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Healthz handles GET /healthz, the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. Ready means the store answers.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Pinger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
