package adapter

import (
	"context"
	"sync"

	"github.com/caravelhq/caravel/internal/domain"
)

// CompanyGetter is the slice of the store the registry needs.
type CompanyGetter interface {
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
}

type cachedAdapter struct {
	adapter  Adapter
	kind     domain.AdapterKind
	endpoint string
}

// Registry builds and memoizes one adapter per Source, keyed on the
// company's (adapterKind, grpcEndpoint) attributes. An attribute change
// invalidates the entry; the old connection is closed lazily.
type Registry struct {
	companies CompanyGetter

	mu      sync.RWMutex
	entries map[string]*cachedAdapter
}

func NewRegistry(companies CompanyGetter) *Registry {
	return &Registry{
		companies: companies,
		entries:   make(map[string]*cachedAdapter),
	}
}

// ForSource returns the adapter for a Source company, constructing it on
// first use. Non-Source companies and unknown adapter kinds are caller
// bugs surfaced as INTERNAL.
func (r *Registry) ForSource(ctx context.Context, sourceID string) (Adapter, error) {
	company, err := r.companies.GetCompany(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if company.Type != domain.CompanySource {
		return nil, domain.NewError(domain.CodeInternal, "company %s is not a source", sourceID)
	}

	kind := company.AdapterKind
	if kind == "" {
		kind = domain.AdapterMock
	}

	r.mu.RLock()
	entry, ok := r.entries[sourceID]
	r.mu.RUnlock()
	if ok && entry.kind == kind && entry.endpoint == company.GRPCEndpoint {
		return entry.adapter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check under the write lock.
	if entry, ok := r.entries[sourceID]; ok && entry.kind == kind && entry.endpoint == company.GRPCEndpoint {
		return entry.adapter, nil
	}

	var a Adapter
	switch kind {
	case domain.AdapterMock:
		a = NewMock(sourceID, Profile{})
	case domain.AdapterGRPC:
		a, err = NewGRPC(sourceID, company.GRPCEndpoint)
		if err != nil {
			return nil, err
		}
	default:
		return nil, domain.NewError(domain.CodeInternal, "source %s has unknown adapter kind %q", sourceID, kind)
	}

	r.closeLocked(sourceID)
	r.entries[sourceID] = &cachedAdapter{adapter: a, kind: kind, endpoint: company.GRPCEndpoint}
	return a, nil
}

// Invalidate drops the memoized adapter after a company attribute change.
func (r *Registry) Invalidate(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(sourceID)
	delete(r.entries, sourceID)
}

// SetMockProfile scripts the mock adapter for a Source, creating it if
// needed. Used by tests and the sandbox bootstrap.
func (r *Registry) SetMockProfile(sourceID string, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[sourceID]; ok {
		if m, ok := entry.adapter.(*MockAdapter); ok {
			m.SetProfile(p)
			return
		}
		r.closeLocked(sourceID)
	}
	r.entries[sourceID] = &cachedAdapter{adapter: NewMock(sourceID, p), kind: domain.AdapterMock}
}

// Close releases every cached adapter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.closeLocked(id)
	}
	r.entries = make(map[string]*cachedAdapter)
}

func (r *Registry) closeLocked(sourceID string) {
	if entry, ok := r.entries[sourceID]; ok {
		if closer, ok := entry.adapter.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
