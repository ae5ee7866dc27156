package coverage

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/cache"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/sourcelink"
	"github.com/caravelhq/caravel/internal/store"
)

type fakeCoverageStore struct {
	agreements map[string]*domain.Agreement
	base       map[string][]string
	overrides  map[string]map[string]bool
	catalog    map[string]struct{}
	replaced   []string
	baseReads  int
}

func newFakeCoverageStore() *fakeCoverageStore {
	return &fakeCoverageStore{
		agreements: map[string]*domain.Agreement{
			"ag-1": {ID: "ag-1", AgentID: "agent-1", SourceID: "source-1", AgreementRef: "REF-1", Status: domain.AgreementActive},
		},
		base: map[string][]string{
			"source-1": {"NOOSL", "SEARN", "DKCPH"},
		},
		overrides: map[string]map[string]bool{},
		catalog:   map[string]struct{}{"NOOSL": {}, "SEARN": {}, "DKCPH": {}, "FIHEL": {}},
	}
}

func (f *fakeCoverageStore) GetAgreement(_ context.Context, id string) (*domain.Agreement, error) {
	if a, ok := f.agreements[id]; ok {
		return a, nil
	}
	return nil, store.ErrAgreementNotFound
}

func (f *fakeCoverageStore) SourceCoverage(_ context.Context, sourceID string) ([]string, error) {
	f.baseReads++
	return f.base[sourceID], nil
}

func (f *fakeCoverageStore) AgreementOverrides(_ context.Context, agreementID string) (map[string]bool, error) {
	return f.overrides[agreementID], nil
}

func (f *fakeCoverageStore) KnownLocations(_ context.Context, codes []string) ([]string, error) {
	var out []string
	for _, c := range codes {
		if _, ok := f.catalog[c]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCoverageStore) ListAgreementsBySource(_ context.Context, sourceID string, _ domain.AgreementStatus) ([]*domain.Agreement, error) {
	var out []*domain.Agreement
	for _, a := range f.agreements {
		if a.SourceID == sourceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeCoverageStore) ReplaceSourceCoverage(_ context.Context, sourceID string, codes []string) (store.CoverageDiff, error) {
	old := f.base[sourceID]
	oldSet := make(map[string]struct{}, len(old))
	for _, c := range old {
		oldSet[c] = struct{}{}
	}
	diff := store.CoverageDiff{Total: len(codes)}
	newSet := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		newSet[c] = struct{}{}
		if _, ok := oldSet[c]; !ok {
			diff.Added++
		}
	}
	for _, c := range old {
		if _, ok := newSet[c]; !ok {
			diff.Removed++
		}
	}
	f.base[sourceID] = codes
	f.replaced = codes
	return diff, nil
}

func (f *fakeCoverageStore) UpsertAgreementOverride(_ context.Context, agreementID, unlocode string, allowed bool) error {
	if f.overrides[agreementID] == nil {
		f.overrides[agreementID] = map[string]bool{}
	}
	f.overrides[agreementID][unlocode] = allowed
	return nil
}

func (f *fakeCoverageStore) RemoveAgreementOverride(_ context.Context, agreementID, unlocode string) error {
	delete(f.overrides[agreementID], unlocode)
	return nil
}

type fakeAdapterSource struct {
	locations []string
}

func (f *fakeAdapterSource) ForSource(_ context.Context, _ string) (adapter.Adapter, error) {
	return &locationsOnlyAdapter{locations: f.locations}, nil
}

type locationsOnlyAdapter struct {
	locations []string
}

func (a *locationsOnlyAdapter) Availability(context.Context, *sourcelink.AvailabilityRequest) ([]json.RawMessage, error) {
	return nil, nil
}
func (a *locationsOnlyAdapter) Locations(context.Context) ([]string, error) {
	return a.locations, nil
}
func (a *locationsOnlyAdapter) BookingCreate(context.Context, *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error) {
	return nil, nil
}
func (a *locationsOnlyAdapter) BookingModify(context.Context, *sourcelink.BookingModifyRequest) (*sourcelink.BookingResponse, error) {
	return nil, nil
}
func (a *locationsOnlyAdapter) BookingCancel(context.Context, *sourcelink.BookingCancelRequest) (*sourcelink.BookingResponse, error) {
	return nil, nil
}
func (a *locationsOnlyAdapter) BookingCheck(context.Context, *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error) {
	return nil, nil
}
func (a *locationsOnlyAdapter) Echo(context.Context, *sourcelink.EchoRequest) (*sourcelink.EchoResponse, error) {
	return nil, nil
}

func TestEffectiveBaseOnly(t *testing.T) {
	r := NewResolver(newFakeCoverageStore(), nil, nil, nil, 0)

	set, err := r.Effective(context.Background(), "ag-1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	want := []string{"DKCPH", "NOOSL", "SEARN"}
	if !reflect.DeepEqual(set, want) {
		t.Errorf("effective = %v, want %v", set, want)
	}
}

func TestEffectiveAppliesOverrides(t *testing.T) {
	st := newFakeCoverageStore()
	st.overrides["ag-1"] = map[string]bool{
		"FIHEL": true,  // allow outside base
		"SEARN": false, // deny inside base
	}
	r := NewResolver(st, nil, nil, nil, 0)

	set, err := r.Effective(context.Background(), "ag-1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	want := []string{"DKCPH", "FIHEL", "NOOSL"}
	if !reflect.DeepEqual(set, want) {
		t.Errorf("effective = %v, want %v", set, want)
	}
}

func TestIsAllowedOverrideWins(t *testing.T) {
	st := newFakeCoverageStore()
	st.overrides["ag-1"] = map[string]bool{"NOOSL": false}
	r := NewResolver(st, nil, nil, nil, 0)

	ok, err := r.IsAllowed(context.Background(), "ag-1", "NOOSL")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if ok {
		t.Error("deny override did not win over base membership")
	}

	ok, err = r.IsAllowed(context.Background(), "ag-1", "DKCPH")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if !ok {
		t.Error("base membership lost without an override")
	}
}

func TestIsAllowedRejectsBadUnlocode(t *testing.T) {
	r := NewResolver(newFakeCoverageStore(), nil, nil, nil, 0)
	_, err := r.IsAllowed(context.Background(), "ag-1", "not-a-code")
	if domain.CodeOf(err) != domain.CodeInvalidParam {
		t.Errorf("err code = %s, want INVALID_PARAM", domain.CodeOf(err))
	}
}

func TestEffectiveCachesAndInvalidates(t *testing.T) {
	st := newFakeCoverageStore()
	c := cache.NewInMemoryCache()
	defer c.Close()
	r := NewResolver(st, nil, c, nil, 0)
	ctx := context.Background()

	if _, err := r.Effective(ctx, "ag-1"); err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, err := r.Effective(ctx, "ag-1"); err != nil {
		t.Fatalf("effective: %v", err)
	}
	if st.baseReads != 1 {
		t.Errorf("base reads = %d, want 1 (second read cached)", st.baseReads)
	}

	// A write must bust the cache so the next read sees the override.
	if err := r.SetOverride(ctx, "ag-1", "SEARN", false); err != nil {
		t.Fatalf("set override: %v", err)
	}
	set, err := r.Effective(ctx, "ag-1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	for _, code := range set {
		if code == "SEARN" {
			t.Error("stale cached set served after override write")
		}
	}
	if st.baseReads != 2 {
		t.Errorf("base reads = %d, want 2 (recompute after invalidation)", st.baseReads)
	}
}

func TestSyncSourceCoverageFiltersUnknownCodes(t *testing.T) {
	st := newFakeCoverageStore()
	adapters := &fakeAdapterSource{locations: []string{"NOOSL", "FIHEL", "XXXXX"}}
	r := NewResolver(st, adapters, nil, nil, 0)

	diff, err := r.SyncSourceCoverage(context.Background(), "source-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff.Total != 2 {
		t.Errorf("total = %d, want 2 (unknown code dropped)", diff.Total)
	}
	if diff.Added != 1 || diff.Removed != 2 {
		t.Errorf("diff = %+v, want added 1 removed 2", diff)
	}
	want := []string{"NOOSL", "FIHEL"}
	if !reflect.DeepEqual(st.replaced, want) {
		t.Errorf("replaced = %v, want %v", st.replaced, want)
	}
}

func TestIncrementalEqualsFromScratch(t *testing.T) {
	// Applying overrides one by one must land on the same effective set
	// as computing it once from the final override map.
	st1 := newFakeCoverageStore()
	r1 := NewResolver(st1, nil, nil, nil, 0)
	ctx := context.Background()

	steps := []struct {
		code    string
		allowed bool
		clear   bool
	}{
		{code: "FIHEL", allowed: true},
		{code: "SEARN", allowed: false},
		{code: "FIHEL", allowed: false},
		{code: "FIHEL", clear: true},
		{code: "DKCPH", allowed: true},
	}
	for _, s := range steps {
		var err error
		if s.clear {
			err = r1.ClearOverride(ctx, "ag-1", s.code)
		} else {
			err = r1.SetOverride(ctx, "ag-1", s.code, s.allowed)
		}
		if err != nil {
			t.Fatalf("step %+v: %v", s, err)
		}
	}
	incremental, err := r1.Effective(ctx, "ag-1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}

	st2 := newFakeCoverageStore()
	st2.overrides["ag-1"] = map[string]bool{"SEARN": false, "DKCPH": true}
	r2 := NewResolver(st2, nil, nil, nil, 0)
	scratch, err := r2.Effective(ctx, "ag-1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}

	if !reflect.DeepEqual(incremental, scratch) {
		t.Errorf("incremental %v != from-scratch %v", incremental, scratch)
	}
}
