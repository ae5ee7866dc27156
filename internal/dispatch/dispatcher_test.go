package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/store"
)

// memDispatchStore mirrors the SQL store's append semantics: seq per
// job, appends rejected once COMPLETE.
type memDispatchStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.AvailabilityJob
	results map[string][]*domain.AvailabilityResult
	nextID  int
}

func newMemDispatchStore() *memDispatchStore {
	return &memDispatchStore{
		jobs:    map[string]*domain.AvailabilityJob{},
		results: map[string][]*domain.AvailabilityResult{},
	}
}

func (m *memDispatchStore) CreateAvailabilityJob(_ context.Context, agentID string, criteria json.RawMessage) (*domain.AvailabilityJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job := &domain.AvailabilityJob{
		ID:        fmt.Sprintf("job-%d", m.nextID),
		AgentID:   agentID,
		Criteria:  criteria,
		Status:    domain.JobInProgress,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memDispatchStore) SetExpectedSources(_ context.Context, jobID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.ExpectedSources = n
	return nil
}

func (m *memDispatchStore) AppendAvailabilityResult(_ context.Context, jobID, sourceID, agreementRef string, payload json.RawMessage, timedOut bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return 0, store.ErrJobNotFound
	}
	if job.Status == domain.JobComplete {
		return 0, fmt.Errorf("%w: %s", store.ErrJobComplete, jobID)
	}
	seq := int64(len(m.results[jobID]) + 1)
	m.results[jobID] = append(m.results[jobID], &domain.AvailabilityResult{
		JobID: jobID, Seq: seq, SourceID: sourceID, AgreementRef: agreementRef,
		Payload: payload, TimedOut: timedOut,
	})
	return seq, nil
}

func (m *memDispatchStore) MarkAvailabilityJobComplete(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if job.Status == domain.JobComplete {
		return false, nil
	}
	job.Status = domain.JobComplete
	now := time.Now().UTC()
	job.CompletedAt = &now
	return true, nil
}

func (m *memDispatchStore) snapshot(jobID string) (domain.JobStatus, []*domain.AvailabilityResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	results := append([]*domain.AvailabilityResult(nil), m.results[jobID]...)
	return job.Status, results
}

func (m *memDispatchStore) waitComplete(t *testing.T, jobID string) []*domain.AvailabilityResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, results := m.snapshot(jobID)
		if status == domain.JobComplete {
			return results
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", jobID)
	return nil
}

type staticResolver struct {
	refs []domain.ActiveRef
}

func (r *staticResolver) ResolveActive(context.Context, string, []string) ([]domain.ActiveRef, error) {
	return r.refs, nil
}

// mapCoverage allows a code when the agreement's set contains it; a nil
// inner map allows everything.
type mapCoverage struct {
	allowed map[string]map[string]bool
}

func (c *mapCoverage) IsAllowed(_ context.Context, agreementID, unlocode string) (bool, error) {
	set, ok := c.allowed[agreementID]
	if !ok || set == nil {
		return true, nil
	}
	return set[unlocode], nil
}

type fakeGate struct {
	mu       sync.Mutex
	excluded map[string]bool
	samples  []health.Sample
}

func (g *fakeGate) IsExcluded(sourceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.excluded[sourceID]
}

func (g *fakeGate) Record(s health.Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = append(g.samples, s)
}

type mockAdapters struct {
	mu       sync.Mutex
	profiles map[string]adapter.Profile
	adapters map[string]*adapter.MockAdapter
}

func newMockAdapters(profiles map[string]adapter.Profile) *mockAdapters {
	return &mockAdapters{profiles: profiles, adapters: map[string]*adapter.MockAdapter{}}
}

func (m *mockAdapters) ForSource(_ context.Context, sourceID string) (adapter.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[sourceID]; ok {
		return a, nil
	}
	a := adapter.NewMock(sourceID, m.profiles[sourceID])
	m.adapters[sourceID] = a
	return a, nil
}

func testCriteria() *domain.AvailabilityCriteria {
	return &domain.AvailabilityCriteria{
		PickupUnlocode:  "NOOSL",
		DropoffUnlocode: "SEARN",
		PickupISO:       "2026-09-01T10:00:00Z",
		DropoffISO:      "2026-09-05T10:00:00Z",
		DriverAge:       30,
	}
}

func newTestDispatcher(cfg Config, st Store, refs []domain.ActiveRef,
	cov CoverageChecker, gate HealthGate, profiles map[string]adapter.Profile) *Dispatcher {
	if cov == nil {
		cov = &mapCoverage{}
	}
	if gate == nil {
		gate = &fakeGate{}
	}
	return NewDispatcher(cfg, st, &staticResolver{refs: refs}, cov, gate,
		newMockAdapters(profiles), nil, nil)
}

func TestSubmitCallsEachAgreementOnce(t *testing.T) {
	st := newMemDispatchStore()
	offers := []json.RawMessage{json.RawMessage(`{"vehicle":"compact"}`)}
	// Two agreements on the same source: two calls, one expected source.
	refs := []domain.ActiveRef{
		{ID: "ag-1", AgreementRef: "REF-1", SourceID: "source-1"},
		{ID: "ag-2", AgreementRef: "REF-2", SourceID: "source-1"},
	}
	d := newTestDispatcher(Config{}, st, refs, nil, nil, map[string]adapter.Profile{
		"source-1": {Offers: offers},
	})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExpectedSources != 1 {
		t.Errorf("expected sources = %d, want 1 (deduped by source)", res.ExpectedSources)
	}

	results := st.waitComplete(t, res.JobID)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (one per agreement)", len(results))
	}
	seen := map[string]bool{}
	for i, r := range results {
		if r.Seq != int64(i+1) {
			t.Errorf("seq gap: results[%d].Seq = %d", i, r.Seq)
		}
		seen[r.AgreementRef] = true
	}
	if !seen["REF-1"] || !seen["REF-2"] {
		t.Errorf("agreement refs = %v, want both REF-1 and REF-2", seen)
	}
}

func TestSubmitSkipsExcludedSource(t *testing.T) {
	st := newMemDispatchStore()
	refs := []domain.ActiveRef{
		{ID: "ag-1", AgreementRef: "REF-1", SourceID: "source-ok"},
		{ID: "ag-2", AgreementRef: "REF-2", SourceID: "source-bad"},
	}
	gate := &fakeGate{excluded: map[string]bool{"source-bad": true}}
	d := newTestDispatcher(Config{}, st, refs, nil, gate, map[string]adapter.Profile{})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExpectedSources != 1 {
		t.Errorf("expected sources = %d, want 1", res.ExpectedSources)
	}

	results := st.waitComplete(t, res.JobID)
	for _, r := range results {
		if r.SourceID == "source-bad" {
			t.Error("excluded source was called")
		}
	}
}

func TestSubmitFiltersByCoverage(t *testing.T) {
	st := newMemDispatchStore()
	refs := []domain.ActiveRef{
		{ID: "ag-both", AgreementRef: "REF-1", SourceID: "source-1"},
		{ID: "ag-pickup-only", AgreementRef: "REF-2", SourceID: "source-2"},
	}
	cov := &mapCoverage{allowed: map[string]map[string]bool{
		"ag-both":        {"NOOSL": true, "SEARN": true},
		"ag-pickup-only": {"NOOSL": true}, // dropoff missing
	}}
	d := newTestDispatcher(Config{}, st, refs, cov, nil, map[string]adapter.Profile{})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExpectedSources != 1 {
		t.Errorf("expected sources = %d, want 1 (dropoff filter)", res.ExpectedSources)
	}
	results := st.waitComplete(t, res.JobID)
	if len(results) != 1 || results[0].AgreementRef != "REF-1" {
		t.Errorf("results = %+v, want only REF-1", results)
	}
}

func TestSubmitEmptySetCompletesImmediately(t *testing.T) {
	st := newMemDispatchStore()
	d := newTestDispatcher(Config{}, st, nil, nil, nil, nil)

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExpectedSources != 0 {
		t.Errorf("expected sources = %d, want 0", res.ExpectedSources)
	}
	status, results := st.snapshot(res.JobID)
	if status != domain.JobComplete {
		t.Errorf("status = %s, want COMPLETE without waiting", status)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestTimeoutAppendsTimedOutMarker(t *testing.T) {
	st := newMemDispatchStore()
	refs := []domain.ActiveRef{{ID: "ag-1", AgreementRef: "REF-1", SourceID: "source-slow"}}
	gate := &fakeGate{}
	d := newTestDispatcher(Config{PerCallTimeout: 50 * time.Millisecond, SLA: 5 * time.Second},
		st, refs, nil, gate, map[string]adapter.Profile{
			"source-slow": {Latency: 2 * time.Second},
		})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	results := st.waitComplete(t, res.JobID)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].TimedOut {
		t.Error("timed_out marker not set")
	}
	if string(results[0].Payload) != `[]` {
		t.Errorf("payload = %s, want []", results[0].Payload)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	if len(gate.samples) != 1 || gate.samples[0].Success {
		t.Errorf("health samples = %+v, want one failure", gate.samples)
	}
}

func TestErrorAppendsSourceErrorItem(t *testing.T) {
	st := newMemDispatchStore()
	refs := []domain.ActiveRef{{ID: "ag-1", AgreementRef: "REF-1", SourceID: "source-down"}}
	d := newTestDispatcher(Config{}, st, refs, nil, nil, map[string]adapter.Profile{
		"source-down": {Fail: true, FailMsg: "maintenance window"},
	})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	results := st.waitComplete(t, res.JobID)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (empty set then error item)", len(results))
	}
	if string(results[0].Payload) != `[]` {
		t.Errorf("results[0].Payload = %s, want []", results[0].Payload)
	}
	var item domain.SourceErrorItem
	if err := json.Unmarshal(results[1].Payload, &item); err != nil {
		t.Fatalf("payload is not an error item: %s", results[1].Payload)
	}
	if item.Error != string(domain.CodeSourceError) {
		t.Errorf("error = %s, want SOURCE_ERROR", item.Error)
	}
	if item.AgreementRef != "REF-1" {
		t.Errorf("agreement_ref = %s, want REF-1", item.AgreementRef)
	}
}

func TestSLAExpiryDropsLateResults(t *testing.T) {
	st := newMemDispatchStore()
	refs := []domain.ActiveRef{{ID: "ag-1", AgreementRef: "REF-1", SourceID: "source-glacial"}}
	d := newTestDispatcher(Config{PerCallTimeout: 10 * time.Second, SLA: 100 * time.Millisecond},
		st, refs, nil, nil, map[string]adapter.Profile{
			"source-glacial": {Latency: 3 * time.Second},
		})

	res, err := d.Submit(context.Background(), "agent-1", testCriteria())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	results := st.waitComplete(t, res.JobID)

	// The SLA completed the job; whatever the glacial source tried to
	// append afterwards was rejected.
	time.Sleep(500 * time.Millisecond)
	_, after := st.snapshot(res.JobID)
	if len(after) != len(results) {
		t.Errorf("results grew after COMPLETE: %d → %d", len(results), len(after))
	}
}

func TestSubmitRejectsInvalidCriteria(t *testing.T) {
	d := newTestDispatcher(Config{}, newMemDispatchStore(), nil, nil, nil, nil)

	bad := testCriteria()
	bad.DriverAge = 12
	_, err := d.Submit(context.Background(), "agent-1", bad)
	if domain.CodeOf(err) != domain.CodeInvalidParam {
		t.Errorf("err code = %s, want INVALID_PARAM", domain.CodeOf(err))
	}
}
