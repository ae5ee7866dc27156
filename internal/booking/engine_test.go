package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/sourcelink"
	"github.com/caravelhq/caravel/internal/store"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []health.Sample
}

func (r *sampleRecorder) Record(s health.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

type memBookingStore struct {
	mu         sync.Mutex
	agreements map[string]*domain.Agreement
	bookings   map[string]*domain.Booking
	idem       map[string]*domain.IdempotencyRecord // agent|scope|key
}

func newMemBookingStore() *memBookingStore {
	return &memBookingStore{
		agreements: map[string]*domain.Agreement{
			"ag-1": {ID: "ag-1", AgentID: "agent-1", SourceID: "source-1",
				AgreementRef: "REF-1", Status: domain.AgreementActive},
			"ag-suspended": {ID: "ag-suspended", AgentID: "agent-1", SourceID: "source-1",
				AgreementRef: "REF-2", Status: domain.AgreementSuspended},
		},
		bookings: map[string]*domain.Booking{},
		idem:     map[string]*domain.IdempotencyRecord{},
	}
}

func idemKey(agentID, scope, key string) string { return agentID + "|" + scope + "|" + key }

func (m *memBookingStore) GetAgreement(_ context.Context, id string) (*domain.Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agreements[id]; ok {
		return a, nil
	}
	return nil, store.ErrAgreementNotFound
}

func (m *memBookingStore) GetAgreementByRef(_ context.Context, agentID, ref string) (*domain.Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*domain.Agreement
	for _, a := range m.agreements {
		if a.AgentID == agentID && a.AgreementRef == ref {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, store.ErrAgreementNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, store.ErrAmbiguousAgreementRef
	}
}

func (m *memBookingStore) LookupIdempotency(_ context.Context, agentID, scope, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[idemKey(agentID, scope, key)]; ok {
		return rec, nil
	}
	return nil, store.ErrIdempotencyNotFound
}

func (m *memBookingStore) CreateBookingWithIdempotency(_ context.Context, b *domain.Booking, responseBody []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(b.AgentID, domain.ScopeBookingCreate, b.IdempotencyKey)
	if _, ok := m.idem[k]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateBooking, b.IdempotencyKey)
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.bookings[b.ID] = b
	m.idem[k] = &domain.IdempotencyRecord{
		AgentID: b.AgentID, Scope: domain.ScopeBookingCreate, Key: b.IdempotencyKey,
		ResponseRef: b.ID, ResponseBody: responseBody, CreatedAt: now,
	}
	return nil
}

func (m *memBookingStore) GetBooking(_ context.Context, id string) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookings[id]; ok {
		return b, nil
	}
	return nil, store.ErrBookingNotFound
}

func (m *memBookingStore) GetBookingBySupplierRef(_ context.Context, agentID, sourceID, supplierRef string) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.AgentID == agentID && b.SupplierBookingRef == supplierRef &&
			(sourceID == "" || b.SourceID == sourceID) {
			return b, nil
		}
	}
	return nil, store.ErrBookingNotFound
}

func (m *memBookingStore) UpdateBookingFromSource(_ context.Context, id string, status domain.BookingStatus, supplierRef string, payload json.RawMessage) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, store.ErrBookingNotFound
	}
	if !domain.CanBookingTransition(b.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidBookingTransition, b.Status, status)
	}
	b.Status = status
	if supplierRef != "" {
		b.SupplierBookingRef = supplierRef
	}
	if payload != nil {
		b.LastPayload = payload
	}
	b.UpdatedAt = time.Now().UTC()
	return b, nil
}

// countingAdapter wraps the scripted mock and counts create calls.
type countingAdapter struct {
	adapter.Adapter
	mu      sync.Mutex
	creates int
}

func (c *countingAdapter) BookingCreate(ctx context.Context, req *sourcelink.BookingCreateRequest) (*sourcelink.BookingResponse, error) {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.Adapter.BookingCreate(ctx, req)
}

func (c *countingAdapter) createCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type singleAdapterSource struct {
	ad adapter.Adapter
}

func (s *singleAdapterSource) ForSource(context.Context, string) (adapter.Adapter, error) {
	return s.ad, nil
}

func newTestEngine(st Store, p adapter.Profile) (*Engine, *countingAdapter) {
	counting := &countingAdapter{Adapter: adapter.NewMock("source-1", p)}
	e := NewEngine(Config{CallTimeout: 2 * time.Second}, st, &singleAdapterSource{ad: counting}, nil, nil)
	return e, counting
}

func TestCreateRequiresIdempotencyKey(t *testing.T) {
	e, _ := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{AgreementID: "ag-1"})
	if domain.CodeOf(err) != domain.CodeMissingIdempotency {
		t.Errorf("err code = %s, want MISSING_IDEMPOTENCY", domain.CodeOf(err))
	}
}

func TestCreateAndReplay(t *testing.T) {
	st := newMemBookingStore()
	e, counting := newTestEngine(st, adapter.Profile{})
	ctx := context.Background()
	req := CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1", RequestID: "req-1"}

	first, err := e.Create(ctx, "agent-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Replayed {
		t.Error("first execution marked as replay")
	}
	var resp CreateResponse
	if err := json.Unmarshal(first.Body, &resp); err != nil {
		t.Fatalf("body does not parse: %v", err)
	}
	if resp.SupplierBookingRef == "" {
		t.Error("no supplier booking ref assigned")
	}

	second, err := e.Create(ctx, "agent-1", req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Error("second execution not marked as replay")
	}
	if !bytes.Equal(first.Body, second.Body) {
		t.Errorf("replay body differs:\n  first:  %s\n  second: %s", first.Body, second.Body)
	}
	if counting.createCalls() != 1 {
		t.Errorf("source called %d times, want 1", counting.createCalls())
	}
}

func TestCreateRejectsInactiveAgreement(t *testing.T) {
	e, counting := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementID: "ag-suspended", IdempotencyKey: "key-1",
	})
	if domain.CodeOf(err) != domain.CodeAgreementInactive {
		t.Errorf("err code = %s, want AGREEMENT_INACTIVE", domain.CodeOf(err))
	}
	if counting.createCalls() != 0 {
		t.Error("source contacted despite inactive agreement")
	}
}

func TestCreateHidesForeignAgreement(t *testing.T) {
	e, _ := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Create(context.Background(), "other-agent", CreateRequest{
		AgreementID: "ag-1", IdempotencyKey: "key-1",
	})
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Errorf("err code = %s, want NOT_FOUND", domain.CodeOf(err))
	}
}

func TestCreateTimeoutBecomesUpstreamTimeout(t *testing.T) {
	st := newMemBookingStore()
	counting := &countingAdapter{Adapter: adapter.NewMock("source-1", adapter.Profile{Latency: 5 * time.Second})}
	e := NewEngine(Config{CallTimeout: 50 * time.Millisecond}, st, &singleAdapterSource{ad: counting}, nil, nil)

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementID: "ag-1", IdempotencyKey: "key-1",
	})
	if domain.CodeOf(err) != domain.CodeUpstreamTimeout {
		t.Errorf("err code = %s, want UPSTREAM_TIMEOUT", domain.CodeOf(err))
	}
	if len(st.bookings) != 0 {
		t.Error("booking persisted despite source timeout")
	}
}

func TestSourceCallsFeedHealthMonitor(t *testing.T) {
	st := newMemBookingStore()
	rec := &sampleRecorder{}
	counting := &countingAdapter{Adapter: adapter.NewMock("source-1", adapter.Profile{})}
	e := NewEngine(Config{CallTimeout: 2 * time.Second}, st, &singleAdapterSource{ad: counting}, rec, nil)
	ctx := context.Background()

	created, err := e.Create(ctx, "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(created.Body, &resp)
	if _, err := e.Check(ctx, "agent-1", CommandRequest{SupplierBookingRef: resp.SupplierBookingRef}); err != nil {
		t.Fatalf("check: %v", err)
	}

	rec.mu.Lock()
	samples := append([]health.Sample(nil), rec.samples...)
	rec.mu.Unlock()
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want one per source call", len(samples))
	}
	for i, s := range samples {
		if s.SourceID != "source-1" || !s.Success {
			t.Errorf("samples[%d] = %+v, want success for source-1", i, s)
		}
	}
}

func TestFailedSourceCallRecordsFailureSample(t *testing.T) {
	st := newMemBookingStore()
	rec := &sampleRecorder{}
	counting := &countingAdapter{Adapter: adapter.NewMock("source-1", adapter.Profile{Fail: true, FailMsg: "boom"})}
	e := NewEngine(Config{CallTimeout: 2 * time.Second}, st, &singleAdapterSource{ad: counting}, rec, nil)

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err == nil {
		t.Fatal("create succeeded against failing source")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.samples) != 1 || rec.samples[0].Success {
		t.Errorf("samples = %+v, want one failure", rec.samples)
	}
}

func TestCreateConcurrentDuplicateReplaysWinner(t *testing.T) {
	st := newMemBookingStore()
	// Pre-commit the winner's rows as if a concurrent request won the
	// race after our idempotency lookup came back empty.
	winnerBody := []byte(`{"booking_id":"winner","status":"REQUESTED"}`)
	raceStore := &racingStore{memBookingStore: st, winnerBody: winnerBody}
	e := NewEngine(Config{}, raceStore, &singleAdapterSource{ad: adapter.NewMock("source-1", adapter.Profile{})}, nil, nil)

	res, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementID: "ag-1", IdempotencyKey: "key-race",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Replayed {
		t.Error("duplicate loser not marked as replay")
	}
	if !bytes.Equal(res.Body, winnerBody) {
		t.Errorf("body = %s, want winner's body", res.Body)
	}
}

// racingStore lets the first lookup miss, then fails the insert with a
// duplicate and serves the winner's record on the re-read.
type racingStore struct {
	*memBookingStore
	winnerBody []byte
	raced      bool
}

func (r *racingStore) CreateBookingWithIdempotency(_ context.Context, b *domain.Booking, _ []byte, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raced = true
	r.idem[idemKey(b.AgentID, domain.ScopeBookingCreate, b.IdempotencyKey)] = &domain.IdempotencyRecord{
		AgentID: b.AgentID, Scope: domain.ScopeBookingCreate, Key: b.IdempotencyKey,
		ResponseRef: "winner", ResponseBody: r.winnerBody,
	}
	return fmt.Errorf("%w: %s", store.ErrDuplicateBooking, b.IdempotencyKey)
}

func TestModifyUnknownRefIsNotFound(t *testing.T) {
	e, _ := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Modify(context.Background(), "agent-1", CommandRequest{SupplierBookingRef: "SIM-nope"})
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Errorf("err code = %s, want NOT_FOUND", domain.CodeOf(err))
	}
}

func TestCommandAgreementRefMismatchIsNotFound(t *testing.T) {
	st := newMemBookingStore()
	e, _ := newTestEngine(st, adapter.Profile{})
	ctx := context.Background()

	created, err := e.Create(ctx, "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(created.Body, &resp)

	_, err = e.Check(ctx, "agent-1", CommandRequest{
		SupplierBookingRef: resp.SupplierBookingRef,
		AgreementRef:       "REF-other",
	})
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Errorf("err code = %s, want NOT_FOUND", domain.CodeOf(err))
	}

	if _, err := e.Check(ctx, "agent-1", CommandRequest{
		SupplierBookingRef: resp.SupplierBookingRef,
		AgreementRef:       "REF-1",
	}); err != nil {
		t.Errorf("matching ref rejected: %v", err)
	}
}

func TestCancelUpdatesSnapshot(t *testing.T) {
	st := newMemBookingStore()
	e, _ := newTestEngine(st, adapter.Profile{})
	ctx := context.Background()

	created, err := e.Create(ctx, "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(created.Body, &resp)

	b, err := e.Cancel(ctx, "agent-1", CommandRequest{SupplierBookingRef: resp.SupplierBookingRef})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.Status != domain.BookingCancelled {
		t.Errorf("status = %s, want CANCELLED", b.Status)
	}
}

func TestCheckRefreshesStatus(t *testing.T) {
	st := newMemBookingStore()
	e, _ := newTestEngine(st, adapter.Profile{})
	ctx := context.Background()

	created, err := e.Create(ctx, "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(created.Body, &resp)

	b, err := e.Check(ctx, "agent-1", CommandRequest{SupplierBookingRef: resp.SupplierBookingRef})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if b.SupplierBookingRef != resp.SupplierBookingRef {
		t.Errorf("supplier ref changed on check: %s", b.SupplierBookingRef)
	}
}

// confirmingAdapter reports CONFIRMED on every check regardless of the
// booking's real state.
type confirmingAdapter struct {
	adapter.Adapter
}

func (c *confirmingAdapter) BookingCheck(ctx context.Context, req *sourcelink.BookingCheckRequest) (*sourcelink.BookingResponse, error) {
	resp, err := c.Adapter.BookingCheck(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Status = string(domain.BookingConfirmed)
	return resp, nil
}

func TestCancelledBookingCannotComeBack(t *testing.T) {
	st := newMemBookingStore()
	ad := &confirmingAdapter{Adapter: adapter.NewMock("source-1", adapter.Profile{})}
	e := NewEngine(Config{CallTimeout: 2 * time.Second}, st, &singleAdapterSource{ad: ad}, nil, nil)
	ctx := context.Background()

	created, err := e.Create(ctx, "agent-1", CreateRequest{AgreementID: "ag-1", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(created.Body, &resp)

	if _, err := e.Cancel(ctx, "agent-1", CommandRequest{SupplierBookingRef: resp.SupplierBookingRef}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = e.Check(ctx, "agent-1", CommandRequest{SupplierBookingRef: resp.SupplierBookingRef})
	if domain.CodeOf(err) != domain.CodeInvalidTransition {
		t.Fatalf("err code = %s, want INVALID_TRANSITION", domain.CodeOf(err))
	}

	b, err := st.GetBookingBySupplierRef(ctx, "agent-1", "", resp.SupplierBookingRef)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if b.Status != domain.BookingCancelled {
		t.Errorf("status = %s, want CANCELLED", b.Status)
	}
}

func TestCreateByAgreementRef(t *testing.T) {
	st := newMemBookingStore()
	e, counting := newTestEngine(st, adapter.Profile{})

	res, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementRef: "REF-1", IdempotencyKey: "key-ref-1"})
	if err != nil {
		t.Fatalf("create by ref: %v", err)
	}
	var resp CreateResponse
	json.Unmarshal(res.Body, &resp)
	if resp.AgreementRef != "REF-1" {
		t.Errorf("agreement_ref = %s, want REF-1", resp.AgreementRef)
	}
	if counting.creates != 1 {
		t.Errorf("source calls = %d, want 1", counting.creates)
	}
}

func TestCreateRefMustMatchAgreementID(t *testing.T) {
	e, _ := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementID: "ag-1", AgreementRef: "REF-2", IdempotencyKey: "key-1"})
	if domain.CodeOf(err) != domain.CodeInvalidParam {
		t.Errorf("err code = %s, want INVALID_PARAM", domain.CodeOf(err))
	}
}

func TestCreateRequiresAgreementIDOrRef(t *testing.T) {
	e, _ := newTestEngine(newMemBookingStore(), adapter.Profile{})

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{IdempotencyKey: "key-1"})
	if domain.CodeOf(err) != domain.CodeInvalidParam {
		t.Errorf("err code = %s, want INVALID_PARAM", domain.CodeOf(err))
	}
}

func TestCreateByAmbiguousRefIsRejected(t *testing.T) {
	st := newMemBookingStore()
	st.agreements["ag-other-source"] = &domain.Agreement{
		ID: "ag-other-source", AgentID: "agent-1", SourceID: "source-2",
		AgreementRef: "REF-1", Status: domain.AgreementActive}
	e, _ := newTestEngine(st, adapter.Profile{})

	_, err := e.Create(context.Background(), "agent-1", CreateRequest{
		AgreementRef: "REF-1", IdempotencyKey: "key-1"})
	if domain.CodeOf(err) != domain.CodeInvalidParam {
		t.Errorf("err code = %s, want INVALID_PARAM", domain.CodeOf(err))
	}
}
