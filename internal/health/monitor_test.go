package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caravelhq/caravel/internal/domain"
)

func testConfig() Config {
	return Config{
		WindowSize:      50,
		SlowThreshold:   100 * time.Millisecond,
		MinSamples:      10,
		StrikeThreshold: 3,
		BackoffBase:     30 * time.Second,
		MaxBackoffLevel: 3,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	m := NewMonitor(testConfig())
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	m.now = func() time.Time { return *clock }
	return m, clock
}

func recordN(m *Monitor, sourceID string, n int, success bool, latencyMS int64) {
	for i := 0; i < n; i++ {
		m.Record(Sample{SourceID: sourceID, LatencyMS: latencyMS, Success: success})
	}
}

func TestMonitorHealthySourceNeverExcluded(t *testing.T) {
	m, _ := newTestMonitor(t)

	recordN(m, "s1", 200, true, 50)

	if m.IsExcluded("s1") {
		t.Fatal("healthy source should not be excluded")
	}
	h := m.Snapshot("s1")
	if h.SlowRate != 0 {
		t.Fatalf("expected zero slow rate, got %v", h.SlowRate)
	}
	if h.SampleCount != 50 {
		t.Fatalf("ring should cap sample count at window size, got %d", h.SampleCount)
	}
}

func TestMonitorExcludesAfterConsecutiveStrikes(t *testing.T) {
	m, clock := newTestMonitor(t)

	// Nine slow samples: below MinSamples, no strike evaluation yet.
	recordN(m, "s1", 9, false, 0)
	if m.IsExcluded("s1") {
		t.Fatal("should not exclude before MinSamples")
	}

	// Samples 10..11 bring consecutive strikes to 2; still allowed.
	recordN(m, "s1", 2, false, 0)
	if m.IsExcluded("s1") {
		t.Fatal("should not exclude below the strike threshold")
	}

	// Third consecutive strike advances backoff to level 1.
	recordN(m, "s1", 1, false, 0)
	if !m.IsExcluded("s1") {
		t.Fatal("expected exclusion after three consecutive strikes")
	}

	h := m.Snapshot("s1")
	if h.BackoffLevel != 1 {
		t.Fatalf("expected backoff level 1, got %d", h.BackoffLevel)
	}
	wantUntil := clock.Add(30 * time.Second)
	if h.ExcludedUntil == nil || !h.ExcludedUntil.Equal(wantUntil) {
		t.Fatalf("expected excluded_until %v, got %v", wantUntil, h.ExcludedUntil)
	}

	// Exclusion lapses once the window passes.
	*clock = clock.Add(31 * time.Second)
	if m.IsExcluded("s1") {
		t.Fatal("exclusion should lapse after the window")
	}
}

func TestMonitorSlowLatencyCountsAsSlow(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Successful but above the slow threshold.
	recordN(m, "s1", 12, true, 500)

	if !m.IsExcluded("s1") {
		t.Fatal("slow successes should strike and exclude just like failures")
	}
}

func TestMonitorBackoffLevelDoublesWindow(t *testing.T) {
	m, clock := newTestMonitor(t)

	recordN(m, "s1", 12, false, 0) // level 1
	recordN(m, "s1", 3, false, 0)  // three more strikes, level 2

	h := m.Snapshot("s1")
	if h.BackoffLevel != 2 {
		t.Fatalf("expected backoff level 2, got %d", h.BackoffLevel)
	}
	wantUntil := clock.Add(60 * time.Second)
	if h.ExcludedUntil == nil || !h.ExcludedUntil.Equal(wantUntil) {
		t.Fatalf("expected doubled window until %v, got %v", wantUntil, h.ExcludedUntil)
	}
}

func TestMonitorBackoffLevelCapped(t *testing.T) {
	m, _ := newTestMonitor(t)

	recordN(m, "s1", 12+3*10, false, 0)

	h := m.Snapshot("s1")
	if h.BackoffLevel != 3 {
		t.Fatalf("backoff level should cap at 3, got %d", h.BackoffLevel)
	}
}

func TestMonitorDecayAfterCleanWindow(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Six slow then six fast: strikes land on samples 10, 11 and 12
	// (rates 0.6, 0.545, 0.5) and the source reaches level 1 with the
	// slow rate dropping below 0.5 immediately after.
	recordN(m, "s1", 6, false, 0)
	recordN(m, "s1", 6, true, 10)
	if m.Snapshot("s1").BackoffLevel != 1 {
		t.Fatalf("setup: expected level 1, got %d", m.Snapshot("s1").BackoffLevel)
	}

	// A full fresh ring of fast samples pushes the slow entries out and
	// the rate under 0.2, decaying to level 0 and clearing the exclusion.
	recordN(m, "s1", 50, true, 10)

	h := m.Snapshot("s1")
	if h.BackoffLevel != 0 {
		t.Fatalf("expected decay to level 0, got %d", h.BackoffLevel)
	}
	if h.ExcludedUntil != nil {
		t.Fatalf("expected cleared exclusion, got %v", h.ExcludedUntil)
	}
}

func TestMonitorResetClearsState(t *testing.T) {
	m, _ := newTestMonitor(t)

	recordN(m, "s1", 12, false, 0)
	if !m.IsExcluded("s1") {
		t.Fatal("setup: expected exclusion")
	}

	m.Reset("s1")
	if m.IsExcluded("s1") {
		t.Fatal("reset should clear the exclusion")
	}
	if m.Snapshot("s1") != nil {
		t.Fatal("reset should drop the entry")
	}
}

func TestMonitorLoadRestoresVerdict(t *testing.T) {
	m, clock := newTestMonitor(t)

	until := clock.Add(time.Minute)
	m.Load([]*domain.SourceHealth{{
		SourceID:      "s1",
		BackoffLevel:  2,
		ExcludedUntil: &until,
		UpdatedAt:     *clock,
	}})

	if !m.IsExcluded("s1") {
		t.Fatal("loaded exclusion should hold")
	}
	if m.Snapshot("s1").BackoffLevel != 2 {
		t.Fatal("loaded backoff level should hold")
	}
}

type fakeSnapshotStore struct {
	mu   sync.Mutex
	rows map[string]*domain.SourceHealth
}

func (f *fakeSnapshotStore) UpsertSourceHealth(_ context.Context, h *domain.SourceHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]*domain.SourceHealth)
	}
	f.rows[h.SourceID] = h
	return nil
}

func (f *fakeSnapshotStore) DeleteSourceHealth(context.Context, string) error { return nil }

func TestMonitorFlushPersistsDirtyEntries(t *testing.T) {
	m, _ := newTestMonitor(t)
	store := &fakeSnapshotStore{}

	recordN(m, "s1", 5, true, 10)
	m.Flush(context.Background(), store)

	if store.rows["s1"] == nil {
		t.Fatal("expected s1 flushed")
	}
	if store.rows["s1"].SampleCount != 5 {
		t.Fatalf("expected 5 samples flushed, got %d", store.rows["s1"].SampleCount)
	}

	// Nothing changed; a second flush writes nothing new.
	store.rows = nil
	m.Flush(context.Background(), store)
	if len(store.rows) != 0 {
		t.Fatal("flush should skip clean entries")
	}
}

func TestMonitorConcurrentRecords(t *testing.T) {
	m, _ := newTestMonitor(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordN(m, "s1", 100, true, 10)
		}()
	}
	wg.Wait()

	h := m.Snapshot("s1")
	if h.SampleCount != 50 {
		t.Fatalf("expected full ring, got %d", h.SampleCount)
	}
	if m.IsExcluded("s1") {
		t.Fatal("healthy source excluded after concurrent records")
	}
}
