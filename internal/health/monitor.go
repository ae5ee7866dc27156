// Package health implements the source health monitor that feeds fan-out
// eligibility.
//
// # Why a sample ring, not a time window
//
// Source traffic is bursty: one agent's search can produce a dozen calls
// to the same source in a second, then nothing for minutes. A
// duration-based window would be empty most of the time and overweight
// bursts. A fixed-size ring of the last W samples always reflects the
// same amount of evidence regardless of traffic shape.
//
// # Strike and backoff model
//
// After every recorded sample, once the ring holds at least MinSamples,
// the slow rate is evaluated. A rate at or above 0.5 is a strike;
// anything lower resets the consecutive-strike counter. At
// StrikeThreshold consecutive strikes the backoff level advances (capped)
// and the source is excluded for BackoffBase·2^(level−1). A full ring of
// fresh samples with a slow rate under 0.2 decays the level by one;
// reaching level 0 clears the exclusion.
//
// # Concurrency
//
// One mutex guards the entry map; per-entry state is only touched under
// it. Record and IsExcluded are non-blocking and cheap; a brief window
// where two callers observe a stale exclusion verdict is acceptable.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
)

// Config tunes the monitor. Zero values fall back to the documented
// defaults.
type Config struct {
	WindowSize      int           // ring capacity W, minimum 50
	SlowThreshold   time.Duration // latency above this counts as slow
	MinSamples      int           // samples required before strike evaluation
	StrikeThreshold int           // consecutive strikes before backoff advances
	BackoffBase     time.Duration // first exclusion window
	MaxBackoffLevel int           // backoff level cap
}

func (c Config) withDefaults() Config {
	if c.WindowSize < 50 {
		c.WindowSize = 100
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 3 * time.Second
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.StrikeThreshold <= 0 {
		c.StrikeThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.MaxBackoffLevel <= 0 {
		c.MaxBackoffLevel = 3
	}
	return c
}

// Sample is one observed source call.
type Sample struct {
	SourceID  string
	LatencyMS int64
	Success   bool
}

type entry struct {
	ring          []bool // true = slow; ring[head] is the oldest sample once full
	head          int
	count         int
	slowCount     int
	strikes       int
	backoffLevel  int
	excludedUntil time.Time
	freshSamples  int // samples since the last backoff level change
	dirty         bool
	updatedAt     time.Time
}

// Monitor keeps one entry per source id.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	now     func() time.Time // test seam
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Record feeds one call observation and runs the strike evaluation.
func (m *Monitor) Record(s Sample) {
	if s.SourceID == "" {
		return
	}
	slow := !s.Success || s.LatencyMS > m.cfg.SlowThreshold.Milliseconds()
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[s.SourceID]
	if e == nil {
		e = &entry{ring: make([]bool, m.cfg.WindowSize)}
		m.entries[s.SourceID] = e
	}

	if e.count == len(e.ring) {
		if e.ring[e.head] {
			e.slowCount--
		}
	} else {
		e.count++
	}
	e.ring[e.head] = slow
	if slow {
		e.slowCount++
	}
	e.head = (e.head + 1) % len(e.ring)
	e.freshSamples++
	e.updatedAt = now
	e.dirty = true

	if e.count < m.cfg.MinSamples {
		return
	}
	rate := float64(e.slowCount) / float64(e.count)

	if rate >= 0.5 {
		e.strikes++
		metrics.RecordHealthStrike(s.SourceID)
		if e.strikes >= m.cfg.StrikeThreshold {
			e.strikes = 0
			if e.backoffLevel < m.cfg.MaxBackoffLevel {
				e.backoffLevel++
			}
			window := m.cfg.BackoffBase << (e.backoffLevel - 1)
			e.excludedUntil = now.Add(window)
			e.freshSamples = 0
			metrics.RecordHealthExclusion(s.SourceID)
			logging.Component("health").Warn("source excluded",
				"source_id", s.SourceID,
				"slow_rate", rate,
				"backoff_level", e.backoffLevel,
				"excluded_until", e.excludedUntil)
		}
		return
	}

	e.strikes = 0
	if e.backoffLevel > 0 && e.freshSamples >= len(e.ring) && rate < 0.2 {
		e.backoffLevel--
		e.freshSamples = 0
		if e.backoffLevel == 0 {
			e.excludedUntil = time.Time{}
		}
		logging.Component("health").Info("source backoff decayed",
			"source_id", s.SourceID,
			"backoff_level", e.backoffLevel)
	}
}

// IsExcluded reports whether the source is currently ineligible for
// fan-out.
func (m *Monitor) IsExcluded(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[sourceID]
	if e == nil {
		return false
	}
	return !e.excludedUntil.IsZero() && m.now().UTC().Before(e.excludedUntil)
}

// Snapshot returns the current verdict for one source, or nil if the
// monitor has never seen it.
func (m *Monitor) Snapshot(sourceID string) *domain.SourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[sourceID]
	if e == nil {
		return nil
	}
	return snapshotEntry(sourceID, e)
}

// SnapshotAll returns verdicts for every tracked source.
func (m *Monitor) SnapshotAll() []*domain.SourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.SourceHealth, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, snapshotEntry(id, e))
	}
	return out
}

// Reset clears all counters for a source (admin surface).
func (m *Monitor) Reset(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sourceID)
}

// ExcludedCount returns how many sources are excluded right now.
func (m *Monitor) ExcludedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	n := 0
	for _, e := range m.entries {
		if !e.excludedUntil.IsZero() && now.Before(e.excludedUntil) {
			n++
		}
	}
	return n
}

// Load seeds the monitor from persisted rows at boot. Only the verdict
// fields survive a restart; the sample ring starts empty.
func (m *Monitor) Load(rows []*domain.SourceHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range rows {
		if h == nil || h.SourceID == "" {
			continue
		}
		e := &entry{
			ring:         make([]bool, m.cfg.WindowSize),
			strikes:      h.StrikeCount,
			backoffLevel: h.BackoffLevel,
			updatedAt:    h.UpdatedAt,
		}
		if h.ExcludedUntil != nil {
			e.excludedUntil = *h.ExcludedUntil
		}
		m.entries[h.SourceID] = e
	}
}

// SnapshotStore persists monitor verdicts across restarts.
type SnapshotStore interface {
	UpsertSourceHealth(ctx context.Context, h *domain.SourceHealth) error
	DeleteSourceHealth(ctx context.Context, sourceID string) error
}

// Flush persists every dirty entry and clears its flag. Persistence
// failures leave the flag set so the next flush retries.
func (m *Monitor) Flush(ctx context.Context, store SnapshotStore) {
	m.mu.Lock()
	var dirty []*domain.SourceHealth
	for id, e := range m.entries {
		if e.dirty {
			dirty = append(dirty, snapshotEntry(id, e))
			e.dirty = false
		}
	}
	m.mu.Unlock()

	for _, h := range dirty {
		if err := store.UpsertSourceHealth(ctx, h); err != nil {
			logging.Component("health").Error("flush source health", "source_id", h.SourceID, "error", err)
			m.mu.Lock()
			if e := m.entries[h.SourceID]; e != nil {
				e.dirty = true
			}
			m.mu.Unlock()
		}
	}
	metrics.SetExcludedSources(m.ExcludedCount())
}

// RunFlusher periodically flushes dirty entries until the context ends.
func (m *Monitor) RunFlusher(ctx context.Context, store SnapshotStore, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx), store)
			return
		case <-ticker.C:
			m.Flush(ctx, store)
		}
	}
}

func snapshotEntry(sourceID string, e *entry) *domain.SourceHealth {
	h := &domain.SourceHealth{
		SourceID:     sourceID,
		SampleCount:  e.count,
		SlowCount:    e.slowCount,
		StrikeCount:  e.strikes,
		BackoffLevel: e.backoffLevel,
		UpdatedAt:    e.updatedAt,
	}
	if e.count > 0 {
		h.SlowRate = float64(e.slowCount) / float64(e.count)
	}
	if !e.excludedUntil.IsZero() {
		until := e.excludedUntil
		h.ExcludedUntil = &until
	}
	return h
}
