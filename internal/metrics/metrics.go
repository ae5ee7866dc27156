package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes broker runtime counters. The Prometheus
// collectors in prometheus.go are the scrape surface; this struct backs
// the JSON stats endpoint and keeps working when Prometheus is not
// initialized.
type Metrics struct {
	// Fan-out metrics
	JobsCreated    atomic.Int64
	JobsCompleted  atomic.Int64
	ResultsAppended atomic.Int64
	LateResults    atomic.Int64

	// Source call metrics
	SourceCalls    atomic.Int64
	SourceTimeouts atomic.Int64
	SourceErrors   atomic.Int64

	// Booking metrics
	BookingsCreated  atomic.Int64
	BookingReplays   atomic.Int64
	BookingFailures  atomic.Int64

	// Latency metrics (milliseconds, across all source calls)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Per-source metrics
	sourceMetrics sync.Map // sourceID -> *SourceMetrics

	startTime time.Time
}

// SourceMetrics tracks call outcomes for a single Source.
type SourceMetrics struct {
	Calls    atomic.Int64
	Timeouts atomic.Int64
	Errors   atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordSourceCall records one adapter call outcome. status is one of
// "success", "timeout", "error".
func (m *Metrics) RecordSourceCall(sourceID, operation, status string, durationMs int64) {
	m.SourceCalls.Add(1)
	switch status {
	case "timeout":
		m.SourceTimeouts.Add(1)
	case "error":
		m.SourceErrors.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	sm := m.getSourceMetrics(sourceID)
	sm.Calls.Add(1)
	switch status {
	case "timeout":
		sm.Timeouts.Add(1)
	case "error":
		sm.Errors.Add(1)
	}
	sm.TotalMs.Add(durationMs)
	updateMin(&sm.MinMs, durationMs)
	updateMax(&sm.MaxMs, durationMs)

	// Prometheus bridge
	RecordPrometheusSourceCall(sourceID, operation, status, durationMs)
}

// RecordJobCreated records a new fan-out job.
func (m *Metrics) RecordJobCreated(kind string) {
	m.JobsCreated.Add(1)
	RecordPrometheusJobCreated(kind)
}

// RecordJobCompleted records a job reaching COMPLETE.
func (m *Metrics) RecordJobCompleted(kind, reason string, durationMs int64) {
	m.JobsCompleted.Add(1)
	RecordPrometheusJobCompleted(kind, reason, durationMs)
}

// RecordResultAppended records one partial landing in a job buffer.
func (m *Metrics) RecordResultAppended(kind string) {
	m.ResultsAppended.Add(1)
	RecordPrometheusResultAppended(kind)
}

// RecordLateResult records a partial rejected because its job had already
// completed.
func (m *Metrics) RecordLateResult(kind string) {
	m.LateResults.Add(1)
	RecordPrometheusLateResult(kind)
}

// RecordBooking records a booking command outcome. status is one of
// "created", "replay", "failed".
func (m *Metrics) RecordBooking(operation, status string) {
	switch status {
	case "created":
		m.BookingsCreated.Add(1)
	case "replay":
		m.BookingReplays.Add(1)
	case "failed":
		m.BookingFailures.Add(1)
	}
	RecordPrometheusBooking(operation, status)
}

func (m *Metrics) getSourceMetrics(sourceID string) *SourceMetrics {
	if v, ok := m.sourceMetrics.Load(sourceID); ok {
		return v.(*SourceMetrics)
	}

	sm := &SourceMetrics{}
	sm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.sourceMetrics.LoadOrStore(sourceID, sm)
	return actual.(*SourceMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	calls := m.SourceCalls.Load()
	avgLatency := float64(0)
	if calls > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(calls)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"jobs": map[string]interface{}{
			"created":          m.JobsCreated.Load(),
			"completed":        m.JobsCompleted.Load(),
			"results_appended": m.ResultsAppended.Load(),
			"late_results":     m.LateResults.Load(),
		},
		"source_calls": map[string]interface{}{
			"total":    calls,
			"timeouts": m.SourceTimeouts.Load(),
			"errors":   m.SourceErrors.Load(),
		},
		"bookings": map[string]interface{}{
			"created":  m.BookingsCreated.Load(),
			"replays":  m.BookingReplays.Load(),
			"failures": m.BookingFailures.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
	}
}

// SourceStats returns per-source call metrics.
func (m *Metrics) SourceStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.sourceMetrics.Range(func(key, value interface{}) bool {
		sourceID := key.(string)
		sm := value.(*SourceMetrics)

		total := sm.Calls.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(sm.TotalMs.Load()) / float64(total)
		}

		minMs := sm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[sourceID] = map[string]interface{}{
			"calls":    total,
			"timeouts": sm.Timeouts.Load(),
			"errors":   sm.Errors.Load(),
			"avg_ms":   avgMs,
			"min_ms":   minMs,
			"max_ms":   sm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["sources"] = m.SourceStats()
		json.NewEncoder(w).Encode(result)
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
