package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for broker metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	sourceCallsTotal          *prometheus.CounterVec
	jobsCreatedTotal          *prometheus.CounterVec
	jobsCompletedTotal        *prometheus.CounterVec
	resultsAppendedTotal      *prometheus.CounterVec
	lateResultsTotal          *prometheus.CounterVec
	bookingsTotal             *prometheus.CounterVec
	agreementTransitionsTotal *prometheus.CounterVec
	healthStrikesTotal        *prometheus.CounterVec
	healthExclusionsTotal     *prometheus.CounterVec
	auditEventsTotal          *prometheus.CounterVec
	notificationsTotal        *prometheus.CounterVec

	// Histograms
	sourceCallDuration *prometheus.HistogramVec
	jobDuration        *prometheus.HistogramVec
	pollWaitDuration   *prometheus.HistogramVec

	// Gauges
	uptime            prometheus.GaugeFunc
	excludedSources   prometheus.Gauge
	inflightCalls     prometheus.Gauge
	activeLongPollers prometheus.Gauge
}

// Default histogram buckets for source call duration (in milliseconds)
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		sourceCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_calls_total",
				Help:      "Total adapter calls by source, operation and outcome",
			},
			[]string{"source", "operation", "status"},
		),

		jobsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total fan-out jobs created",
			},
			[]string{"kind"},
		),

		jobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total jobs marked COMPLETE, by completion reason",
			},
			[]string{"kind", "reason"}, // settled, sla, empty
		),

		resultsAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_appended_total",
				Help:      "Total partial results appended to job buffers",
			},
			[]string{"kind"},
		),

		lateResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_results_dropped_total",
				Help:      "Partials rejected because their job had completed",
			},
			[]string{"kind"},
		),

		bookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_total",
				Help:      "Booking commands by operation and outcome",
			},
			[]string{"operation", "status"},
		),

		agreementTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agreement_transitions_total",
				Help:      "Agreement state transitions",
			},
			[]string{"from", "to"},
		),

		healthStrikesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_strikes_total",
				Help:      "Strike evaluations registered against sources",
			},
			[]string{"source"},
		),

		healthExclusionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_exclusions_total",
				Help:      "Exclusion windows opened against sources",
			},
			[]string{"source"},
		),

		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Audit records emitted by sink and outcome",
			},
			[]string{"sink", "status"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Counterparty webhook deliveries by outcome",
			},
			[]string{"status"},
		),

		sourceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_call_duration_milliseconds",
				Help:      "Duration of adapter calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"source", "operation"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_milliseconds",
				Help:      "Time from job creation to COMPLETE in milliseconds",
				Buckets:   []float64{50, 100, 250, 500, 1000, 5000, 10000, 30000, 60000, 120000},
			},
			[]string{"kind"},
		),

		pollWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_wait_milliseconds",
				Help:      "Observed long-poll wait durations in milliseconds",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
			},
			[]string{"kind"},
		),

		excludedSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "excluded_sources",
				Help:      "Number of sources currently inside an exclusion window",
			},
		),

		inflightCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_source_calls",
				Help:      "Adapter calls currently in flight",
			},
		),

		activeLongPollers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_long_pollers",
				Help:      "Long-poll readers currently waiting for results",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the broker daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.sourceCallsTotal,
		pm.jobsCreatedTotal,
		pm.jobsCompletedTotal,
		pm.resultsAppendedTotal,
		pm.lateResultsTotal,
		pm.bookingsTotal,
		pm.agreementTransitionsTotal,
		pm.healthStrikesTotal,
		pm.healthExclusionsTotal,
		pm.auditEventsTotal,
		pm.notificationsTotal,
		pm.sourceCallDuration,
		pm.jobDuration,
		pm.pollWaitDuration,
		pm.uptime,
		pm.excludedSources,
		pm.inflightCalls,
		pm.activeLongPollers,
	)

	promMetrics = pm
}

// RecordPrometheusSourceCall records an adapter call in Prometheus collectors
func RecordPrometheusSourceCall(sourceID, operation, status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.sourceCallsTotal.WithLabelValues(sourceID, operation, status).Inc()
	promMetrics.sourceCallDuration.WithLabelValues(sourceID, operation).Observe(float64(durationMs))
}

// RecordPrometheusJobCreated records a new job
func RecordPrometheusJobCreated(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsCreatedTotal.WithLabelValues(kind).Inc()
}

// RecordPrometheusJobCompleted records a job completion
func RecordPrometheusJobCompleted(kind, reason string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsCompletedTotal.WithLabelValues(kind, reason).Inc()
	promMetrics.jobDuration.WithLabelValues(kind).Observe(float64(durationMs))
}

// RecordPrometheusResultAppended records one appended partial
func RecordPrometheusResultAppended(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.resultsAppendedTotal.WithLabelValues(kind).Inc()
}

// RecordPrometheusLateResult records a dropped late partial
func RecordPrometheusLateResult(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.lateResultsTotal.WithLabelValues(kind).Inc()
}

// RecordPrometheusBooking records a booking command outcome
func RecordPrometheusBooking(operation, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.bookingsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAgreementTransition records an agreement state change
func RecordAgreementTransition(from, to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.agreementTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordHealthStrike records a strike evaluation against a source
func RecordHealthStrike(sourceID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.healthStrikesTotal.WithLabelValues(sourceID).Inc()
}

// RecordHealthExclusion records an exclusion window opening
func RecordHealthExclusion(sourceID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.healthExclusionsTotal.WithLabelValues(sourceID).Inc()
}

// SetExcludedSources sets the count of currently excluded sources
func SetExcludedSources(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.excludedSources.Set(float64(count))
}

// RecordAuditEvent records an audit sink emission
func RecordAuditEvent(sink, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.auditEventsTotal.WithLabelValues(sink, status).Inc()
}

// RecordNotification records a webhook delivery outcome
func RecordNotification(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.notificationsTotal.WithLabelValues(status).Inc()
}

// RecordPollWait records an observed long-poll wait
func RecordPollWait(kind string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.pollWaitDuration.WithLabelValues(kind).Observe(float64(waitMs))
}

// IncInflightCalls increments the in-flight adapter call gauge
func IncInflightCalls() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightCalls.Inc()
}

// DecInflightCalls decrements the in-flight adapter call gauge
func DecInflightCalls() {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightCalls.Dec()
}

// IncActiveLongPollers increments the waiting poller gauge
func IncActiveLongPollers() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeLongPollers.Inc()
}

// DecActiveLongPollers decrements the waiting poller gauge
func DecActiveLongPollers() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeLongPollers.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
