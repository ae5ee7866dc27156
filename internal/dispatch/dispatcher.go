// Package dispatch implements the availability fan-out: one Agent
// request scattered to every eligible (agreement, source) pair, partial
// results funneled into the job's append-only stream as they arrive.
// The Agent reads the stream through internal/jobs; this package only
// writes it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/observability"
	"github.com/caravelhq/caravel/internal/queue"
	"github.com/caravelhq/caravel/internal/sourcelink"
	"github.com/caravelhq/caravel/internal/store"
)

// Store is the job write surface. Satisfied by *store.PostgresStore.
type Store interface {
	CreateAvailabilityJob(ctx context.Context, agentID string, criteria json.RawMessage) (*domain.AvailabilityJob, error)
	SetExpectedSources(ctx context.Context, jobID string, n int) error
	AppendAvailabilityResult(ctx context.Context, jobID, sourceID, agreementRef string, payload json.RawMessage, timedOut bool) (int64, error)
	MarkAvailabilityJobComplete(ctx context.Context, jobID string) (bool, error)
}

// AgreementResolver expands agreement refs into active (id, ref, source)
// triples. Satisfied by *agreement.Registry.
type AgreementResolver interface {
	ResolveActive(ctx context.Context, agentID string, refs []string) ([]domain.ActiveRef, error)
}

// CoverageChecker answers location membership. Satisfied by
// *coverage.Resolver.
type CoverageChecker interface {
	IsAllowed(ctx context.Context, agreementID, unlocode string) (bool, error)
}

// HealthGate filters excluded sources and absorbs call samples.
// Satisfied by *health.Monitor.
type HealthGate interface {
	IsExcluded(sourceID string) bool
	Record(s health.Sample)
}

// AdapterSource yields per-source adapters. Satisfied by
// *adapter.Registry.
type AdapterSource interface {
	ForSource(ctx context.Context, sourceID string) (adapter.Adapter, error)
}

// Config bounds one fan-out.
type Config struct {
	FanoutLimit       int
	PerCallTimeout    time.Duration
	SLA               time.Duration
	RecommendedPollMs int
}

func (c Config) withDefaults() Config {
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 10
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 10 * time.Second
	}
	if c.SLA <= 0 {
		c.SLA = 120 * time.Second
	}
	if c.RecommendedPollMs <= 0 {
		c.RecommendedPollMs = 1500
	}
	return c
}

type Dispatcher struct {
	cfg        Config
	store      Store
	agreements AgreementResolver
	coverage   CoverageChecker
	health     HealthGate
	adapters   AdapterSource
	notifier   queue.Notifier
	audit      *audit.Emitter
	log        *slog.Logger
}

func NewDispatcher(cfg Config, st Store, agreements AgreementResolver, cov CoverageChecker,
	gate HealthGate, adapters AdapterSource, notifier queue.Notifier, emitter *audit.Emitter) *Dispatcher {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		store:      st,
		agreements: agreements,
		coverage:   cov,
		health:     gate,
		adapters:   adapters,
		notifier:   notifier,
		audit:      emitter,
		log:        logging.Component("dispatch"),
	}
}

// SubmitResult is the 202 body of a new availability job.
type SubmitResult struct {
	JobID             string `json:"request_id"`
	ExpectedSources   int    `json:"expected_sources"`
	RecommendedPollMs int    `json:"recommended_poll_ms"`
}

// call is one scatter unit: a source reached under one agreement. A
// source in several eligible agreements is called once per agreement.
type call struct {
	agreementID  string
	agreementRef string
	sourceID     string
}

// Submit validates, persists the job head, resolves the eligible set
// and launches the scatter. The job row exists before any filtering so
// the Agent can poll it even when the eligible set collapses to empty.
func (d *Dispatcher) Submit(ctx context.Context, agentID string, criteria *domain.AvailabilityCriteria) (*SubmitResult, error) {
	if criteria == nil {
		return nil, domain.NewError(domain.CodeInvalidParam, "criteria are required")
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	refs := criteria.DedupedAgreementRefs()
	for _, ref := range refs {
		if err := domain.ValidateAgreementRef(ref); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(criteria)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "marshal criteria")
	}
	job, err := d.store.CreateAvailabilityJob(ctx, agentID, raw)
	if err != nil {
		return nil, err
	}
	metrics.Global().RecordJobCreated("availability")

	calls, expected, err := d.eligibleCalls(ctx, agentID, refs, criteria)
	if err != nil {
		// The job head is already visible; complete it empty rather than
		// leaving a stream nobody will ever write.
		d.completeJob(context.WithoutCancel(ctx), job.ID, "resolve_failed", job.CreatedAt)
		return nil, err
	}

	if err := d.store.SetExpectedSources(ctx, job.ID, expected); err != nil {
		return nil, err
	}

	if len(calls) == 0 {
		d.completeJob(ctx, job.ID, "empty_set", job.CreatedAt)
		return &SubmitResult{JobID: job.ID, ExpectedSources: 0, RecommendedPollMs: d.cfg.RecommendedPollMs}, nil
	}

	// The scatter outlives the HTTP request that started it.
	go d.scatter(context.WithoutCancel(ctx), job, calls)

	return &SubmitResult{
		JobID:             job.ID,
		ExpectedSources:   expected,
		RecommendedPollMs: d.cfg.RecommendedPollMs,
	}, nil
}

// eligibleCalls resolves the agreement refs and filters by coverage
// (pickup AND dropoff) and health exclusion. The returned expected count
// is the number of distinct sources, not calls.
func (d *Dispatcher) eligibleCalls(ctx context.Context, agentID string, refs []string, criteria *domain.AvailabilityCriteria) ([]call, int, error) {
	active, err := d.agreements.ResolveActive(ctx, agentID, refs)
	if err != nil {
		return nil, 0, err
	}

	var calls []call
	sources := make(map[string]struct{})
	for _, ref := range active {
		if d.health.IsExcluded(ref.SourceID) {
			d.log.Debug("source excluded by health gate",
				"source_id", ref.SourceID, "agreement_ref", ref.AgreementRef)
			continue
		}
		pickupOK, err := d.coverage.IsAllowed(ctx, ref.ID, criteria.PickupUnlocode)
		if err != nil {
			return nil, 0, err
		}
		if !pickupOK {
			continue
		}
		dropoffOK, err := d.coverage.IsAllowed(ctx, ref.ID, criteria.DropoffUnlocode)
		if err != nil {
			return nil, 0, err
		}
		if !dropoffOK {
			continue
		}
		calls = append(calls, call{agreementID: ref.ID, agreementRef: ref.AgreementRef, sourceID: ref.SourceID})
		sources[ref.SourceID] = struct{}{}
	}
	return calls, len(sources), nil
}

// scatter fans the calls out under the semaphore and completes the job
// when every call has reported or the SLA expires, whichever is first.
// SLA expiry does not cancel in-flight calls; their per-call deadlines
// already sit at or before the SLA boundary, and anything they append
// afterwards is rejected by the store as late.
func (d *Dispatcher) scatter(ctx context.Context, job *domain.AvailabilityJob, calls []call) {
	slaCtx, cancel := context.WithTimeout(ctx, d.cfg.SLA)
	defer cancel()

	criteria := d.unmarshalCriteria(job.Criteria)
	sem := make(chan struct{}, d.cfg.FanoutLimit)
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c call) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-slaCtx.Done():
				// Never got a slot inside the SLA; the job is completing.
				return
			}
			d.callSource(slaCtx, job.ID, c, criteria)
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.completeJob(ctx, job.ID, "all_sources", job.CreatedAt)
	case <-slaCtx.Done():
		d.completeJob(ctx, job.ID, "sla", job.CreatedAt)
		<-done
	}
}

func (d *Dispatcher) unmarshalCriteria(raw json.RawMessage) *domain.AvailabilityCriteria {
	var c domain.AvailabilityCriteria
	if err := json.Unmarshal(raw, &c); err != nil {
		d.log.Error("stored criteria do not round-trip", "error", err)
	}
	return &c
}

// callSource performs one adapter call and appends its outcome. The
// per-call deadline is min(per_call_timeout, SLA remaining) because the
// call context descends from the SLA context.
func (d *Dispatcher) callSource(slaCtx context.Context, jobID string, c call, criteria *domain.AvailabilityCriteria) {
	callCtx, cancel := context.WithTimeout(slaCtx, d.cfg.PerCallTimeout)
	defer cancel()

	callCtx, span := observability.StartClientSpan(callCtx, "source.availability",
		attribute.String("source.id", c.sourceID),
		attribute.String("agreement.ref", c.agreementRef))
	defer span.End()

	metrics.IncInflightCalls()
	defer metrics.DecInflightCalls()

	start := time.Now()
	offers, err := d.invoke(callCtx, c, criteria)
	latency := time.Since(start).Milliseconds()

	var payloads []json.RawMessage
	var timedOut bool
	status := "success"
	switch {
	case err == nil:
		payloads = []json.RawMessage{marshalOffers(offers)}
		observability.SetSpanOK(span)
	case adapter.IsTimeout(err):
		payloads = []json.RawMessage{json.RawMessage(`[]`)}
		timedOut = true
		status = "timeout"
		observability.SetSpanError(span, err)
	default:
		status = "error"
		item, _ := json.Marshal(domain.SourceErrorItem{
			Error:        string(domain.CodeSourceError),
			Message:      err.Error(),
			AgreementRef: c.agreementRef,
		})
		// A failed source contributes an empty result set followed by
		// the error marker, so readers see both the absence and the why.
		payloads = []json.RawMessage{json.RawMessage(`[]`), item}
		observability.SetSpanError(span, err)
	}
	payload := payloads[len(payloads)-1]

	d.health.Record(health.Sample{SourceID: c.sourceID, LatencyMS: latency, Success: err == nil})
	metrics.Global().RecordSourceCall(c.sourceID, "availability", status, latency)
	if d.audit != nil {
		d.audit.Record(slaCtx, audit.Event{
			Direction:    audit.DirectionOut,
			Endpoint:     "source.availability",
			RequestID:    jobID,
			SourceID:     c.sourceID,
			AgreementRef: c.agreementRef,
			Response:     payload,
			DurationMS:   latency,
		})
	}

	// Append with a fresh context: a result that beat the SLA should not
	// be lost to the SLA context closing underneath the insert.
	appendCtx, appendCancel := context.WithTimeout(context.WithoutCancel(slaCtx), 5*time.Second)
	defer appendCancel()
	for _, p := range payloads {
		if _, err := d.store.AppendAvailabilityResult(appendCtx, jobID, c.sourceID, c.agreementRef, p, timedOut); err != nil {
			if errors.Is(err, store.ErrJobComplete) {
				metrics.Global().RecordLateResult("availability")
				d.log.Debug("late result dropped", "job_id", jobID, "source_id", c.sourceID)
				return
			}
			d.log.Error("append availability result", "job_id", jobID, "source_id", c.sourceID, "error", err)
			return
		}
		metrics.Global().RecordResultAppended("availability")
	}
	d.notifier.Notify(appendCtx, queue.JobTopic(jobID))
}

func (d *Dispatcher) invoke(ctx context.Context, c call, criteria *domain.AvailabilityCriteria) ([]json.RawMessage, error) {
	ad, err := d.adapters.ForSource(ctx, c.sourceID)
	if err != nil {
		return nil, err
	}
	return ad.Availability(ctx, &sourcelink.AvailabilityRequest{
		AgreementRef: c.agreementRef,
		Criteria:     *criteria,
	})
}

func marshalOffers(offers []json.RawMessage) json.RawMessage {
	if len(offers) == 0 {
		return json.RawMessage(`[]`)
	}
	raw, err := json.Marshal(offers)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return raw
}

func (d *Dispatcher) completeJob(ctx context.Context, jobID, reason string, createdAt time.Time) {
	flipped, err := d.store.MarkAvailabilityJobComplete(ctx, jobID)
	if err != nil {
		d.log.Error("mark job complete", "job_id", jobID, "error", err)
		return
	}
	if !flipped {
		return
	}
	metrics.Global().RecordJobCompleted("availability", reason, time.Since(createdAt).Milliseconds())
	d.notifier.Notify(ctx, queue.JobTopic(jobID))
	d.log.Info("availability job complete", "job_id", jobID, "reason", reason)
}
