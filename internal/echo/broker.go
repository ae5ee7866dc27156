// Package echo is the degenerate fan-out used as a liveness probe: the
// Agent's {message, attrs} body is reflected off every reachable Source
// under an active agreement, with the same seq-cursored result stream
// as availability but a much shorter SLA.
package echo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/health"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/observability"
	"github.com/caravelhq/caravel/internal/queue"
	"github.com/caravelhq/caravel/internal/sourcelink"
	"github.com/caravelhq/caravel/internal/store"
)

// Store is the echo job surface. Satisfied by *store.PostgresStore.
type Store interface {
	CreateEchoJob(ctx context.Context, agentID string, expiresAt time.Time) (*domain.EchoJob, error)
	SetEchoExpectedSources(ctx context.Context, jobID string, n int) error
	AppendEchoItem(ctx context.Context, jobID, sourceID, agreementRef string, payload json.RawMessage, timedOut bool) (int64, error)
	MarkEchoJobComplete(ctx context.Context, jobID string) (bool, error)
	EchoItemsSince(ctx context.Context, jobID string, sinceSeq int64) (*domain.EchoJob, []*domain.EchoItem, error)
	EchoStats(ctx context.Context, jobID string) (received int, timedOutSources []string, err error)
}

// AgreementResolver expands refs into active triples. Satisfied by
// *agreement.Registry.
type AgreementResolver interface {
	ResolveActive(ctx context.Context, agentID string, refs []string) ([]domain.ActiveRef, error)
}

// AdapterSource yields per-source adapters. Satisfied by
// *adapter.Registry.
type AdapterSource interface {
	ForSource(ctx context.Context, sourceID string) (adapter.Adapter, error)
}

// HealthRecorder absorbs one sample per Source call. Satisfied by
// *health.Monitor.
type HealthRecorder interface {
	Record(s health.Sample)
}

// Config bounds the probe path.
type Config struct {
	FanoutLimit    int
	PerCallTimeout time.Duration
	SLA            time.Duration
	WatchInterval  time.Duration
	WatchLimit     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 10
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = 5 * time.Second
	}
	if c.SLA <= 0 {
		c.SLA = 30 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.WatchLimit <= 0 {
		c.WatchLimit = 5 * time.Minute
	}
	return c
}

type Broker struct {
	cfg        Config
	store      Store
	agreements AgreementResolver
	adapters   AdapterSource
	health     HealthRecorder
	notifier   queue.Notifier
	log        *slog.Logger
}

func NewBroker(cfg Config, st Store, agreements AgreementResolver, adapters AdapterSource, gate HealthRecorder, notifier queue.Notifier) *Broker {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Broker{
		cfg:        cfg.withDefaults(),
		store:      st,
		agreements: agreements,
		adapters:   adapters,
		health:     gate,
		notifier:   notifier,
		log:        logging.Component("echo"),
	}
}

// SubmitResult is the 202 body of a new echo job.
type SubmitResult struct {
	JobID             string `json:"request_id"`
	TotalExpected     int    `json:"total_expected"`
	ExpiresUnixMs     int64  `json:"expires_unix_ms"`
	RecommendedPollMs int    `json:"recommended_poll_ms"`
}

// Submit fans the probe to every Source the agent holds an active
// agreement with, or only the named agreement when agreementRef is set.
func (b *Broker) Submit(ctx context.Context, agentID, agreementRef string, payload domain.EchoPayload) (*SubmitResult, error) {
	if payload.Message == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "message is required")
	}
	var refs []string
	if agreementRef != "" {
		if err := domain.ValidateAgreementRef(agreementRef); err != nil {
			return nil, err
		}
		refs = []string{agreementRef}
	}

	active, err := b.agreements.ResolveActive(ctx, agentID, refs)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(b.cfg.SLA)
	job, err := b.store.CreateEchoJob(ctx, agentID, expiresAt)
	if err != nil {
		return nil, err
	}
	metrics.Global().RecordJobCreated("echo")

	sources := make(map[string]struct{}, len(active))
	for _, ref := range active {
		sources[ref.SourceID] = struct{}{}
	}
	if err := b.store.SetEchoExpectedSources(ctx, job.ID, len(sources)); err != nil {
		return nil, err
	}

	if len(active) == 0 {
		b.completeJob(ctx, job.ID, "empty_set", job.CreatedAt)
		return &SubmitResult{
			JobID:             job.ID,
			ExpiresUnixMs:     expiresAt.UnixMilli(),
			RecommendedPollMs: int(b.cfg.WatchInterval.Milliseconds()),
		}, nil
	}

	go b.scatter(context.WithoutCancel(ctx), job, active, payload)

	return &SubmitResult{
		JobID:             job.ID,
		TotalExpected:     len(sources),
		ExpiresUnixMs:     expiresAt.UnixMilli(),
		RecommendedPollMs: int(b.cfg.WatchInterval.Milliseconds()),
	}, nil
}

func (b *Broker) scatter(ctx context.Context, job *domain.EchoJob, active []domain.ActiveRef, payload domain.EchoPayload) {
	slaCtx, cancel := context.WithTimeout(ctx, b.cfg.SLA)
	defer cancel()

	sem := make(chan struct{}, b.cfg.FanoutLimit)
	var wg sync.WaitGroup
	for _, ref := range active {
		wg.Add(1)
		go func(ref domain.ActiveRef) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-slaCtx.Done():
				// Never got a slot inside the SLA; the job is completing.
				return
			}
			b.probe(slaCtx, job.ID, ref, payload)
		}(ref)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.completeJob(ctx, job.ID, "all_sources", job.CreatedAt)
	case <-slaCtx.Done():
		b.completeJob(ctx, job.ID, "sla", job.CreatedAt)
		<-done
	}
}

func (b *Broker) probe(slaCtx context.Context, jobID string, ref domain.ActiveRef, payload domain.EchoPayload) {
	callCtx, cancel := context.WithTimeout(slaCtx, b.cfg.PerCallTimeout)
	defer cancel()

	callCtx, span := observability.StartClientSpan(callCtx, "source.echo",
		attribute.String("source.id", ref.SourceID),
		attribute.String("agreement.ref", ref.AgreementRef))
	defer span.End()

	start := time.Now()
	var item json.RawMessage
	var timedOut bool
	status := "success"

	ad, err := b.adapters.ForSource(callCtx, ref.SourceID)
	if err == nil {
		var resp *sourcelink.EchoResponse
		resp, err = ad.Echo(callCtx, &sourcelink.EchoRequest{Message: payload.Message, Attrs: payload.Attrs})
		if err == nil {
			item, _ = json.Marshal(resp)
		}
	}
	latency := time.Since(start).Milliseconds()

	switch {
	case err == nil:
		observability.SetSpanOK(span)
	case adapter.IsTimeout(err):
		item = json.RawMessage(`{}`)
		timedOut = true
		status = "timeout"
		observability.SetSpanError(span, err)
	default:
		status = "error"
		item, _ = json.Marshal(domain.SourceErrorItem{
			Error:        string(domain.CodeSourceError),
			Message:      err.Error(),
			AgreementRef: ref.AgreementRef,
		})
		observability.SetSpanError(span, err)
	}
	if b.health != nil {
		b.health.Record(health.Sample{SourceID: ref.SourceID, LatencyMS: latency, Success: err == nil})
	}
	metrics.Global().RecordSourceCall(ref.SourceID, "echo", status, latency)

	appendCtx, appendCancel := context.WithTimeout(context.WithoutCancel(slaCtx), 5*time.Second)
	defer appendCancel()
	if _, err := b.store.AppendEchoItem(appendCtx, jobID, ref.SourceID, ref.AgreementRef, item, timedOut); err != nil {
		if errors.Is(err, store.ErrJobComplete) {
			metrics.Global().RecordLateResult("echo")
			return
		}
		b.log.Error("append echo item", "job_id", jobID, "source_id", ref.SourceID, "error", err)
		return
	}
	metrics.Global().RecordResultAppended("echo")
	b.notifier.Notify(appendCtx, queue.EchoTopic(jobID))
}

func (b *Broker) completeJob(ctx context.Context, jobID, reason string, createdAt time.Time) {
	flipped, err := b.store.MarkEchoJobComplete(ctx, jobID)
	if err != nil {
		b.log.Error("mark echo job complete", "job_id", jobID, "error", err)
		return
	}
	if !flipped {
		return
	}
	metrics.Global().RecordJobCompleted("echo", reason, time.Since(createdAt).Milliseconds())
	b.notifier.Notify(ctx, queue.EchoTopic(jobID))
}

// PollResult is one echo read. AggregateEtag changes iff (lastSeq,
// status) changes, so pollers can cheap-compare before re-rendering.
type PollResult struct {
	Status            domain.JobStatus   `json:"status"`
	NewItems          []*domain.EchoItem `json:"new_items"`
	LastSeq           int64              `json:"last_seq"`
	ResponsesReceived int                `json:"responses_received"`
	TotalExpected     int                `json:"total_expected"`
	TimedOutSources   []string           `json:"timed_out_sources"`
	AggregateEtag     string             `json:"aggregate_etag"`
}

// GetResults reads items with seq > sinceSeq, waiting up to wait for
// news the same way the availability poller does.
func (b *Broker) GetResults(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*PollResult, error) {
	if sinceSeq < 0 {
		return nil, domain.NewError(domain.CodeInvalidParam, "since_seq must not be negative")
	}
	if wait < 0 {
		wait = 0
	}
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}

	metrics.IncActiveLongPollers()
	start := time.Now()
	defer func() {
		metrics.DecActiveLongPollers()
		metrics.RecordPollWait("echo", time.Since(start).Milliseconds())
	}()

	var wake <-chan struct{}
	var deadline <-chan time.Time
	if wait > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wake = b.notifier.Subscribe(subCtx, queue.EchoTopic(jobID))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		res, err := b.read(ctx, jobID, sinceSeq)
		if err != nil {
			return nil, err
		}
		if len(res.NewItems) > 0 || res.Status == domain.JobComplete || wait == 0 {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-deadline:
			return res, nil
		case _, ok := <-wake:
			if !ok {
				return res, nil
			}
		}
	}
}

func (b *Broker) read(ctx context.Context, jobID string, sinceSeq int64) (*PollResult, error) {
	job, items, err := b.store.EchoItemsSince(ctx, jobID, sinceSeq)
	if err != nil {
		return nil, err
	}
	received, timedOut, err := b.store.EchoStats(ctx, jobID)
	if err != nil {
		return nil, err
	}

	last := sinceSeq
	if n := len(items); n > 0 {
		last = items[n-1].Seq
	}
	return &PollResult{
		Status:            job.Status,
		NewItems:          items,
		LastSeq:           last,
		ResponsesReceived: received,
		TotalExpected:     job.ExpectedSources,
		TimedOutSources:   timedOut,
		AggregateEtag:     aggregateEtag(jobID, last, job.Status),
	}, nil
}

// aggregateEtag hashes the poll-visible state of the stream.
func aggregateEtag(jobID string, lastSeq int64, status domain.JobStatus) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", jobID, lastSeq, status)))
	return hex.EncodeToString(sum[:8])
}

// Watch streams poll batches to fn every WatchInterval, stopping at
// COMPLETE, after WatchLimit, or when ctx ends. fn returning an error
// stops the watch (client went away).
func (b *Broker) Watch(ctx context.Context, jobID string, fn func(*PollResult) error) error {
	limit := time.NewTimer(b.cfg.WatchLimit)
	defer limit.Stop()
	ticker := time.NewTicker(b.cfg.WatchInterval)
	defer ticker.Stop()

	var cursor int64
	lastEtag := ""
	for {
		res, err := b.read(ctx, jobID, cursor)
		if err != nil {
			return err
		}
		if res.AggregateEtag != lastEtag || len(res.NewItems) > 0 {
			if err := fn(res); err != nil {
				return err
			}
			lastEtag = res.AggregateEtag
			cursor = res.LastSeq
		}
		if res.Status == domain.JobComplete {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-limit.C:
			return nil
		case <-ticker.C:
		}
	}
}
