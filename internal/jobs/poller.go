// Package jobs is the read side of the availability fan-in: a seq-cursor
// long-poll over the append-only result stream. Writers (the dispatcher)
// append through the store and signal the per-job wakeup topic; readers
// wait on that topic with a bounded timer and re-read on every wakeup.
package jobs

import (
	"context"
	"time"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/metrics"
	"github.com/caravelhq/caravel/internal/queue"
)

// Store is the result stream surface. Satisfied by *store.PostgresStore.
type Store interface {
	AvailabilityResultsSince(ctx context.Context, jobID string, sinceSeq int64) (*domain.AvailabilityJob, []*domain.AvailabilityResult, error)
}

// Poll bounds. waitMs is clamped rather than rejected so sloppy clients
// degrade to short polls instead of erroring.
const (
	MaxWait     = 30 * time.Second
	DefaultWait = 0 // no wait unless asked
)

// PollResult is one long-poll answer. Complete plus an empty NewItems
// means the caller has drained the stream.
type PollResult struct {
	Status          domain.JobStatus             `json:"status"`
	Complete        bool                         `json:"complete"`
	LastSeq         int64                        `json:"last_seq"`
	ExpectedSources int                          `json:"expected_sources"`
	NewItems        []*domain.AvailabilityResult `json:"new_items"`
}

type Poller struct {
	store    Store
	notifier queue.Notifier
}

func NewPoller(st Store, notifier queue.Notifier) *Poller {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Poller{store: st, notifier: notifier}
}

// GetSince returns results with seq > sinceSeq. With a positive wait it
// blocks until new results land, the job completes, the wait elapses or
// the caller's context ends, whichever is first; it then returns
// whatever is visible. LastSeq never moves backwards: an empty read
// reports the caller's own cursor back.
func (p *Poller) GetSince(ctx context.Context, jobID string, sinceSeq int64, wait time.Duration) (*PollResult, error) {
	if sinceSeq < 0 {
		return nil, domain.NewError(domain.CodeInvalidParam, "since_seq must not be negative")
	}
	if wait < 0 {
		wait = DefaultWait
	}
	if wait > MaxWait {
		wait = MaxWait
	}

	metrics.IncActiveLongPollers()
	defer metrics.DecActiveLongPollers()
	start := time.Now()
	defer func() {
		metrics.RecordPollWait("availability", time.Since(start).Milliseconds())
	}()

	// Subscribe before the first read so a result landing between the
	// read and the wait still wakes us.
	var wake <-chan struct{}
	var deadline <-chan time.Time
	if wait > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		wake = p.notifier.Subscribe(subCtx, queue.JobTopic(jobID))

		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		job, items, err := p.store.AvailabilityResultsSince(ctx, jobID, sinceSeq)
		if err != nil {
			return nil, err
		}
		res := buildResult(job, items, sinceSeq)
		if len(items) > 0 || res.Complete || wait == 0 {
			return res, nil
		}

		select {
		case <-ctx.Done():
			// Abandoned poll: return the current view rather than an error
			// so transports can still flush a response if they want to.
			return res, ctx.Err()
		case <-deadline:
			return res, nil
		case _, ok := <-wake:
			if !ok {
				// Notifier shut down; degrade to an immediate answer.
				return res, nil
			}
			// Loop and re-read.
		}
	}
}

func buildResult(job *domain.AvailabilityJob, items []*domain.AvailabilityResult, sinceSeq int64) *PollResult {
	last := sinceSeq
	if n := len(items); n > 0 {
		last = items[n-1].Seq
	}
	return &PollResult{
		Status:          job.Status,
		Complete:        job.Status == domain.JobComplete,
		LastSeq:         last,
		ExpectedSources: job.ExpectedSources,
		NewItems:        items,
	}
}
