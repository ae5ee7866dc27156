// Package audit records one event per boundary crossing: every Agent
// request handled and every Source call made. Events carry redacted
// request/response snapshots and are written to a pluggable sink.
// Emission never fails the caller; sink errors are logged and dropped.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
)

// Direction tells which side of the broker the event crossed.
const (
	DirectionIn  = "IN"  // Agent-facing surface
	DirectionOut = "OUT" // Source-facing call
)

// Event is one boundary crossing. Request and Response hold the bodies
// as they crossed the wire; Record redacts them before the sink sees
// anything.
type Event struct {
	Direction    string          `json:"direction"`
	Endpoint     string          `json:"endpoint"`
	RequestID    string          `json:"request_id"`
	CompanyID    string          `json:"company_id"`
	SourceID     string          `json:"source_id,omitempty"`
	AgreementRef string          `json:"agreement_ref,omitempty"`
	StatusCode   int             `json:"status_code"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

// Sink receives redacted events. Write errors are swallowed by the
// emitter, so sinks should do their own retry if they need durability.
type Sink interface {
	Write(ctx context.Context, id string, ts time.Time, ev Event) error
	Name() string
	Close() error
}

// Emitter redacts and fans events to its sink.
type Emitter struct {
	sink Sink
	log  *slog.Logger
}

func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Emitter{sink: sink, log: logging.Component("audit")}
}

// Record redacts the event bodies and hands the event to the sink. It
// never returns an error and never blocks on sink durability.
func (e *Emitter) Record(ctx context.Context, ev Event) {
	ev.Request = Redact(ev.Request)
	ev.Response = Redact(ev.Response)

	id := uuid.New().String()
	if err := e.sink.Write(ctx, id, time.Now().UTC(), ev); err != nil {
		metrics.RecordAuditEvent(e.sink.Name(), "error")
		e.log.Warn("audit sink write failed",
			"sink", e.sink.Name(),
			"endpoint", ev.Endpoint,
			"request_id", ev.RequestID,
			"error", err)
		return
	}
	metrics.RecordAuditEvent(e.sink.Name(), "ok")
}

func (e *Emitter) Close() error { return e.sink.Close() }
