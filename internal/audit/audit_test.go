package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, _ string, _ time.Time, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestEmitterRedactsBeforeSink(t *testing.T) {
	sink := &captureSink{}
	em := NewEmitter(sink)

	em.Record(context.Background(), Event{
		Direction:  DirectionIn,
		Endpoint:   "POST /bookings",
		RequestID:  "req-1",
		CompanyID:  "agent-1",
		StatusCode: 201,
		Request:    json.RawMessage(`{"email":"a@b.com","agreement_ref":"REF-1"}`),
	})

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	var m map[string]any
	if err := json.Unmarshal(sink.events[0].Request, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["email"] != RedactedValue {
		t.Errorf("sink saw unredacted email: %v", m["email"])
	}
	if m["agreement_ref"] != "REF-1" {
		t.Errorf("agreement_ref mangled: %v", m["agreement_ref"])
	}
}

func TestEmitterSwallowsSinkErrors(t *testing.T) {
	sink := &captureSink{fail: true}
	em := NewEmitter(sink)

	// Must not panic or propagate anything.
	em.Record(context.Background(), Event{Direction: DirectionOut, Endpoint: "source.Availability"})
}
