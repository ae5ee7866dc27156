package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caravelhq/caravel/internal/domain"
)

type staticCompanies map[string]*domain.Company

func (s staticCompanies) GetCompany(_ context.Context, id string) (*domain.Company, error) {
	if c, ok := s[id]; ok {
		return c, nil
	}
	return nil, domain.NewError(domain.CodeNotFound, "company %s not found", id)
}

func testEvent() TransitionEvent {
	return TransitionEvent{
		AgreementID:  "ag-1",
		AgreementRef: "REF-1",
		AgentID:      "agent-1",
		SourceID:     "source-1",
		From:         domain.AgreementOffered,
		To:           domain.AgreementAccepted,
		At:           time.Now().UTC(),
	}
}

func TestWebhookNotifierDelivers(t *testing.T) {
	received := make(chan TransitionEvent, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev TransitionEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	companies := staticCompanies{
		"agent-1":  {ID: "agent-1", WebhookURL: srv.URL},
		"source-1": {ID: "source-1"}, // no webhook, skipped
	}
	n := NewWebhookNotifier(Config{Timeout: time.Second, MaxElapsed: 5 * time.Second}, companies)
	n.AgreementTransition(context.Background(), testEvent())
	n.Close()

	select {
	case ev := <-received:
		if ev.To != domain.AgreementAccepted {
			t.Errorf("delivered To = %s, want ACCEPTED", ev.To)
		}
	default:
		t.Fatal("webhook not delivered")
	}
	if len(received) != 0 {
		t.Errorf("party without webhook got a delivery")
	}
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	companies := staticCompanies{
		"agent-1":  {ID: "agent-1", WebhookURL: srv.URL},
		"source-1": {ID: "source-1"},
	}
	n := NewWebhookNotifier(Config{Timeout: time.Second, MaxElapsed: 20 * time.Second}, companies)
	n.AgreementTransition(context.Background(), testEvent())
	n.Close()

	if got := calls.Load(); got < 3 {
		t.Errorf("calls = %d, want at least 3 (two failures then success)", got)
	}
}

func TestWebhookNotifierGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	companies := staticCompanies{
		"agent-1":  {ID: "agent-1", WebhookURL: srv.URL},
		"source-1": {ID: "source-1"},
	}
	n := NewWebhookNotifier(Config{Timeout: time.Second, MaxElapsed: 10 * time.Second}, companies)
	n.AgreementTransition(context.Background(), testEvent())
	n.Close()

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want exactly 1 (4xx is permanent)", got)
	}
}

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	n.AgreementTransition(context.Background(), testEvent())
	if err := n.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
