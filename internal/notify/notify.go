// Package notify delivers agreement lifecycle events to counterparty
// webhooks. Delivery is fire-and-forget: it runs in its own goroutine,
// retries with exponential backoff, and never gates the transition that
// produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/metrics"
)

// TransitionEvent is the JSON body POSTed to counterparty webhooks.
type TransitionEvent struct {
	AgreementID  string                 `json:"agreement_id"`
	AgreementRef string                 `json:"agreement_ref"`
	AgentID      string                 `json:"agent_id"`
	SourceID     string                 `json:"source_id"`
	From         domain.AgreementStatus `json:"from"`
	To           domain.AgreementStatus `json:"to"`
	At           time.Time              `json:"at"`
}

// Notifier fans a transition event out to the parties of the agreement.
type Notifier interface {
	AgreementTransition(ctx context.Context, ev TransitionEvent)
	Close() error
}

// NoopNotifier drops every event. Used when webhooks are not configured
// and in tests that do not care about delivery.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) AgreementTransition(context.Context, TransitionEvent) {}

func (n *NoopNotifier) Close() error { return nil }

// CompanyGetter resolves webhook targets. Satisfied by the store.
type CompanyGetter interface {
	GetCompany(ctx context.Context, id string) (*domain.Company, error)
}

// Config bounds a single delivery attempt chain.
type Config struct {
	Timeout    time.Duration // per-POST timeout
	MaxElapsed time.Duration // give up after this much retrying
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 2 * time.Minute
	}
	return c
}

// WebhookNotifier POSTs transition events to each party's registered
// webhook URL. Parties without a URL are skipped silently.
type WebhookNotifier struct {
	cfg       Config
	companies CompanyGetter
	client    *http.Client
	log       *slog.Logger
	wg        sync.WaitGroup
}

func NewWebhookNotifier(cfg Config, companies CompanyGetter) *WebhookNotifier {
	cfg = cfg.withDefaults()
	return &WebhookNotifier{
		cfg:       cfg,
		companies: companies,
		client:    &http.Client{Timeout: cfg.Timeout},
		log:       logging.Component("notify"),
	}
}

// AgreementTransition schedules delivery to both parties and returns
// immediately. Failures after retries are logged and dropped.
func (n *WebhookNotifier) AgreementTransition(ctx context.Context, ev TransitionEvent) {
	for _, companyID := range []string{ev.AgentID, ev.SourceID} {
		company, err := n.companies.GetCompany(ctx, companyID)
		if err != nil {
			n.log.Warn("notify target lookup failed", "company_id", companyID, "error", err)
			continue
		}
		if company.WebhookURL == "" {
			continue
		}
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(url, ev)
		}(company.WebhookURL)
	}
}

func (n *WebhookNotifier) deliver(url string, ev TransitionEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal transition event", "error", err)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = n.cfg.MaxElapsed

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		return n.post(url, body)
	}, policy)

	if err != nil {
		metrics.RecordNotification("failed")
		n.log.Warn("webhook delivery abandoned",
			"url", url,
			"agreement_id", ev.AgreementID,
			"attempts", attempt,
			"error", err)
		return
	}
	metrics.RecordNotification("delivered")
	n.log.Debug("webhook delivered",
		"url", url,
		"agreement_id", ev.AgreementID,
		"attempts", attempt)
}

func (n *WebhookNotifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not heal with retries.
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

// Close waits for in-flight deliveries to finish or give up.
func (n *WebhookNotifier) Close() error {
	n.wg.Wait()
	return nil
}
