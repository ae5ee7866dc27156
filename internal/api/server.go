// Package api assembles the HTTP surface: the Agent-facing data plane
// and the operator-facing control plane share one listener.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/caravelhq/caravel/internal/api/controlplane"
	"github.com/caravelhq/caravel/internal/api/dataplane"
	"github.com/caravelhq/caravel/internal/audit"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/observability"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Dispatcher dataplane.Dispatcher
	Poller     dataplane.Poller
	Bookings   dataplane.Bookings
	Echo       dataplane.EchoBroker
	Agreements controlplane.Agreements
	Coverage   controlplane.Coverage
	Health     controlplane.Health
	Companies  Companies
	Pinger     controlplane.Pinger
	Audit      *audit.Emitter
}

// Companies is the union both planes need from the company read model.
type Companies interface {
	dataplane.CompanyGetter
	controlplane.Companies
}

// NewHandler builds the combined route table wrapped in tracing
// middleware. Exposed separately from StartHTTPServer for tests.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	dp := &dataplane.Handler{
		Dispatcher: cfg.Dispatcher,
		Poller:     cfg.Poller,
		Bookings:   cfg.Bookings,
		Echo:       cfg.Echo,
		Companies:  cfg.Companies,
		Audit:      cfg.Audit,
	}
	dp.RegisterRoutes(mux)

	cp := &controlplane.Handler{
		Agreements: cfg.Agreements,
		Coverage:   cfg.Coverage,
		Health:     cfg.Health,
		Companies:  cfg.Companies,
		Pinger:     cfg.Pinger,
	}
	cp.RegisterRoutes(mux)

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Op().Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()

	return srv
}

// Shutdown drains the server with a bounded grace period.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
