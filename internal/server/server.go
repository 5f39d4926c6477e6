// Package server implements the HTTP transport layer for the AIPipe gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aipipe/aipipe/internal/app"
	"github.com/aipipe/aipipe/internal/auth"
	"github.com/aipipe/aipipe/internal/budget"
	"github.com/aipipe/aipipe/internal/storage"
	"github.com/aipipe/aipipe/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           *auth.Service
	Pipeline       *app.Pipeline
	Ledger         storage.Ledger
	Budget         *budget.Resolver
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	ProxyClient    *http.Client       // nil = default 30s-timeout client
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware. CORS runs before logging so even preflights and
	// error responses carry the headers.
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.cors)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Identity endpoints
	r.Get("/token", s.handleToken)
	r.Get("/usage", s.handleUsage)
	r.HandleFunc("/admin/{action}", s.handleAdmin)

	// Unauthenticated URL pass-through
	r.HandleFunc("/proxy/*", s.handlePassthrough)

	// Provider dispatch: the first path segment names the adapter.
	r.HandleFunc("/{provider}", s.handleProvider)
	r.HandleFunc("/{provider}/*", s.handleProvider)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse("Unknown provider"))
	})

	return r
}

type server struct {
	deps Deps
}
