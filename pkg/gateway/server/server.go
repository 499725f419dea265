// Package server wires the gateway's chi router: the bypass set (health,
// readiness, metrics) that skips the safety gate entirely, the protected
// inference path that runs the full §4.1 sequence, and the reviewer/status/
// queue-depth endpoints that need an identity but not the full gate. See
// spec.md §4.1 steps 1-2 and §6.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridguard/gridguard/pkg/audit"
	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/escalation"
	"github.com/gridguard/gridguard/pkg/gateway/metrics"
	"github.com/gridguard/gridguard/pkg/gateway/middleware"
	"github.com/gridguard/gridguard/pkg/identity"
	"github.com/gridguard/gridguard/pkg/telemetry"
)

// csrfTimestampTolerance matches csrf.go's own 5-minute token freshness
// window, so X-Timestamp validation and CSRF token freshness agree.
const csrfTimestampTolerance = 5 * time.Minute

// Dependencies are every component the router dispatches into. Server owns
// none of their lifecycles; the caller (cmd/gateway) constructs and closes
// them.
type Dependencies struct {
	Store      coordination.Store
	AuditStore audit.Store
	Resolver   *identity.Resolver
	Gate       *middleware.SafetyGate
	Escalator  *escalation.Escalator
	Metrics    *metrics.Metrics
	Tracer     *telemetry.Provider
	CSRFSecret []byte
	Log        logr.Logger
}

// Server is the gateway's HTTP entry point.
type Server struct {
	deps   Dependencies
	router chi.Router
}

// New builds the router described in spec.md §4.1/§6 from deps.
func New(deps Dependencies) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(corsMiddleware())
	r.Use(middleware.RequestIDMiddleware(s.deps.Log))
	r.Use(middleware.Tracing(s.deps.Tracer))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.HTTPMetrics(s.deps.Metrics))
	r.Use(middleware.InFlightRequests(s.deps.Metrics))

	// Step 1: bypass set. No identity resolution, no CSRF, no safety gate.
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Any-identity endpoints: resolved for logging/session-keyed CSRF, but
	// not gated — they read state, they don't enqueue inference.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ResolveIdentity(s.deps.Resolver))
		r.Use(middleware.CSRF(s.deps.CSRFSecret))
		r.Get("/status/{request_id}", s.handleStatus)
		r.Get("/queue/depth", s.handleQueueDepth)
	})

	// Privileged-only: a reviewer's approve/block decision. Authorization
	// runs ahead of CSRF/timestamp validation so a caller who simply isn't a
	// reviewer gets 403, not a confusing 400 about a token they have no
	// reason to hold.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ResolveIdentity(s.deps.Resolver))
		r.Use(middleware.RequirePrivileged)
		r.Use(middleware.TimestampValidator(csrfTimestampTolerance))
		r.Use(middleware.CSRF(s.deps.CSRFSecret))
		r.Post("/review", s.handleReview)
	})

	// Step 2 protected set: the only path allowed to enqueue inference.
	// ValidateContentType and TimestampValidator run ahead of the gate so a
	// malformed request never reaches the governor/pre-check steps; CSRF is
	// exempt on /infer itself (see csrf.go) since its callers authenticate
	// via bearer/API key, not a browser session.
	r.Group(func(r chi.Router) {
		r.Use(middleware.ValidateContentType)
		r.Use(middleware.TimestampValidator(csrfTimestampTolerance))
		r.Use(s.deps.Gate.Middleware)
		r.Post("/infer", s.handleInfer)
	})
}
