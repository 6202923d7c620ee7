package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/escalation"
	"github.com/dativo-io/casepilot/internal/evidence"
	"github.com/dativo-io/casepilot/internal/otel"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/review"
	"github.com/dativo-io/casepilot/internal/transport"
	"github.com/dativo-io/casepilot/internal/trigger"
)

const defaultTimeout = 60 * time.Second

// Services are the stores and engines the API reads and drives.
type Services struct {
	Runner      *agent.Runner
	Cases       *cases.Store
	Proposals   *proposal.Store
	Decisions   *evidence.Store
	Escalations *escalation.Manager
	Review      *review.Service
	Inbound     *trigger.InboundHandler
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	svc         Services
	outbox      *transport.Outbox
	limiter     *operatorLimiter
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithOutbox exposes the queued outbound messages at GET /v1/outbox.
func WithOutbox(o *transport.Outbox) Option {
	return func(s *Server) { s.outbox = o }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit caps authenticated requests per operator per minute.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.limiter = newOperatorLimiter(perMinute) }
}

// NewServer builds a Server. apiKeys maps an API key to the operator name
// recorded as decided_by / resolved_by.
func NewServer(svc Services, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		svc:         svc,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware and routes).
// Routes that run the agent are registered without the default request
// timeout so the handler-level 30-minute deadline applies.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))

		// Long-running: these drive the agent loop.
		r.Post("/v1/inbound", s.svc.Inbound.HandleInbound)
		r.Post("/v1/cases/{id}/run", s.handleCaseRun)
		r.Post("/v1/cases/{id}/resume", s.handleCaseResume)
		r.Post("/v1/proposals/{id}/decision", s.handleProposalDecision)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Post("/v1/cases", s.handleCaseCreate)
			r.Get("/v1/cases", s.handleCaseList)
			r.Get("/v1/cases/{id}", s.handleCaseGet)
			r.Get("/v1/cases/{id}/review-state", s.handleReviewState)
			r.Get("/v1/cases/{id}/activity", s.handleCaseActivity)
			r.Get("/v1/cases/{id}/runs", s.handleCaseRuns)

			r.Get("/v1/proposals/pending", s.handleProposalsPending)
			r.Get("/v1/proposals/{id}", s.handleProposalGet)

			r.Get("/v1/escalations", s.handleEscalationsList)
			r.Post("/v1/escalations/{id}/resolve", s.handleEscalationResolve)

			r.Get("/v1/decisions", s.handleDecisionsList)
			r.Get("/v1/decisions/{id}", s.handleDecisionGet)
			r.Get("/v1/decisions/{id}/verify", s.handleDecisionVerify)

			r.Get("/v1/outbox", s.handleOutboxList)
		})
	})

	return r
}
