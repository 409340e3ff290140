package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// Options wires the server's dependencies. Reconciler, Counters and Usage
// are optional; their routes are only registered when set. The status
// override route lives under /admin and needs only Billing. A nil
// RateLimiter disables per-tenant limiting.
type Options struct {
	Billing       BillingService
	Reconciler    EventApplier
	WebhookSecret string
	Counters      CounterReader
	Usage         UsageRecorder
	RateLimiter   middleware.Limiter
	Metrics       *observability.Metrics
	Logger        *observability.Logger
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
	}

	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics, routeTemplate))
	}
	if opts.RateLimiter != nil {
		s.router.Use(middleware.TenantRateLimit(opts.RateLimiter))
	}

	NewBillingHandlers(opts.Billing).RegisterRoutes(s.router)

	if opts.Reconciler != nil {
		webhooks := NewWebhookHandlers(opts.Reconciler, opts.WebhookSecret)
		webhooks.SetMetrics(opts.Metrics)
		webhooks.RegisterRoutes(s.router)
	}

	NewAdminHandlers(opts.Billing, opts.Counters, opts.Usage).RegisterRoutes(s.router)

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware(opts.Logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.IdempotencyMiddleware,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(MaxWebhookBodyBytes),
	)(s.router)

	return s
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routeTemplate labels requests by their route pattern to keep metric
// cardinality bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
