package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	SubscriptionChangesTotal *prometheus.CounterVec
	DowngradesBlockedTotal   prometheus.Counter
	SyncRunsTotal            *prometheus.CounterVec
	SyncLastSuccess          prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhook_events_total",
				Help: "Webhook events received, by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_gateway_requests_total",
				Help: "Payment gateway calls, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_gateway_request_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		SubscriptionChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_subscription_changes_total",
				Help: "Subscription mutations committed to the ledger, by kind",
			},
			[]string{"kind"},
		),
		DowngradesBlockedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "subledger_downgrades_blocked_total",
				Help: "Plan downgrades vetoed by the downgrade gate",
			},
		),
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_sync_runs_total",
				Help: "Subscription sync sweeps, by outcome",
			},
			[]string{"outcome"},
		),
		SyncLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_sync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful sync sweep",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.SubscriptionChangesTotal,
		m.DowngradesBlockedTotal,
		m.SyncRunsTotal,
		m.SyncLastSuccess,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// The Record helpers are safe to call on a nil *Metrics.

// RecordWebhookEvent counts one webhook delivery
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordGatewayCall counts one gateway call and observes its latency
func (m *Metrics) RecordGatewayCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSubscriptionChange counts one committed ledger mutation
func (m *Metrics) RecordSubscriptionChange(kind string) {
	if m == nil {
		return
	}
	m.SubscriptionChangesTotal.WithLabelValues(kind).Inc()
}

// RecordDowngradeBlocked counts one vetoed downgrade
func (m *Metrics) RecordDowngradeBlocked() {
	if m == nil {
		return
	}
	m.DowngradesBlockedTotal.Inc()
}

// RecordSyncRun counts one sync sweep
func (m *Metrics) RecordSyncRun(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.SyncLastSuccess.Set(float64(at.Unix()))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// routeOf maps a request to a low-cardinality route label.
func HTTPMetricsMiddleware(metrics *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeOf != nil {
				route = routeOf(r)
			}
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
