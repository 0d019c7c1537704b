package observability

import (
	"context"
	"database/sql"
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

	// Authentication metrics
	AuthAttemptsTotal  *prometheus.CounterVec // method: local|oidc|saml|api_key|session, result: success|failure
	AuthzDenialsTotal  *prometheus.CounterVec // resource, action
	RateLimitedTotal   *prometheus.CounterVec // kind: api_key|login
	FederationFlows    *prometheus.CounterVec // provider, phase: started|completed|failed
	ReplayRejectsTotal prometheus.Counter

	// Dependency metrics
	DBConnectionsActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolve_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolve_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolve_auth_attempts_total",
				Help: "Authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),
		AuthzDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolve_authz_denials_total",
				Help: "Authorization denials by resource and action",
			},
			[]string{"resource", "action"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolve_rate_limited_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"kind"},
		),
		FederationFlows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolve_federation_flows_total",
				Help: "Federation login flows by provider and phase",
			},
			[]string{"provider", "phase"},
		),
		ReplayRejectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resolve_replay_rejects_total",
				Help: "SAML assertion replays rejected",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolve_db_connections_active",
				Help: "Active database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.AuthzDenialsTotal,
		m.RateLimitedTotal,
		m.FederationFlows,
		m.ReplayRejectsTotal,
		m.DBConnectionsActive,
	)

	return m
}

// WatchDBPool samples the database pool on the given interval and publishes
// the in-use connection count until ctx is cancelled.
func (m *Metrics) WatchDBPool(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.DBConnectionsActive.Set(float64(db.Stats().InUse))
			}
		}
	}()
}

// MetricsHandler returns an HTTP handler for the /metrics endpoint
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and durations
func (m *Metrics) HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}
