// Package metrics provides Prometheus metrics for the storefront backend
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// LoginsTotal counts login attempts by actor and result
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Total number of login attempts by actor and result",
		},
		[]string{"actor", "result"},
	)

	// RefreshTotal counts refresh calls by outcome
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "refresh_total",
			Help:      "Total number of refresh calls by outcome (fast_path, reissued, deduplicated, rotated, rejected)",
		},
		[]string{"outcome"},
	)

	// SessionsRevokedTotal counts session revocations by reason
	SessionsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "sessions_revoked_total",
			Help:      "Total number of sessions revoked by reason (logout, rotation, sweep)",
		},
		[]string{"reason"},
	)

	// SessionsCleanedTotal counts sessions deleted by the cleanup sweep
	SessionsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "sessions_cleaned_total",
			Help:      "Total number of expired or revoked sessions removed by the cleanup sweep",
		},
	)

	// OTPIssuedTotal counts issued one-time codes by purpose and delivery
	OTPIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "otp_issued_total",
			Help:      "Total number of one-time codes issued by purpose and delivery result",
		},
		[]string{"purpose", "delivered"},
	)

	// OTPVerifyTotal counts verification attempts by result
	OTPVerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "auth",
			Name:      "otp_verify_total",
			Help:      "Total number of one-time code verification attempts by result",
		},
		[]string{"result"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storefront",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)
)

// RecordLogin records a login attempt outcome
func RecordLogin(actor, result string) {
	LoginsTotal.WithLabelValues(actor, result).Inc()
}

// RecordRefresh records a refresh call outcome
func RecordRefresh(outcome string) {
	RefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordRevocation records a session revocation
func RecordRevocation(reason string) {
	SessionsRevokedTotal.WithLabelValues(reason).Inc()
}

// RecordSessionsCleaned records sessions removed by the cleanup sweep
func RecordSessionsCleaned(count int64) {
	SessionsCleanedTotal.Add(float64(count))
}

// RecordOTPIssued records an issued one-time code
func RecordOTPIssued(purpose string, delivered bool) {
	OTPIssuedTotal.WithLabelValues(purpose, strconv.FormatBool(delivered)).Inc()
}

// RecordOTPVerify records a verification attempt outcome
func RecordOTPVerify(result string) {
	OTPVerifyTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// getRoutePattern returns the route pattern from chi context.
// Falls back to URL path if pattern not available.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
