// Package metrics holds the gateway's Prometheus collectors. They register on the
// default registry at init and are served by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_gateway"

var (
	tokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_validations_total",
		Help:      "Token validations by outcome.",
	}, []string{"outcome"})

	refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refreshes_total",
		Help:      "Token refresh attempts against the Identity API by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	coalescedRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refreshes_coalesced_total",
		Help:      "Refresh triggers that joined an in-flight refresh instead of issuing their own.",
	})

	oauthPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oauth_phase_transitions_total",
		Help:      "OAuth flow phase transitions by provider.",
	}, []string{"provider", "phase"})

	scheduledSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduled_sessions",
		Help:      "Sessions with a pending background refresh.",
	})

	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Session lifecycle events.",
	}, []string{"event"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"path", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
)

func ObserveValidation(outcome string) {
	tokenValidations.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records one refresh call; trigger is "request" or "scheduler"
func ObserveRefresh(trigger, outcome string) {
	refreshes.WithLabelValues(trigger, outcome).Inc()
}

func ObserveCoalescedRefresh() {
	coalescedRefreshes.Inc()
}

func ObserveOAuthPhase(provider, phase string) {
	oauthPhases.WithLabelValues(provider, phase).Inc()
}

func SetScheduledSessions(n int) {
	scheduledSessions.Set(float64(n))
}

// ObserveSessionEvent counts created, refreshed, terminated and logged_out sessions
func ObserveSessionEvent(event string) {
	sessionEvents.WithLabelValues(event).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latencies labelled by the matched route pattern
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path, r.Method, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
