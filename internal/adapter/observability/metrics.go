// Package observability provides the Prometheus metrics surface and the HTTP
// instrumentation middleware.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_jobs_enqueued_total",
			Help: "Total number of dial jobs enqueued",
		},
		[]string{"trigger_source"},
	)
	JobsLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dial_jobs_leased_total",
			Help: "Total number of dial jobs leased by workers",
		},
	)
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_gate_decisions_total",
			Help: "Pre-dial gate decisions by reason code",
		},
		[]string{"reason_code"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_jobs_completed_total",
			Help: "Total number of dial jobs finished, by terminal result",
		},
		[]string{"result"},
	)
	CallsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dial_calls_started_total",
			Help: "Total number of outbound calls initialized",
		},
	)
	CallTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_call_turns_total",
			Help: "Total number of call turns handled, by event type",
		},
		[]string{"event_type"},
	)
	LeasesRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dial_leases_requeued_total",
			Help: "Total number of expired leases returned to the queue",
		},
	)
)

// InitMetrics registers all collectors. Call once at process start.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsLeasedTotal)
	prometheus.MustRegister(GateDecisionsTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(CallsStartedTotal)
	prometheus.MustRegister(CallTurnsTotal)
	prometheus.MustRegister(LeasesRequeuedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
