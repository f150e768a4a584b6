package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/relayce/outdial/internal/adapter/httpserver"
	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/call/start", srv.StartCallHandler())
		wr.Post("/v1/call/turn", srv.TurnHandler())
		wr.Post("/v1/jobs/enqueue", srv.EnqueueJobHandler())
		wr.Post("/v1/jobs/lease", srv.LeaseJobHandler())
		wr.Post("/v1/jobs/{job_id}/start", srv.StartJobHandler())
		wr.Post("/v1/jobs/{job_id}/success", srv.CompleteJobHandler())
		wr.Post("/v1/jobs/{job_id}/failure", srv.FailJobHandler())
		wr.Post("/v1/jobs/{job_id}/cancel", srv.CancelJobHandler())
	})

	// Read-only endpoints
	r.Get("/v1/call/{call_id}", srv.CallSummaryHandler())
	r.Get("/v1/metrics/summary", srv.MetricsSummaryHandler())
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{job_id}", srv.GetJobHandler())
	r.Get("/v1/attempts", srv.RecentAttemptsHandler())
	r.Get("/v1/attempts/{account_ref}", srv.AccountAttemptsHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
