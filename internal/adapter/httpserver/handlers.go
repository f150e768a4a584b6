package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/config"
	"github.com/relayce/outdial/internal/dialog"
	"github.com/relayce/outdial/internal/domain"
	"github.com/relayce/outdial/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Jobs    usecase.JobService
	Calls   usecase.CallService
	Metrics usecase.MetricsService
	Ledger  domain.AttemptLedger
	// DialogPolicy is the default policy applied to turn requests that omit
	// their own policy_config.
	DialogPolicy dialog.PolicyConfig

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(
	cfg config.Config,
	jobs usecase.JobService,
	calls usecase.CallService,
	metrics usecase.MetricsService,
	ledger domain.AttemptLedger,
	dialogPolicy dialog.PolicyConfig,
	dbCheck, redisCheck, queueCheck func(context.Context) error,
) *Server {
	return &Server{
		Cfg:          cfg,
		Jobs:         jobs,
		Calls:        calls,
		Metrics:      metrics,
		Ledger:       ledger,
		DialogPolicy: dialogPolicy,
		DBCheck:      dbCheck,
		RedisCheck:   redisCheck,
		QueueCheck:   queueCheck,
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// StartCallHandler opens a new call and returns the opening prompt.
func (s *Server) StartCallHandler() http.HandlerFunc {
	type startCallRequest struct {
		PartyProfile map[string]string `json:"party_profile"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req startCallRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		result, err := s.Calls.Start(r.Context(), req.PartyProfile)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.CallsStartedTotal.Inc()
		writeJSON(w, http.StatusCreated, result)
	}
}

// TurnHandler processes one turn event against the stored call state.
func (s *Server) TurnHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in usecase.TurnInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if in.PolicyConfig == (dialog.PolicyConfig{}) {
			in.PolicyConfig = s.DialogPolicy
		}
		result, err := s.Calls.HandleTurn(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.CallTurnsTotal.WithLabelValues(in.TurnEvent.EventType).Inc()
		writeJSON(w, http.StatusOK, result)
	}
}

// CallSummaryHandler returns the condensed view of one call.
func (s *Server) CallSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "call_id")
		summary, err := s.Calls.Summary(r.Context(), callID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// MetricsSummaryHandler returns the combined call and job metrics.
func (s *Server) MetricsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trendDays := s.Cfg.MetricsTrendDays
		if trendDays == 0 {
			trendDays = usecase.DefaultTrendDays
		}
		summary, err := s.Metrics.Summary(r.Context(), trendDays)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// EnqueueJobHandler creates a job, or returns the existing one when the
// request repeats an idempotency fingerprint.
func (s *Server) EnqueueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in usecase.EnqueueInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, created, err := s.Jobs.Enqueue(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.JobsEnqueuedTotal.WithLabelValues(string(job.TriggerSource)).Inc()
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]interface{}{"created": created, "job": job})
	}
}

// ListJobsHandler lists jobs filtered by state and campaign.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = parsed
		}
		jobs, err := s.Jobs.List(r.Context(), r.URL.Query().Get("state"), r.URL.Query().Get("campaign_id"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(jobs), "jobs": jobs})
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// LeaseJobHandler atomically assigns the most urgent due job to a worker.
func (s *Server) LeaseJobHandler() http.HandlerFunc {
	type leaseRequest struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req leaseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Lease(r.Context(), req.WorkerID, req.LeaseSeconds)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job != nil {
			observability.JobsLeasedTotal.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
	}
}

// StartJobHandler moves a leased job to running.
func (s *Server) StartJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Start(r.Context(), chi.URLParam(r, "job_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CompleteJobHandler closes the running attempt with an outcome code.
func (s *Server) CompleteJobHandler() http.HandlerFunc {
	type completeRequest struct {
		OutcomeCode string `json:"outcome_code"`
		CallID      string `json:"call_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Success(r.Context(), chi.URLParam(r, "job_id"), req.OutcomeCode, req.CallID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// FailJobHandler closes the running attempt with an error code.
func (s *Server) FailJobHandler() http.HandlerFunc {
	type failRequest struct {
		ErrorCode string `json:"error_code"`
		CallID    string `json:"call_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req failRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Failure(r.Context(), chi.URLParam(r, "job_id"), req.ErrorCode, req.CallID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJobHandler cancels a job from any non-terminal state.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	type cancelRequest struct {
		ReasonCode string `json:"reason_code"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"), req.ReasonCode)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// AccountAttemptsHandler returns the full decision ledger for one account.
func (s *Server) AccountAttemptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountRef := chi.URLParam(r, "account_ref")
		events, err := s.Ledger.ListByAccount(r.Context(), accountRef)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if events == nil {
			events = []domain.AttemptEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"account_ref": accountRef, "events": events})
	}
}

// RecentAttemptsHandler returns the newest decision events across accounts.
func (s *Server) RecentAttemptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 200
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = parsed
		}
		events, err := s.Ledger.ListRecent(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if events == nil {
			events = []domain.AttemptEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	}
}

// ReadyzHandler reports readiness of the backing dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"redis": s.RedisCheck,
			"queue": s.QueueCheck,
		}
		status := http.StatusOK
		results := map[string]string{}
		for name, check := range checks {
			if check == nil {
				results[name] = "skipped"
				continue
			}
			if err := check(r.Context()); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": results})
	}
}
