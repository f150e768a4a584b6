// Package worker runs the dial loop: lease a due job, evaluate the pre-dial
// gate, and either initialize the call or record why it was blocked.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/compliance"
	"github.com/relayce/outdial/internal/dialog"
	"github.com/relayce/outdial/internal/domain"
	"github.com/relayce/outdial/internal/usecase"
)

const (
	defaultLeaseSeconds = 90
	defaultPollInterval = 2 * time.Second

	// Fallback defer when a retryable block carries no retry hint.
	defaultBlockDefer = 900 * time.Second
	// Defer applied when processing dies before the attempt opened.
	exceptionDefer = 120 * time.Second
)

// Config tunes one worker instance.
type Config struct {
	WorkerID     string
	LeaseSeconds int
	PollInterval time.Duration
	// MaxJobs stops the loop after that many processed jobs; zero means run
	// until the context is canceled.
	MaxJobs int
	// Heartbeat runs once per loop iteration when set; used to publish
	// worker liveness.
	Heartbeat func(ctx context.Context)
}

// Worker drains the job queue.
type Worker struct {
	cfg    Config
	jobs   domain.JobStore
	ledger domain.AttemptLedger
	calls  domain.CallStore
	logger *slog.Logger
}

// New constructs a Worker. A nil logger falls back to slog.Default.
func New(cfg Config, jobs domain.JobStore, ledger domain.AttemptLedger, calls domain.CallStore, logger *slog.Logger) *Worker {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, jobs: jobs, ledger: ledger, calls: calls, logger: logger}
}

// Run polls for due jobs until the context is canceled or MaxJobs is
// reached. Lease errors are logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	processed := 0
	for {
		if w.cfg.Heartbeat != nil {
			w.cfg.Heartbeat(ctx)
		}
		worked, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", slog.String("worker_id", w.cfg.WorkerID), slog.Any("error", err))
		}
		if worked {
			processed++
			if w.cfg.MaxJobs > 0 && processed >= w.cfg.MaxJobs {
				w.logger.Info("worker reached job budget", slog.String("worker_id", w.cfg.WorkerID), slog.Int("processed", processed))
				return nil
			}
			// Drain eagerly while jobs are due.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOne leases and processes at most one job. It reports whether a job
// was leased.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "worker.ProcessOne")
	defer span.End()

	job, err := w.jobs.LeaseNextDue(ctx, w.cfg.WorkerID, w.cfg.LeaseSeconds, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=worker.lease: %w", err)
	}
	if job == nil {
		return false, nil
	}
	observability.JobsLeasedTotal.Inc()

	w.process(ctx, *job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	log := w.logger.With(
		slog.String("worker_id", w.cfg.WorkerID),
		slog.String("job_id", job.JobID),
		slog.String("account_ref", job.Payload.AccountRef),
	)

	decision, err := compliance.Evaluate(ctx, job.Payload.AccountRef, job.Policy, job.Payload.SuppressionFlags, w.ledger, time.Now().UTC())
	if err != nil {
		log.Error("pre-dial gate evaluation failed", slog.Any("error", err))
		w.recoverFailure(ctx, job, "worker_exception:compliance")
		return
	}
	observability.GateDecisionsTotal.WithLabelValues(decision.ReasonCode).Inc()

	if !decision.Allowed {
		w.handleBlocked(ctx, job, decision, log)
		return
	}

	w.dial(ctx, job, log)
}

func (w *Worker) handleBlocked(ctx context.Context, job domain.Job, decision compliance.Decision, log *slog.Logger) {
	w.appendEvent(ctx, job, "", decision.ReasonCode, false)

	now := time.Now().UTC()
	if decision.Retryable {
		delay := defaultBlockDefer
		if decision.RetryAfterSeconds > 0 {
			delay = time.Duration(decision.RetryAfterSeconds) * time.Second
		}
		if _, err := w.jobs.DeferLeased(ctx, job.JobID, decision.ReasonCode, delay, now); err != nil {
			log.Error("defer after retryable block failed", slog.Any("error", err))
			return
		}
		observability.JobsCompletedTotal.WithLabelValues("deferred").Inc()
		log.Info("job deferred by pre-dial gate",
			slog.String("reason_code", decision.ReasonCode),
			slog.Duration("retry_in", delay))
		return
	}

	if _, err := w.jobs.Cancel(ctx, job.JobID, decision.ReasonCode); err != nil {
		log.Error("cancel after suppression block failed", slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues("canceled").Inc()
	log.Info("job canceled by suppression", slog.String("reason_code", decision.ReasonCode))
}

func (w *Worker) dial(ctx context.Context, job domain.Job, log *slog.Logger) {
	started, err := w.jobs.MarkStarted(ctx, job.JobID, time.Now().UTC())
	if err != nil {
		log.Error("mark started failed", slog.Any("error", err))
		w.recoverFailure(ctx, job, "worker_exception:job_store")
		return
	}
	job = started

	callID := usecase.NewCallID()
	resp := dialog.StartCall(domain.NewCallState(), job.Payload.PartyProfile)
	if _, err := w.calls.Create(ctx, callID, resp.AssistantIntent, resp.CallState, time.Now().UTC()); err != nil {
		log.Error("call record create failed", slog.String("call_id", callID), slog.Any("error", err))
		w.recoverFailure(ctx, job, "worker_exception:call_store")
		return
	}
	observability.CallsStartedTotal.Inc()

	if _, err := w.jobs.MarkSucceeded(ctx, job.JobID, "call_initialized", callID, time.Now().UTC()); err != nil {
		log.Error("mark succeeded failed", slog.String("call_id", callID), slog.Any("error", err))
		w.recoverFailure(ctx, job, "worker_exception:job_store")
		return
	}
	observability.JobsCompletedTotal.WithLabelValues("succeeded").Inc()

	w.appendEvent(ctx, job, callID, "call_initialized", true)
	log.Info("call initialized", slog.String("call_id", callID))
}

// recoverFailure applies the exception policy: a running job records a failed
// attempt; a still-leased job is deferred without consuming its retry budget.
func (w *Worker) recoverFailure(ctx context.Context, job domain.Job, errorCode string) {
	now := time.Now().UTC()

	current, err := w.jobs.Get(ctx, job.JobID)
	if err != nil {
		w.logger.Error("failure recovery load failed", slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}

	switch current.State {
	case domain.JobRunning:
		if _, err := w.jobs.MarkFailed(ctx, job.JobID, errorCode, "", now); err != nil {
			w.logger.Error("mark failed errored", slog.String("job_id", job.JobID), slog.Any("error", err))
		}
		observability.JobsCompletedTotal.WithLabelValues("failed").Inc()
	case domain.JobLeased:
		if _, err := w.jobs.DeferLeased(ctx, job.JobID, errorCode, exceptionDefer, now); err != nil {
			w.logger.Error("defer after exception errored", slog.String("job_id", job.JobID), slog.Any("error", err))
		}
		observability.JobsCompletedTotal.WithLabelValues("deferred").Inc()
	}

	// Best effort; the job record already carries the error code.
	w.appendEvent(ctx, job, "", errorCode, false)
}

func (w *Worker) appendEvent(ctx context.Context, job domain.Job, callID, decisionCode string, counts bool) {
	_, err := w.ledger.Append(ctx, domain.AttemptEvent{
		AccountRef:          job.Payload.AccountRef,
		RecordedAtUTC:       time.Now().UTC(),
		JobID:               job.JobID,
		CallID:              callID,
		DecisionCode:        decisionCode,
		CountsTowardAttempt: counts,
	})
	if err != nil {
		w.logger.Error("attempt ledger append failed",
			slog.String("job_id", job.JobID),
			slog.String("decision_code", decisionCode),
			slog.Any("error", err))
	}
}
