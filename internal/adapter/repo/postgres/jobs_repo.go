package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relayce/outdial/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// The JSONB doc column is authoritative; state, priority, and the scheduling
// timestamps are mirrored into columns so leasing can use an index.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Enqueue creates a job unless one with the same idempotency key exists.
func (r *JobRepo) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()

	job := domain.NewJob(req, time.Now().UTC())
	doc, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.enqueue: %w", err)
	}
	q := `INSERT INTO jobs (job_id, idempotency_key, campaign_id, state, priority, created_at, scheduled_for, next_attempt_at, lease_expires_at, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, job.JobID, job.IdempotencyKey, job.CampaignID, job.State, job.Priority,
		job.CreatedAtUTC, job.ScheduledForUTC, job.NextAttemptAt, job.LeaseExpiresAt, doc)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.enqueue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.getByIdempotencyKey(ctx, job.IdempotencyKey)
		if err != nil {
			return domain.Job{}, false, err
		}
		return existing, false, nil
	}
	span.SetAttributes(attribute.String("job.id", job.JobID))
	return job, true, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE job_id=$1`, jobID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return decodeJob(doc)
}

func (r *JobRepo) getByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE idempotency_key=$1 LIMIT 1`, key)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get_by_key: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_by_key: %w", err)
	}
	return decodeJob(doc)
}

// List returns jobs matching the filter, most urgent first.
func (r *JobRepo) List(ctx domain.Context, filter domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	q := `SELECT doc FROM jobs`
	var (
		conds []string
		args  []any
	)
	if filter.State != "" {
		args = append(args, filter.State)
		conds = append(conds, fmt.Sprintf("state=$%d", len(args)))
	}
	if filter.CampaignID != "" {
		args = append(args, filter.CampaignID)
		conds = append(conds, fmt.Sprintf("campaign_id=$%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY priority, created_at"

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		job, err := decodeJob(doc)
		if err != nil {
			// A corrupt document must not take down the whole listing.
			slog.Warn("skipping undecodable job document", slog.Any("error", err))
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return jobs, nil
}

// LeaseNextDue promotes due retries, then atomically leases the most urgent
// due queued job. Concurrent workers skip each other via SKIP LOCKED.
func (r *JobRepo) LeaseNextDue(ctx domain.Context, workerID string, leaseSeconds int, now time.Time) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LeaseNextDue")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.lease_next_due: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := promoteDueRetriesTx(ctx, tx, now); err != nil {
		return nil, err
	}

	q := `SELECT doc FROM jobs
		WHERE state=$1 AND COALESCE(next_attempt_at, scheduled_for) <= $2
		ORDER BY priority, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	row := tx.QueryRow(ctx, q, domain.JobQueued, now.UTC())
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("op=job.lease_next_due: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.lease_next_due: %w", err)
	}
	job, err := decodeJob(doc)
	if err != nil {
		return nil, err
	}
	if err := job.Lease(workerID, leaseSeconds, now); err != nil {
		return nil, err
	}
	if err := saveJobTx(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.lease_next_due: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.JobID))
	return &job, nil
}

// MarkStarted moves a leased job to running and opens an attempt record.
func (r *JobRepo) MarkStarted(ctx domain.Context, jobID string, now time.Time) (domain.Job, error) {
	return r.mutate(ctx, "jobs.MarkStarted", jobID, func(job *domain.Job) error {
		return job.StartAttempt(now)
	})
}

// MarkSucceeded closes the open attempt with outcomeCode.
func (r *JobRepo) MarkSucceeded(ctx domain.Context, jobID, outcomeCode, callID string, now time.Time) (domain.Job, error) {
	return r.mutate(ctx, "jobs.MarkSucceeded", jobID, func(job *domain.Job) error {
		if err := job.MarkSucceeded(outcomeCode, now); err != nil {
			return err
		}
		job.Attempts[len(job.Attempts)-1].CallID = callID
		return nil
	})
}

// MarkFailed closes the open attempt with errorCode and schedules a retry or
// dead-letters the job.
func (r *JobRepo) MarkFailed(ctx domain.Context, jobID, errorCode, callID string, now time.Time) (domain.Job, error) {
	return r.mutate(ctx, "jobs.MarkFailed", jobID, func(job *domain.Job) error {
		if err := job.MarkFailedAndScheduleRetry(errorCode, now); err != nil {
			return err
		}
		job.Attempts[len(job.Attempts)-1].CallID = callID
		return nil
	})
}

// DeferLeased returns a leased job to waiting_retry without an attempt.
func (r *JobRepo) DeferLeased(ctx domain.Context, jobID, errorCode string, delay time.Duration, now time.Time) (domain.Job, error) {
	return r.mutate(ctx, "jobs.DeferLeased", jobID, func(job *domain.Job) error {
		return job.DeferLeased(errorCode, delay, now)
	})
}

// Cancel moves a job to canceled.
func (r *JobRepo) Cancel(ctx domain.Context, jobID, reasonCode string) (domain.Job, error) {
	return r.mutate(ctx, "jobs.Cancel", jobID, func(job *domain.Job) error {
		return job.Cancel(reasonCode)
	})
}

// RequeueDueRetries promotes every due waiting_retry job to queued.
func (r *JobRepo) RequeueDueRetries(ctx domain.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueDueRetries")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_due: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	promoted, err := promoteDueRetriesTx(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.requeue_due: %w", err)
	}
	return promoted, nil
}

// RequeueExpiredLeases moves leased and running jobs whose lease expired
// before cutoff back to waiting_retry.
func (r *JobRepo) RequeueExpiredLeases(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueExpiredLeases")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_expired: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT doc FROM jobs
		WHERE state = ANY($1) AND lease_expires_at < $2
		FOR UPDATE SKIP LOCKED`
	docs, err := collectDocs(ctx, tx, q, []string{string(domain.JobLeased), string(domain.JobRunning)}, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_expired: %w", err)
	}

	moved := 0
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			return moved, err
		}
		if err := job.ExpireLease(cutoff); err != nil {
			continue
		}
		if err := saveJobTx(ctx, tx, job); err != nil {
			return moved, err
		}
		moved++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.requeue_expired: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.requeued", moved))
	return moved, nil
}

func (r *JobRepo) mutate(ctx domain.Context, spanName, jobID string, fn func(*domain.Job) error) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mutate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT doc FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.mutate: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.mutate: %w", err)
	}
	job, err := decodeJob(doc)
	if err != nil {
		return domain.Job{}, err
	}
	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}
	if err := saveJobTx(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.mutate: %w", err)
	}
	return job, nil
}

// promoteDueRetriesTx locks due waiting_retry rows and promotes them to
// queued through the entity transition.
func promoteDueRetriesTx(ctx context.Context, tx pgx.Tx, now time.Time) (int, error) {
	q := `SELECT doc FROM jobs
		WHERE state=$1 AND COALESCE(next_attempt_at, scheduled_for) <= $2
		FOR UPDATE SKIP LOCKED`
	docs, err := collectDocs(ctx, tx, q, domain.JobWaitingRetry, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.promote_due: %w", err)
	}

	promoted := 0
	for _, doc := range docs {
		job, err := decodeJob(doc)
		if err != nil {
			return promoted, err
		}
		if err := job.PromoteRetry(now); err != nil {
			continue
		}
		if err := saveJobTx(ctx, tx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// collectDocs reads all doc columns before any write happens on the same
// connection; pgx does not allow interleaving.
func collectDocs(ctx context.Context, tx pgx.Tx, q string, args ...any) ([][]byte, error) {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func saveJobTx(ctx context.Context, tx pgx.Tx, job domain.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=job.save: %w", err)
	}
	q := `UPDATE jobs SET state=$2, priority=$3, scheduled_for=$4, next_attempt_at=$5, lease_expires_at=$6, doc=$7 WHERE job_id=$1`
	if _, err := tx.Exec(ctx, q, job.JobID, job.State, job.Priority, job.ScheduledForUTC, job.NextAttemptAt, job.LeaseExpiresAt, doc); err != nil {
		return fmt.Errorf("op=job.save: %w", err)
	}
	return nil
}

func decodeJob(doc []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.decode: %w", err)
	}
	return job, nil
}
