package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/relayce/outdial/internal/domain"
)

// AttemptRepo is the append-only attempt ledger backed by PostgreSQL.
type AttemptRepo struct{ Pool PgxPool }

// NewAttemptRepo constructs an AttemptRepo with the given pool.
func NewAttemptRepo(p PgxPool) *AttemptRepo { return &AttemptRepo{Pool: p} }

// Append records one gate decision event.
func (r *AttemptRepo) Append(ctx domain.Context, ev domain.AttemptEvent) (domain.AttemptEvent, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Append")
	defer span.End()

	if ev.RecordedAtUTC.IsZero() {
		ev.RecordedAtUTC = time.Now().UTC()
	}
	q := `INSERT INTO attempt_events (account_ref, recorded_at, job_id, call_id, decision_code, counts_toward_attempt)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, ev.AccountRef, ev.RecordedAtUTC, ev.JobID, ev.CallID, ev.DecisionCode, ev.CountsTowardAttempt)
	if err != nil {
		return domain.AttemptEvent{}, fmt.Errorf("op=attempt.append: %w", err)
	}
	return ev, nil
}

// ListByAccount returns an account's events, oldest first.
func (r *AttemptRepo) ListByAccount(ctx domain.Context, accountRef string) ([]domain.AttemptEvent, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.ListByAccount")
	defer span.End()

	q := `SELECT account_ref, recorded_at, job_id, call_id, decision_code, counts_toward_attempt
		FROM attempt_events WHERE account_ref=$1 ORDER BY recorded_at, id`
	rows, err := r.Pool.Query(ctx, q, accountRef)
	if err != nil {
		return nil, fmt.Errorf("op=attempt.list_by_account: %w", err)
	}
	return scanEvents(rows, "op=attempt.list_by_account")
}

// ListRecent returns the newest events across all accounts. limit <= 0 means
// no limit.
func (r *AttemptRepo) ListRecent(ctx domain.Context, limit int) ([]domain.AttemptEvent, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.ListRecent")
	defer span.End()

	q := `SELECT account_ref, recorded_at, job_id, call_id, decision_code, counts_toward_attempt
		FROM attempt_events ORDER BY recorded_at DESC, id DESC`
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.Pool.Query(ctx, q+" LIMIT $1", limit)
	} else {
		rows, err = r.Pool.Query(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("op=attempt.list_recent: %w", err)
	}
	return scanEvents(rows, "op=attempt.list_recent")
}

// CountAttemptsForLocalDay counts counted attempts whose timestamp falls on
// localDay in the given IANA zone. Local-day bucketing happens in Go so the
// zone database semantics match the gate's.
func (r *AttemptRepo) CountAttemptsForLocalDay(ctx domain.Context, accountRef, timezoneName, localDay string) (int, error) {
	events, err := r.ListByAccount(ctx, accountRef)
	if err != nil {
		return 0, err
	}
	return domain.CountedAttemptsOnLocalDay(events, timezoneName, localDay), nil
}

// LastCountedAttemptAt returns the newest counted event time, or nil.
func (r *AttemptRepo) LastCountedAttemptAt(ctx domain.Context, accountRef string) (*time.Time, error) {
	events, err := r.ListByAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	return domain.LastCountedAttemptTime(events), nil
}

func scanEvents(rows pgx.Rows, op string) ([]domain.AttemptEvent, error) {
	defer rows.Close()

	var events []domain.AttemptEvent
	for rows.Next() {
		var ev domain.AttemptEvent
		if err := rows.Scan(&ev.AccountRef, &ev.RecordedAtUTC, &ev.JobID, &ev.CallID, &ev.DecisionCode, &ev.CountsTowardAttempt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ev.RecordedAtUTC = ev.RecordedAtUTC.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}
