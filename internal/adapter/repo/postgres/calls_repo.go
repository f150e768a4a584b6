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

	"github.com/relayce/outdial/internal/domain"
)

// CallRepo persists call records as JSONB documents.
type CallRepo struct{ Pool PgxPool }

// NewCallRepo constructs a CallRepo with the given pool.
func NewCallRepo(p PgxPool) *CallRepo { return &CallRepo{Pool: p} }

// Create opens a new call record with the synthetic system_start turn.
func (r *CallRepo) Create(ctx domain.Context, callID, assistantIntent string, state domain.CallState, now time.Time) (domain.CallRecord, error) {
	tracer := otel.Tracer("repo.calls")
	ctx, span := tracer.Start(ctx, "calls.Create")
	defer span.End()

	rec := domain.NewCallRecord(callID, assistantIntent, state, now)
	doc, err := json.Marshal(rec)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("op=call.create: %w", err)
	}
	q := `INSERT INTO calls (call_id, status, created_at, updated_at, doc)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (call_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, rec.CallID, rec.Status, rec.CreatedAtUTC, rec.UpdatedAtUTC, doc)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("op=call.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.CallRecord{}, fmt.Errorf("op=call.create: %w", domain.ErrConflict)
	}
	return rec, nil
}

// AppendTurn appends one turn and updates the stored call state. The row is
// locked so concurrent turns for the same call serialize.
func (r *CallRepo) AppendTurn(ctx domain.Context, callID string, turn domain.CallTurn, state domain.CallState, now time.Time) (domain.CallRecord, error) {
	tracer := otel.Tracer("repo.calls")
	ctx, span := tracer.Start(ctx, "calls.AppendTurn")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("op=call.append_turn: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT doc FROM calls WHERE call_id=$1 FOR UPDATE`, callID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallRecord{}, fmt.Errorf("op=call.append_turn: %w", domain.ErrNotFound)
		}
		return domain.CallRecord{}, fmt.Errorf("op=call.append_turn: %w", err)
	}
	rec, err := decodeCall(doc)
	if err != nil {
		return domain.CallRecord{}, err
	}

	rec.AppendTurn(turn, state, now)

	if err := saveCallTx(ctx, tx, rec); err != nil {
		return domain.CallRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CallRecord{}, fmt.Errorf("op=call.append_turn: %w", err)
	}
	return rec, nil
}

// Get loads a call record by id.
func (r *CallRepo) Get(ctx domain.Context, callID string) (domain.CallRecord, error) {
	tracer := otel.Tracer("repo.calls")
	ctx, span := tracer.Start(ctx, "calls.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT doc FROM calls WHERE call_id=$1`, callID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallRecord{}, fmt.Errorf("op=call.get: %w", domain.ErrNotFound)
		}
		return domain.CallRecord{}, fmt.Errorf("op=call.get: %w", err)
	}
	return decodeCall(doc)
}

// GetState loads the stored call state for a live call.
func (r *CallRepo) GetState(ctx domain.Context, callID string) (domain.CallState, error) {
	rec, err := r.Get(ctx, callID)
	if err != nil {
		return domain.CallState{}, err
	}
	return rec.LastCallState, nil
}

// List returns all call records ordered by call id.
func (r *CallRepo) List(ctx domain.Context) ([]domain.CallRecord, error) {
	tracer := otel.Tracer("repo.calls")
	ctx, span := tracer.Start(ctx, "calls.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT doc FROM calls ORDER BY call_id`)
	if err != nil {
		return nil, fmt.Errorf("op=call.list: %w", err)
	}
	defer rows.Close()

	var records []domain.CallRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=call.list: %w", err)
		}
		rec, err := decodeCall(doc)
		if err != nil {
			// A corrupt document must not take down the whole listing.
			slog.Warn("skipping undecodable call document", slog.Any("error", err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=call.list: %w", err)
	}
	return records, nil
}

func saveCallTx(ctx context.Context, tx pgx.Tx, rec domain.CallRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=call.save: %w", err)
	}
	q := `UPDATE calls SET status=$2, updated_at=$3, doc=$4 WHERE call_id=$1`
	if _, err := tx.Exec(ctx, q, rec.CallID, rec.Status, rec.UpdatedAtUTC, doc); err != nil {
		return fmt.Errorf("op=call.save: %w", err)
	}
	return nil
}

func decodeCall(doc []byte) (domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return domain.CallRecord{}, fmt.Errorf("op=call.decode: %w", err)
	}
	return rec, nil
}
