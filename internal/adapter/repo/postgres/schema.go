package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		campaign_id TEXT NOT NULL,
		state TEXT NOT NULL,
		priority INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		scheduled_for TIMESTAMPTZ NOT NULL,
		next_attempt_at TIMESTAMPTZ,
		lease_expires_at TIMESTAMPTZ,
		doc JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_due_idx ON jobs (state, priority, created_at)`,
	`CREATE TABLE IF NOT EXISTS attempt_events (
		id BIGSERIAL PRIMARY KEY,
		account_ref TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		call_id TEXT NOT NULL DEFAULT '',
		decision_code TEXT NOT NULL,
		counts_toward_attempt BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS attempt_events_account_idx ON attempt_events (account_ref, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		doc JSONB NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes when they do not exist yet.
// Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
