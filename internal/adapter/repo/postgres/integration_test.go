package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relayce/outdial/internal/adapter/repo/postgres"
	"github.com/relayce/outdial/internal/domain"
)

// startPostgres boots a disposable database. Guarded so unit runs stay free
// of a Docker dependency.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("OUTDIAL_DB_TESTS") == "" {
		t.Skip("set OUTDIAL_DB_TESTS=1 to run database integration tests")
	}

	ctx := context.Background()
	pgC, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("outdial"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresJobLifecycleIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repo := postgres.NewJobRepo(pool)
	req := domain.EnqueueRequest{
		TriggerSource:   domain.TriggerManual,
		CampaignID:      "camp_it",
		Payload:         domain.CallPayload{AccountRef: "acct_it"},
		Policy:          domain.PolicySnapshot{Timezone: "America/Chicago"},
		Retry:           domain.DefaultRetryPolicy(),
		ScheduledForUTC: time.Now().UTC().Add(-time.Minute),
	}

	job, created, err := repo.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := repo.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.JobID, dup.JobID)

	leased, err := repo.LeaseNextDue(ctx, "it-worker", 90, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.JobID, leased.JobID)
	assert.Equal(t, domain.JobLeased, leased.State)

	// Nothing else due while the lease is held.
	second, err := repo.LeaseNextDue(ctx, "it-worker-2", 90, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, second)

	_, err = repo.MarkStarted(ctx, job.JobID, time.Now().UTC())
	require.NoError(t, err)
	done, err := repo.MarkSucceeded(ctx, job.JobID, "call_initialized", "call_it", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, done.State)
	require.Len(t, done.Attempts, 1)
	assert.Equal(t, "call_it", done.Attempts[0].CallID)
}

func TestPostgresAttemptLedgerIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repo := postgres.NewAttemptRepo(pool)
	at := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	_, err = repo.Append(ctx, domain.AttemptEvent{
		AccountRef: "acct_it", RecordedAtUTC: at, DecisionCode: "allowed", CountsTowardAttempt: true,
	})
	require.NoError(t, err)
	_, err = repo.Append(ctx, domain.AttemptEvent{
		AccountRef: "acct_it", RecordedAtUTC: at.Add(time.Hour), DecisionCode: "blocked_daily_cap",
	})
	require.NoError(t, err)

	events, err := repo.ListByAccount(ctx, "acct_it")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "allowed", events[0].DecisionCode)

	n, err := repo.CountAttemptsForLocalDay(ctx, "acct_it", "America/Chicago", "2026-02-10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recent, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "blocked_daily_cap", recent[0].DecisionCode)
}

func TestPostgresCallStoreIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	repo := postgres.NewCallRepo(pool)
	now := time.Now().UTC()
	_, err = repo.Create(ctx, "call_it", "greeting", domain.NewCallState(), now)
	require.NoError(t, err)

	_, err = repo.Create(ctx, "call_it", "greeting", domain.NewCallState(), now)
	require.ErrorIs(t, err, domain.ErrConflict)

	rec, err := repo.AppendTurn(ctx, "call_it", domain.CallTurn{
		EventType:       "user_utterance",
		AssistantIntent: "verify_identity",
	}, domain.NewCallState(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, rec.Turns, 2)

	got, err := repo.Get(ctx, "call_it")
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, got.Status)
	assert.Len(t, got.Turns, 2)
}
