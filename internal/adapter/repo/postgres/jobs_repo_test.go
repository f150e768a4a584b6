package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayce/outdial/internal/adapter/repo/postgres"
	"github.com/relayce/outdial/internal/domain"
)

func queuedJob(t *testing.T) (domain.Job, []byte) {
	t.Helper()
	job := domain.NewJob(domain.EnqueueRequest{
		TriggerSource: domain.TriggerManual,
		CampaignID:    "camp_q3",
		Payload:       domain.CallPayload{AccountRef: "acct_001"},
		Policy:        domain.PolicySnapshot{Timezone: "America/Chicago"},
		Retry:         domain.DefaultRetryPolicy(),
	}, time.Now().UTC())
	doc, err := json.Marshal(job)
	require.NoError(t, err)
	return job, doc
}

func TestJobRepoEnqueueInserts(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	job, created, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		TriggerSource: domain.TriggerManual,
		CampaignID:    "camp_q3",
		Payload:       domain.CallPayload{AccountRef: "acct_001"},
		Policy:        domain.PolicySnapshot{Timezone: "America/Chicago"},
		Retry:         domain.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobQueued, job.State)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (idempotency_key) DO NOTHING")
}

func TestJobRepoEnqueueReturnsExistingOnKeyConflict(t *testing.T) {
	t.Parallel()
	existing, doc := queuedJob(t)
	// Zero rows affected means the key already exists; the repo re-reads.
	pool := &poolStub{execTag: pgconn.CommandTag{}, row: docRow(doc)}
	repo := postgres.NewJobRepo(pool)

	job, created, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		TriggerSource: domain.TriggerManual,
		CampaignID:    "camp_q3",
		Payload:       domain.CallPayload{AccountRef: "acct_001"},
		Policy:        domain.PolicySnapshot{Timezone: "America/Chicago"},
		Retry:         domain.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.JobID, job.JobID)
}

func TestJobRepoEnqueueExecError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: assert.AnError}
	repo := postgres.NewJobRepo(pool)

	_, _, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		TriggerSource: domain.TriggerManual,
		CampaignID:    "camp_q3",
		Payload:       domain.CallPayload{AccountRef: "acct_001"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.enqueue")
}

func TestJobRepoGetNotFound(t *testing.T) {
	t.Parallel()
	repo := postgres.NewJobRepo(&poolStub{})

	_, err := repo.Get(context.Background(), "job_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepoGetDecodesDoc(t *testing.T) {
	t.Parallel()
	existing, doc := queuedJob(t)
	repo := postgres.NewJobRepo(&poolStub{row: docRow(doc)})

	job, err := repo.Get(context.Background(), existing.JobID)
	require.NoError(t, err)
	assert.Equal(t, existing.JobID, job.JobID)
	assert.Equal(t, "camp_q3", job.CampaignID)
}

func TestJobRepoListSkipsCorruptDoc(t *testing.T) {
	t.Parallel()
	existing, doc := queuedJob(t)
	rows := &rowsStub{data: [][]any{
		{[]byte(`{"job_id": not json}`)},
		{doc},
	}}
	repo := postgres.NewJobRepo(&poolStub{rows: rows})

	jobs, err := repo.List(context.Background(), domain.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, existing.JobID, jobs[0].JobID)
}

func TestJobRepoLeaseNextDueLeases(t *testing.T) {
	t.Parallel()
	_, doc := queuedJob(t)
	tx := &txStub{rows: &rowsStub{}, row: docRow(doc)}
	repo := postgres.NewJobRepo(&poolStub{tx: tx})

	job, err := repo.LeaseNextDue(context.Background(), "worker-1", 90, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobLeased, job.State)
	assert.Equal(t, "worker-1", job.LeaseOwner)
	assert.True(t, tx.committed)
}

func TestJobRepoLeaseNextDueEmptyQueue(t *testing.T) {
	t.Parallel()
	tx := &txStub{rows: &rowsStub{}, row: noRow()}
	repo := postgres.NewJobRepo(&poolStub{tx: tx})

	job, err := repo.LeaseNextDue(context.Background(), "worker-1", 90, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.True(t, tx.committed)
}

func TestJobRepoCancelTransitions(t *testing.T) {
	t.Parallel()
	existing, doc := queuedJob(t)
	tx := &txStub{row: docRow(doc)}
	repo := postgres.NewJobRepo(&poolStub{tx: tx})

	job, err := repo.Cancel(context.Background(), existing.JobID, "operator_request")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, job.State)
	assert.Equal(t, "operator_request", job.FailureReason)
	assert.True(t, tx.committed)
}

func TestJobRepoMutateNotFound(t *testing.T) {
	t.Parallel()
	repo := postgres.NewJobRepo(&poolStub{tx: &txStub{}})

	_, err := repo.MarkStarted(context.Background(), "job_missing", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
