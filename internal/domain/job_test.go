package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnqueueRequest() EnqueueRequest {
	return EnqueueRequest{
		TriggerSource: TriggerManual,
		CampaignID:    "c1",
		Payload: CallPayload{
			AccountRef: "acct-1",
			Language:   "en-US",
		},
		Policy: PolicySnapshot{
			Timezone:               "America/Chicago",
			AllowedLocalTimeRanges: []string{"08:00-20:00"},
			DailyAttemptCap:        2,
			MinGapMinutes:          60,
		},
		ScheduledForUTC: time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC),
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	legal := []struct {
		from  JobState
		event JobEvent
		to    JobState
	}{
		{JobQueued, EventLease, JobLeased},
		{JobLeased, EventStart, JobRunning},
		{JobRunning, EventCallSucceeded, JobSucceeded},
		{JobRunning, EventCallFailed, JobFailed},
		{JobLeased, EventScheduleRetry, JobWaitingRetry},
		{JobFailed, EventScheduleRetry, JobWaitingRetry},
		{JobWaitingRetry, EventRetryReady, JobQueued},
		{JobFailed, EventExhaustRetries, JobDeadLetter},
		{JobLeased, EventLeaseExpired, JobWaitingRetry},
		{JobRunning, EventLeaseExpired, JobWaitingRetry},
		{JobQueued, EventCancel, JobCanceled},
		{JobLeased, EventCancel, JobCanceled},
		{JobRunning, EventCancel, JobCanceled},
		{JobWaitingRetry, EventCancel, JobCanceled},
	}
	for _, tc := range legal {
		got, err := Transition(tc.from, tc.event)
		require.NoError(t, err, "%s + %s", tc.from, tc.event)
		assert.Equal(t, tc.to, got)
	}

	illegal := []struct {
		from  JobState
		event JobEvent
	}{
		{JobQueued, EventStart},
		{JobRunning, EventLease},
		{JobSucceeded, EventCancel},
		{JobDeadLetter, EventLease},
		{JobCanceled, EventCancel},
		{JobQueued, EventScheduleRetry},
		{JobWaitingRetry, EventLease},
		{JobQueued, EventLeaseExpired},
		{JobWaitingRetry, EventLeaseExpired},
	}
	for _, tc := range illegal {
		_, err := Transition(tc.from, tc.event)
		require.ErrorIs(t, err, ErrConflict, "%s + %s", tc.from, tc.event)
	}
}

func TestIsTerminalState(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTerminalState(JobSucceeded))
	assert.True(t, IsTerminalState(JobDeadLetter))
	assert.True(t, IsTerminalState(JobCanceled))
	assert.False(t, IsTerminalState(JobQueued))
	assert.False(t, IsTerminalState(JobWaitingRetry))
	assert.False(t, IsTerminalState(JobFailed))
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	policy := RetryPolicy{MaxAttempts: 5, BaseDelaySeconds: 120, MaxDelaySeconds: 3600}

	assert.Equal(t, 120*time.Second, RetryDelay(1, policy))
	assert.Equal(t, 240*time.Second, RetryDelay(2, policy))
	assert.Equal(t, 480*time.Second, RetryDelay(3, policy))
	// Cap kicks in: 120 * 2^5 = 3840 > 3600.
	assert.Equal(t, 3600*time.Second, RetryDelay(6, policy))
	assert.Equal(t, 120*time.Second, RetryDelay(0, policy))
}

func TestBuildIdempotencyKey(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	k1 := BuildIdempotencyKey("c1", "acct-1", at)
	k2 := BuildIdempotencyKey("c1", "acct-1", at)
	k3 := BuildIdempotencyKey("c1", "acct-2", at)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, len("job_")+24)
	assert.Contains(t, k1, "job_")
}

func TestNewJobDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 14, 0, 0, 0, time.UTC)
	job := NewJob(testEnqueueRequest(), now)

	assert.Equal(t, JobQueued, job.State)
	assert.Equal(t, now, job.CreatedAtUTC)
	require.NotNil(t, job.NextAttemptAt)
	assert.Equal(t, job.ScheduledForUTC, *job.NextAttemptAt)
	assert.Equal(t, DefaultRetryPolicy(), job.Retry)
	assert.NotEmpty(t, job.JobID)
	assert.NotEmpty(t, job.IdempotencyKey)
}

func TestJobLifecycleHappyPath(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	job := NewJob(testEnqueueRequest(), now)

	require.NoError(t, job.Lease("w1", 90, now))
	assert.Equal(t, JobLeased, job.State)
	assert.Equal(t, "w1", job.LeaseOwner)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.Equal(t, now.Add(90*time.Second), *job.LeaseExpiresAt)

	require.NoError(t, job.StartAttempt(now))
	assert.Equal(t, JobRunning, job.State)
	require.Len(t, job.Attempts, 1)
	assert.Equal(t, 1, job.Attempts[0].AttemptNumber)

	require.NoError(t, job.MarkSucceeded("call_initialized", now))
	assert.Equal(t, JobSucceeded, job.State)
	assert.Equal(t, "call_initialized", job.Attempts[0].OutcomeCode)
	assert.Empty(t, job.LeaseOwner)
	assert.Nil(t, job.NextAttemptAt)
}

func TestJobFailureSchedulesRetryThenDeadLetters(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	req := testEnqueueRequest()
	req.Retry = RetryPolicy{MaxAttempts: 2, BaseDelaySeconds: 60, MaxDelaySeconds: 600}
	job := NewJob(req, now)

	require.NoError(t, job.Lease("w1", 90, now))
	require.NoError(t, job.StartAttempt(now))
	require.NoError(t, job.MarkFailedAndScheduleRetry("dial_error", now))
	assert.Equal(t, JobWaitingRetry, job.State)
	require.NotNil(t, job.NextAttemptAt)
	assert.Equal(t, now.Add(60*time.Second), *job.NextAttemptAt)

	require.NoError(t, job.PromoteRetry(now.Add(61*time.Second)))
	assert.Equal(t, JobQueued, job.State)

	later := now.Add(2 * time.Minute)
	require.NoError(t, job.Lease("w1", 90, later))
	require.NoError(t, job.StartAttempt(later))
	require.NoError(t, job.MarkFailedAndScheduleRetry("dial_error", later))
	assert.Equal(t, JobDeadLetter, job.State)
	assert.Equal(t, "dial_error", job.FailureReason)
}

func TestDeferLeasedRecordsNoAttempt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	job := NewJob(testEnqueueRequest(), now)
	require.NoError(t, job.Lease("w1", 90, now))

	require.NoError(t, job.DeferLeased("blocked_policy_outside_call_window", 900*time.Second, now))
	assert.Equal(t, JobWaitingRetry, job.State)
	assert.Empty(t, job.Attempts)
	assert.Equal(t, "blocked_policy_outside_call_window", job.FailureReason)
	require.NotNil(t, job.NextAttemptAt)
	assert.Equal(t, now.Add(900*time.Second), *job.NextAttemptAt)
}

func TestExpireLeaseReclaimsRunningJob(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	job := NewJob(testEnqueueRequest(), now)
	require.NoError(t, job.Lease("w1", 90, now))
	require.NoError(t, job.StartAttempt(now))

	cutoff := now.Add(5 * time.Minute)
	require.NoError(t, job.ExpireLease(cutoff))
	assert.Equal(t, JobWaitingRetry, job.State)
	assert.Empty(t, job.LeaseOwner)
	assert.Nil(t, job.LeaseExpiresAt)
	require.NotNil(t, job.NextAttemptAt)
	assert.Equal(t, cutoff, *job.NextAttemptAt)
	assert.Equal(t, "lease_expired", job.FailureReason)
	// The interrupted attempt stays open with no outcome recorded.
	require.Len(t, job.Attempts, 1)
	assert.Nil(t, job.Attempts[0].EndedAtUTC)

	require.ErrorIs(t, job.ExpireLease(cutoff), ErrConflict)
}

func TestCancelFromNonTerminalStates(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)

	job := NewJob(testEnqueueRequest(), now)
	require.NoError(t, job.Cancel("blocked_suppression_dnc"))
	assert.Equal(t, JobCanceled, job.State)
	assert.Equal(t, "blocked_suppression_dnc", job.FailureReason)

	require.ErrorIs(t, job.Cancel("again"), ErrConflict)
}

func TestPromoteRetryGuards(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 9, 15, 0, 0, 0, time.UTC)
	job := NewJob(testEnqueueRequest(), now)
	require.NoError(t, job.Lease("w1", 90, now))
	require.NoError(t, job.DeferLeased("blocked_policy_min_gap", 10*time.Minute, now))

	// Not due yet.
	require.ErrorIs(t, job.PromoteRetry(now.Add(time.Minute)), ErrConflict)
	assert.Equal(t, JobWaitingRetry, job.State)

	require.NoError(t, job.PromoteRetry(now.Add(11*time.Minute)))
	assert.Equal(t, JobQueued, job.State)
}
