package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an outbound call job.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobLeased       JobState = "leased"
	JobRunning      JobState = "running"
	JobWaitingRetry JobState = "waiting_retry"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed"
	JobDeadLetter   JobState = "dead_letter"
	JobCanceled     JobState = "canceled"
)

// ValidJobState reports whether s is a known job state.
func ValidJobState(s JobState) bool {
	switch s {
	case JobQueued, JobLeased, JobRunning, JobWaitingRetry, JobSucceeded, JobFailed, JobDeadLetter, JobCanceled:
		return true
	}
	return false
}

// JobEvent drives the job state machine.
type JobEvent string

const (
	EventLease          JobEvent = "lease"
	EventStart          JobEvent = "start"
	EventCallSucceeded  JobEvent = "call_succeeded"
	EventCallFailed     JobEvent = "call_failed"
	EventScheduleRetry  JobEvent = "schedule_retry"
	EventRetryReady     JobEvent = "retry_ready"
	EventExhaustRetries JobEvent = "exhaust_retries"
	EventLeaseExpired   JobEvent = "lease_expired"
	EventCancel         JobEvent = "cancel"
)

type transitionKey struct {
	state JobState
	event JobEvent
}

// stateTransitions is the complete worker state machine. Any pair not listed
// here is an illegal transition.
var stateTransitions = map[transitionKey]JobState{
	{JobQueued, EventLease}:                JobLeased,
	{JobLeased, EventStart}:                JobRunning,
	{JobRunning, EventCallSucceeded}:       JobSucceeded,
	{JobRunning, EventCallFailed}:          JobFailed,
	{JobLeased, EventScheduleRetry}:        JobWaitingRetry,
	{JobFailed, EventScheduleRetry}:        JobWaitingRetry,
	{JobWaitingRetry, EventRetryReady}:     JobQueued,
	{JobFailed, EventExhaustRetries}:       JobDeadLetter,
	{JobLeased, EventLeaseExpired}:         JobWaitingRetry,
	{JobRunning, EventLeaseExpired}:        JobWaitingRetry,
	{JobQueued, EventCancel}:               JobCanceled,
	{JobLeased, EventCancel}:               JobCanceled,
	{JobRunning, EventCancel}:              JobCanceled,
	{JobWaitingRetry, EventCancel}:         JobCanceled,
}

// Transition returns the next state for (current, event) or an ErrConflict
// wrapped error when the pair is not in the table.
func Transition(current JobState, event JobEvent) (JobState, error) {
	next, ok := stateTransitions[transitionKey{current, event}]
	if !ok {
		return current, fmt.Errorf("%w: invalid transition state=%s event=%s", ErrConflict, current, event)
	}
	return next, nil
}

// IsTerminalState reports whether a job in state can never transition again.
func IsTerminalState(state JobState) bool {
	switch state {
	case JobSucceeded, JobDeadLetter, JobCanceled:
		return true
	}
	return false
}

// RetryDelay computes the deterministic exponential backoff for the given
// attempt number: min(base * 2^(n-1), max).
func RetryDelay(attemptNumber int, policy RetryPolicy) time.Duration {
	exp := attemptNumber - 1
	if exp < 0 {
		exp = 0
	}
	delay := policy.BaseDelaySeconds
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= policy.MaxDelaySeconds {
			delay = policy.MaxDelaySeconds
			break
		}
	}
	if delay > policy.MaxDelaySeconds {
		delay = policy.MaxDelaySeconds
	}
	return time.Duration(delay) * time.Second
}

// BuildIdempotencyKey derives the stable enqueue fingerprint. The key stays
// free of raw PII and is shared across trigger types.
func BuildIdempotencyKey(campaignID, accountRef string, scheduledForUTC time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s", campaignID, accountRef, scheduledForUTC.UTC().Format(time.RFC3339))
	digest := sha256.Sum256([]byte(seed))
	return "job_" + hex.EncodeToString(digest[:])[:24]
}

// NewJobID returns a fresh opaque job id.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// JobAttempt is one dial attempt inside a job's attempt ledger.
type JobAttempt struct {
	AttemptNumber int        `json:"attempt_number"`
	StartedAtUTC  time.Time  `json:"started_at_utc"`
	EndedAtUTC    *time.Time `json:"ended_at_utc,omitempty"`
	OutcomeCode   string     `json:"outcome_code,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	CallID        string     `json:"call_id,omitempty"`
}

// Job is a durable outbound call job. Identity and payload fields are
// immutable after creation; scheduling and state fields are mutated only by
// the JobStore under its lock.
type Job struct {
	JobID          string        `json:"job_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	TriggerSource  TriggerSource `json:"trigger_source"`
	CampaignID     string        `json:"campaign_id"`
	// Lower priority means more urgent.
	Priority        int            `json:"priority"`
	CreatedAtUTC    time.Time      `json:"created_at_utc"`
	ScheduledForUTC time.Time      `json:"scheduled_for_utc"`
	State           JobState       `json:"state"`
	Payload         CallPayload    `json:"payload"`
	Policy          PolicySnapshot `json:"policy"`
	Retry           RetryPolicy    `json:"retry_policy"`
	LeaseOwner      string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at_utc,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at_utc,omitempty"`
	Attempts        []JobAttempt   `json:"attempts"`
	FailureReason   string         `json:"failure_reason,omitempty"`
}

// NewJob builds a queued job from an enqueue request. Validation of the
// request happens at the usecase boundary.
func NewJob(req EnqueueRequest, now time.Time) Job {
	scheduled := req.ScheduledForUTC
	if scheduled.IsZero() {
		scheduled = now
	}
	scheduled = scheduled.UTC()
	retry := req.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	next := scheduled
	return Job{
		JobID:           NewJobID(),
		IdempotencyKey:  BuildIdempotencyKey(req.CampaignID, req.Payload.AccountRef, scheduled),
		TriggerSource:   req.TriggerSource,
		CampaignID:      req.CampaignID,
		Priority:        req.Priority,
		CreatedAtUTC:    now.UTC(),
		ScheduledForUTC: scheduled,
		State:           JobQueued,
		Payload:         req.Payload,
		Policy:          req.Policy,
		Retry:           retry,
		NextAttemptAt:   &next,
	}
}

// DueAt returns the moment the job becomes eligible for leasing.
func (j *Job) DueAt() time.Time {
	if j.NextAttemptAt != nil {
		return *j.NextAttemptAt
	}
	return j.ScheduledForUTC
}

// IsDue reports whether the job is eligible for leasing at now.
func (j *Job) IsDue(now time.Time) bool {
	return !j.DueAt().After(now)
}

// CanAttemptAgain reports whether the retry budget allows another attempt.
func (j *Job) CanAttemptAgain() bool {
	return len(j.Attempts) < j.Retry.MaxAttempts
}

// Lease assigns the job to a worker for leaseSeconds.
func (j *Job) Lease(workerID string, leaseSeconds int, now time.Time) error {
	next, err := Transition(j.State, EventLease)
	if err != nil {
		return err
	}
	j.State = next
	j.LeaseOwner = workerID
	expires := now.UTC().Add(time.Duration(leaseSeconds) * time.Second)
	j.LeaseExpiresAt = &expires
	return nil
}

// StartAttempt moves a leased job to running and opens a new attempt record.
func (j *Job) StartAttempt(now time.Time) error {
	next, err := Transition(j.State, EventStart)
	if err != nil {
		return err
	}
	j.State = next
	j.Attempts = append(j.Attempts, JobAttempt{
		AttemptNumber: len(j.Attempts) + 1,
		StartedAtUTC:  now.UTC(),
	})
	return nil
}

// MarkSucceeded closes the open attempt with outcomeCode and finalizes the
// job as succeeded.
func (j *Job) MarkSucceeded(outcomeCode string, now time.Time) error {
	if len(j.Attempts) == 0 {
		return fmt.Errorf("%w: cannot mark success without an attempt record", ErrConflict)
	}
	next, err := Transition(j.State, EventCallSucceeded)
	if err != nil {
		return err
	}
	ended := now.UTC()
	j.Attempts[len(j.Attempts)-1].EndedAtUTC = &ended
	j.Attempts[len(j.Attempts)-1].OutcomeCode = outcomeCode
	j.State = next
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.NextAttemptAt = nil
	return nil
}

// MarkFailedAndScheduleRetry closes the open attempt with errorCode and
// either schedules a backoff retry or dead-letters the job when the retry
// budget is spent.
func (j *Job) MarkFailedAndScheduleRetry(errorCode string, now time.Time) error {
	if len(j.Attempts) == 0 {
		return fmt.Errorf("%w: cannot schedule retry without an attempt record", ErrConflict)
	}
	next, err := Transition(j.State, EventCallFailed)
	if err != nil {
		return err
	}
	ended := now.UTC()
	j.Attempts[len(j.Attempts)-1].EndedAtUTC = &ended
	j.Attempts[len(j.Attempts)-1].ErrorCode = errorCode
	j.State = next

	if !j.CanAttemptAgain() {
		next, err = Transition(j.State, EventExhaustRetries)
		if err != nil {
			return err
		}
		j.State = next
		j.FailureReason = errorCode
		return nil
	}

	next, err = Transition(j.State, EventScheduleRetry)
	if err != nil {
		return err
	}
	j.State = next
	due := now.UTC().Add(RetryDelay(len(j.Attempts), j.Retry))
	j.NextAttemptAt = &due
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	return nil
}

// DeferLeased returns a leased job to waiting_retry without opening an
// attempt. Used when the pre-dial gate blocks retryably after lease.
func (j *Job) DeferLeased(errorCode string, delay time.Duration, now time.Time) error {
	if j.State != JobLeased {
		return fmt.Errorf("%w: job must be leased before deferring, state=%s", ErrConflict, j.State)
	}
	next, err := Transition(j.State, EventScheduleRetry)
	if err != nil {
		return err
	}
	if delay < time.Second {
		delay = time.Second
	}
	j.State = next
	due := now.UTC().Add(delay)
	j.NextAttemptAt = &due
	j.FailureReason = errorCode
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	return nil
}

// Cancel moves the job to canceled from any non-terminal state.
func (j *Job) Cancel(reasonCode string) error {
	next, err := Transition(j.State, EventCancel)
	if err != nil {
		return err
	}
	j.State = next
	j.FailureReason = reasonCode
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	return nil
}

// ExpireLease reclaims a job whose lease ran out, returning it to
// waiting_retry due immediately at cutoff. The retry budget is untouched.
func (j *Job) ExpireLease(cutoff time.Time) error {
	next, err := Transition(j.State, EventLeaseExpired)
	if err != nil {
		return err
	}
	j.State = next
	due := cutoff.UTC()
	j.NextAttemptAt = &due
	j.FailureReason = "lease_expired"
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	return nil
}

// PromoteRetry moves a due waiting_retry job back to queued.
func (j *Job) PromoteRetry(now time.Time) error {
	if j.State != JobWaitingRetry {
		return fmt.Errorf("%w: job must be waiting_retry before retry-ready, state=%s", ErrConflict, j.State)
	}
	if j.NextAttemptAt == nil {
		return fmt.Errorf("%w: next_attempt_at_utc is required for retry jobs", ErrConflict)
	}
	if now.Before(*j.NextAttemptAt) {
		return fmt.Errorf("%w: retry window is not due yet", ErrConflict)
	}
	next, err := Transition(j.State, EventRetryReady)
	if err != nil {
		return err
	}
	j.State = next
	due := now.UTC()
	j.NextAttemptAt = &due
	return nil
}
