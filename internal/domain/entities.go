// Package domain defines the core entities, sentinel errors, and ports of the
// outbound-contact orchestration core.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrConflict covers illegal state-machine transitions and lost leases.
	ErrConflict = errors.New("conflict")
	ErrInternal = errors.New("internal error")
)

// TriggerSource identifies what created an outbound call job.
type TriggerSource string

const (
	TriggerCron    TriggerSource = "cron"
	TriggerWebhook TriggerSource = "webhook"
	TriggerManual  TriggerSource = "manual"
)

// ValidTriggerSource reports whether s is a known trigger source.
func ValidTriggerSource(s TriggerSource) bool {
	switch s {
	case TriggerCron, TriggerWebhook, TriggerManual:
		return true
	}
	return false
}

// SuppressionFlags are hard contact-prohibition bits. Any set flag blocks
// dialing non-retryably.
type SuppressionFlags struct {
	DNC          bool `json:"dnc"`
	CeaseContact bool `json:"cease_contact"`
	LegalHold    bool `json:"legal_hold"`
}

// CallPayload is the frozen snapshot of who to call, taken at enqueue time.
type CallPayload struct {
	AccountRef        string            `json:"account_ref"`
	PartyProfile      map[string]string `json:"party_profile"`
	AccountContextRef string            `json:"account_context_ref"`
	Language          string            `json:"language"`
	SuppressionFlags  SuppressionFlags  `json:"suppression_flags"`
}

// PolicySnapshot is the contact policy frozen at enqueue time. Later policy
// changes never affect in-flight jobs.
type PolicySnapshot struct {
	// IANA zone name; unknown zones fall back to UTC at evaluation time.
	Timezone string `json:"timezone"`
	// 24h local-time windows, e.g. "08:00-20:00". A window whose start is
	// after its end wraps past midnight.
	AllowedLocalTimeRanges []string `json:"allowed_local_time_ranges"`
	DailyAttemptCap        int      `json:"daily_attempt_cap"`
	MinGapMinutes          int      `json:"min_gap_minutes"`
}

// RetryPolicy controls backoff for failed dial attempts.
type RetryPolicy struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseDelaySeconds int `json:"base_delay_seconds"`
	MaxDelaySeconds  int `json:"max_delay_seconds"`
}

// DefaultRetryPolicy matches the campaign defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 120, MaxDelaySeconds: 3600}
}

// AttemptEvent is one immutable row in the per-account contact decision
// ledger. Only events with CountsTowardAttempt=true affect the daily cap and
// min-gap arithmetic.
type AttemptEvent struct {
	AccountRef          string    `json:"account_ref"`
	RecordedAtUTC       time.Time `json:"recorded_at_utc"`
	JobID               string    `json:"job_id,omitempty"`
	CallID              string    `json:"call_id,omitempty"`
	DecisionCode        string    `json:"decision_code"`
	CountsTowardAttempt bool      `json:"counts_toward_attempt"`
}

// Context is an alias so the domain package stays decoupled from transport
// concerns; adapters pass context.Context straight through.
type Context = context.Context

// JobFilter narrows List results. Zero values mean "any".
type JobFilter struct {
	State      JobState
	CampaignID string
}

// EnqueueRequest carries everything needed to create a job. ScheduledForUTC
// zero means "now".
type EnqueueRequest struct {
	TriggerSource   TriggerSource
	CampaignID      string
	Payload         CallPayload
	Policy          PolicySnapshot
	ScheduledForUTC time.Time
	Priority        int
	Retry           RetryPolicy
}

// JobStore is the durable job queue port.
//
//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go
type JobStore interface {
	// Enqueue creates a job unless one with the same idempotency key exists.
	// It returns the persisted job and whether it was newly created.
	Enqueue(ctx Context, req EnqueueRequest) (Job, bool, error)
	Get(ctx Context, jobID string) (Job, error)
	List(ctx Context, filter JobFilter) ([]Job, error)
	// LeaseNextDue promotes due retries, then atomically leases the most
	// urgent due queued job. It returns nil when nothing is due.
	LeaseNextDue(ctx Context, workerID string, leaseSeconds int, now time.Time) (*Job, error)
	MarkStarted(ctx Context, jobID string, now time.Time) (Job, error)
	MarkSucceeded(ctx Context, jobID, outcomeCode, callID string, now time.Time) (Job, error)
	MarkFailed(ctx Context, jobID, errorCode, callID string, now time.Time) (Job, error)
	// DeferLeased returns a leased job to waiting_retry without recording an
	// attempt; used for pre-dial gate blocks.
	DeferLeased(ctx Context, jobID, errorCode string, delay time.Duration, now time.Time) (Job, error)
	Cancel(ctx Context, jobID, reasonCode string) (Job, error)
	RequeueDueRetries(ctx Context, now time.Time) (int, error)
	// RequeueExpiredLeases moves leased/running jobs whose lease expired
	// before cutoff back to waiting_retry. Used by the operational sweeper,
	// never by the worker loop itself.
	RequeueExpiredLeases(ctx Context, cutoff time.Time) (int, error)
}

// AttemptLedger is the append-only per-account decision log port.
//
//go:generate mockery --name=AttemptLedger --with-expecter --filename=attempt_ledger_mock.go
type AttemptLedger interface {
	Append(ctx Context, ev AttemptEvent) (AttemptEvent, error)
	ListByAccount(ctx Context, accountRef string) ([]AttemptEvent, error)
	ListRecent(ctx Context, limit int) ([]AttemptEvent, error)
	// CountAttemptsForLocalDay counts counted attempts whose timestamp falls
	// on localDay (YYYY-MM-DD) in the given IANA zone.
	CountAttemptsForLocalDay(ctx Context, accountRef, timezoneName, localDay string) (int, error)
	// LastCountedAttemptAt returns the newest counted event time, or nil.
	LastCountedAttemptAt(ctx Context, accountRef string) (*time.Time, error)
}

// CallStore is the durable per-call record port.
//
//go:generate mockery --name=CallStore --with-expecter --filename=call_store_mock.go
type CallStore interface {
	Create(ctx Context, callID, assistantIntent string, state CallState, now time.Time) (CallRecord, error)
	AppendTurn(ctx Context, callID string, turn CallTurn, state CallState, now time.Time) (CallRecord, error)
	Get(ctx Context, callID string) (CallRecord, error)
	GetState(ctx Context, callID string) (CallState, error)
	List(ctx Context) ([]CallRecord, error)
}
