// Package usecase wires the domain ports into the application services
// behind the HTTP surface and the dial worker.
package usecase

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relayce/outdial/internal/domain"
)

// EnqueueInput is the flat enqueue request accepted from triggers. Defaults
// mirror the campaign configuration.
type EnqueueInput struct {
	TriggerSource          string            `json:"trigger_source" validate:"omitempty,oneof=cron webhook manual"`
	CampaignID             string            `json:"campaign_id" validate:"required"`
	AccountRef             string            `json:"account_ref" validate:"required"`
	PartyProfile           map[string]string `json:"party_profile"`
	AccountContextRef      string            `json:"account_context_ref"`
	Language               string            `json:"language"`
	DNC                    bool              `json:"dnc"`
	CeaseContact           bool              `json:"cease_contact"`
	LegalHold              bool              `json:"legal_hold"`
	Timezone               string            `json:"timezone"`
	AllowedLocalTimeRanges []string          `json:"allowed_local_time_ranges"`
	DailyAttemptCap        int               `json:"daily_attempt_cap" validate:"omitempty,min=1"`
	MinGapMinutes          int               `json:"min_gap_minutes" validate:"omitempty,min=0"`
	ScheduledForUTC        string            `json:"scheduled_for_utc"`
	Priority               int               `json:"priority"`
	MaxAttempts            int               `json:"max_attempts" validate:"omitempty,min=1"`
	BaseDelaySeconds       int               `json:"base_delay_seconds" validate:"omitempty,min=1"`
	MaxDelaySeconds        int               `json:"max_delay_seconds" validate:"omitempty,min=1"`
}

// JobService exposes the job queue operations.
type JobService struct {
	Jobs     domain.JobStore
	validate *validator.Validate
}

// NewJobService constructs a JobService over the given store.
func NewJobService(jobs domain.JobStore) JobService {
	return JobService{Jobs: jobs, validate: validator.New()}
}

// Enqueue validates the input, applies campaign defaults, and creates the
// job unless one with the same fingerprint already exists.
func (s JobService) Enqueue(ctx domain.Context, in EnqueueInput) (domain.Job, bool, error) {
	if err := s.validate.Struct(in); err != nil {
		return domain.Job{}, false, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	req, err := buildEnqueueRequest(in)
	if err != nil {
		return domain.Job{}, false, err
	}

	job, created, err := s.Jobs.Enqueue(ctx, req)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.enqueue: %w", err)
	}
	return job, created, nil
}

func buildEnqueueRequest(in EnqueueInput) (domain.EnqueueRequest, error) {
	trigger := domain.TriggerSource(in.TriggerSource)
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	if !domain.ValidTriggerSource(trigger) {
		return domain.EnqueueRequest{}, fmt.Errorf("%w: unknown trigger_source %q", domain.ErrInvalidArgument, in.TriggerSource)
	}

	var scheduled time.Time
	if in.ScheduledForUTC != "" {
		parsed, err := time.Parse(time.RFC3339, in.ScheduledForUTC)
		if err != nil {
			return domain.EnqueueRequest{}, fmt.Errorf("%w: scheduled_for_utc must be RFC3339", domain.ErrInvalidArgument)
		}
		scheduled = parsed.UTC()
	}

	language := in.Language
	if language == "" {
		language = "en-US"
	}
	timezone := in.Timezone
	if timezone == "" {
		timezone = "America/Chicago"
	}
	windows := in.AllowedLocalTimeRanges
	if len(windows) == 0 {
		windows = []string{"08:00-20:00"}
	}
	dailyCap := in.DailyAttemptCap
	if dailyCap == 0 {
		dailyCap = 2
	}
	minGap := in.MinGapMinutes
	if minGap == 0 {
		minGap = 60
	}
	priority := in.Priority
	if priority == 0 {
		priority = 100
	}

	retry := domain.RetryPolicy{
		MaxAttempts:      in.MaxAttempts,
		BaseDelaySeconds: in.BaseDelaySeconds,
		MaxDelaySeconds:  in.MaxDelaySeconds,
	}
	if retry.MaxAttempts == 0 && retry.BaseDelaySeconds == 0 && retry.MaxDelaySeconds == 0 {
		retry = domain.DefaultRetryPolicy()
	}

	return domain.EnqueueRequest{
		TriggerSource: trigger,
		CampaignID:    in.CampaignID,
		Payload: domain.CallPayload{
			AccountRef:        in.AccountRef,
			PartyProfile:      in.PartyProfile,
			AccountContextRef: in.AccountContextRef,
			Language:          language,
			SuppressionFlags: domain.SuppressionFlags{
				DNC:          in.DNC,
				CeaseContact: in.CeaseContact,
				LegalHold:    in.LegalHold,
			},
		},
		Policy: domain.PolicySnapshot{
			Timezone:               timezone,
			AllowedLocalTimeRanges: windows,
			DailyAttemptCap:        dailyCap,
			MinGapMinutes:          minGap,
		},
		ScheduledForUTC: scheduled,
		Priority:        priority,
		Retry:           retry,
	}, nil
}

// Get loads a job by id.
func (s JobService) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	return s.Jobs.Get(ctx, jobID)
}

// List returns jobs matching the optional state and campaign filters. An
// unknown state value is a validation error.
func (s JobService) List(ctx domain.Context, state, campaignID string, limit int) ([]domain.Job, error) {
	filter := domain.JobFilter{CampaignID: campaignID}
	if state != "" {
		js := domain.JobState(state)
		if !domain.ValidJobState(js) {
			return nil, fmt.Errorf("%w: invalid state %q", domain.ErrInvalidArgument, state)
		}
		filter.State = js
	}
	jobs, err := s.Jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list: %w", err)
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Lease atomically assigns the most urgent due job to workerID, or returns
// nil when nothing is due.
func (s JobService) Lease(ctx domain.Context, workerID string, leaseSeconds int) (*domain.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", domain.ErrInvalidArgument)
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 90
	}
	return s.Jobs.LeaseNextDue(ctx, workerID, leaseSeconds, time.Now().UTC())
}

// Start moves a leased job to running.
func (s JobService) Start(ctx domain.Context, jobID string) (domain.Job, error) {
	return s.Jobs.MarkStarted(ctx, jobID, time.Now().UTC())
}

// Success closes the running attempt with an outcome code.
func (s JobService) Success(ctx domain.Context, jobID, outcomeCode, callID string) (domain.Job, error) {
	if outcomeCode == "" {
		return domain.Job{}, fmt.Errorf("%w: outcome_code is required", domain.ErrInvalidArgument)
	}
	return s.Jobs.MarkSucceeded(ctx, jobID, outcomeCode, callID, time.Now().UTC())
}

// Failure closes the running attempt with an error code, scheduling a retry
// or dead-lettering per the job's retry policy.
func (s JobService) Failure(ctx domain.Context, jobID, errorCode, callID string) (domain.Job, error) {
	if errorCode == "" {
		return domain.Job{}, fmt.Errorf("%w: error_code is required", domain.ErrInvalidArgument)
	}
	return s.Jobs.MarkFailed(ctx, jobID, errorCode, callID, time.Now().UTC())
}

// Cancel moves a job to canceled from any non-terminal state.
func (s JobService) Cancel(ctx domain.Context, jobID, reasonCode string) (domain.Job, error) {
	return s.Jobs.Cancel(ctx, jobID, reasonCode)
}
