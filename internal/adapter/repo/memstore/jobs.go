// Package memstore provides in-memory implementations of the storage ports.
// It backs local development runs and tests; production deployments use the
// postgres adapter.
package memstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relayce/outdial/internal/domain"
)

// JobStore is an in-memory, mutex-guarded job queue.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	byKey map[string]string
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]domain.Job{}, byKey: map[string]string{}}
}

// Enqueue creates a job unless one with the same idempotency key exists.
func (s *JobStore) Enqueue(_ domain.Context, req domain.EnqueueRequest) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := domain.NewJob(req, time.Now().UTC())
	if existingID, ok := s.byKey[job.IdempotencyKey]; ok {
		return s.jobs[existingID], false, nil
	}
	s.jobs[job.JobID] = job
	s.byKey[job.IdempotencyKey] = job.JobID
	return job, true, nil
}

// Get loads a job by id.
func (s *JobStore) Get(_ domain.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(jobID)
}

func (s *JobStore) getLocked(jobID string) (domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// List returns jobs matching the filter, most urgent first.
func (s *JobStore) List(_ domain.Context, filter domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.CampaignID != "" && job.CampaignID != filter.CampaignID {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].CreatedAtUTC.Before(jobs[j].CreatedAtUTC)
	})
	return jobs, nil
}

// LeaseNextDue promotes due retries, then leases the most urgent due queued
// job. It returns nil when nothing is due.
func (s *JobStore) LeaseNextDue(_ domain.Context, workerID string, leaseSeconds int, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.promoteDueRetriesLocked(now)

	var candidates []domain.Job
	for _, job := range s.jobs {
		if job.State == domain.JobQueued && job.IsDue(now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAtUTC.Before(candidates[j].CreatedAtUTC)
	})

	job := candidates[0]
	if err := job.Lease(workerID, leaseSeconds, now); err != nil {
		return nil, err
	}
	s.jobs[job.JobID] = job
	return &job, nil
}

// MarkStarted moves a leased job to running and opens an attempt record.
func (s *JobStore) MarkStarted(_ domain.Context, jobID string, now time.Time) (domain.Job, error) {
	return s.mutate(jobID, func(job *domain.Job) error {
		return job.StartAttempt(now)
	})
}

// MarkSucceeded closes the open attempt with outcomeCode.
func (s *JobStore) MarkSucceeded(_ domain.Context, jobID, outcomeCode, callID string, now time.Time) (domain.Job, error) {
	return s.mutate(jobID, func(job *domain.Job) error {
		if err := job.MarkSucceeded(outcomeCode, now); err != nil {
			return err
		}
		job.Attempts[len(job.Attempts)-1].CallID = callID
		return nil
	})
}

// MarkFailed closes the open attempt with errorCode and schedules a retry or
// dead-letters the job.
func (s *JobStore) MarkFailed(_ domain.Context, jobID, errorCode, callID string, now time.Time) (domain.Job, error) {
	return s.mutate(jobID, func(job *domain.Job) error {
		if err := job.MarkFailedAndScheduleRetry(errorCode, now); err != nil {
			return err
		}
		job.Attempts[len(job.Attempts)-1].CallID = callID
		return nil
	})
}

// DeferLeased returns a leased job to waiting_retry without an attempt.
func (s *JobStore) DeferLeased(_ domain.Context, jobID, errorCode string, delay time.Duration, now time.Time) (domain.Job, error) {
	return s.mutate(jobID, func(job *domain.Job) error {
		return job.DeferLeased(errorCode, delay, now)
	})
}

// Cancel moves a job to canceled.
func (s *JobStore) Cancel(_ domain.Context, jobID, reasonCode string) (domain.Job, error) {
	return s.mutate(jobID, func(job *domain.Job) error {
		return job.Cancel(reasonCode)
	})
}

// RequeueDueRetries promotes every due waiting_retry job to queued.
func (s *JobStore) RequeueDueRetries(_ domain.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteDueRetriesLocked(now), nil
}

// RequeueExpiredLeases moves leased and running jobs whose lease expired
// before cutoff back to waiting_retry.
func (s *JobStore) RequeueExpiredLeases(_ domain.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for id, job := range s.jobs {
		if job.State != domain.JobLeased && job.State != domain.JobRunning {
			continue
		}
		if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(cutoff) {
			continue
		}
		if err := job.ExpireLease(cutoff); err != nil {
			continue
		}
		s.jobs[id] = job
		moved++
	}
	return moved, nil
}

func (s *JobStore) promoteDueRetriesLocked(now time.Time) int {
	promoted := 0
	for id, job := range s.jobs {
		if job.State != domain.JobWaitingRetry || !job.IsDue(now) {
			continue
		}
		if err := job.PromoteRetry(now); err != nil {
			continue
		}
		s.jobs[id] = job
		promoted++
	}
	return promoted
}

func (s *JobStore) mutate(jobID string, fn func(*domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}
	s.jobs[jobID] = job
	return job, nil
}
