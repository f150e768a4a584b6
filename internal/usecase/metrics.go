package usecase

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/relayce/outdial/internal/domain"
)

// DefaultTrendDays bounds the per-day trend rows in the metrics summary.
const DefaultTrendDays = 14

// DailyMetricsRow is one per-day aggregate keyed by call creation date. The
// "unknown" row collects records whose creation time could not be read.
type DailyMetricsRow struct {
	Date                string   `json:"date"`
	CallsTotal          int      `json:"calls_total"`
	EndedCalls          int      `json:"ended_calls"`
	PTPCallsEnded       int      `json:"ptp_calls_ended"`
	PTPSuccessRateEnded *float64 `json:"ptp_success_rate_ended"`
}

// CallMetricsSummary aggregates promise-to-pay performance across all
// persisted calls. Nullable rates stay null when their denominator is zero.
type CallMetricsSummary struct {
	GeneratedAtUTC         time.Time         `json:"generated_at_utc"`
	CallsTotal             int               `json:"calls_total"`
	ActiveCalls            int               `json:"active_calls"`
	EndedCalls             int               `json:"ended_calls"`
	StatusCounts           map[string]int    `json:"status_counts"`
	PTPCallsTotal          int               `json:"ptp_calls_total"`
	PTPCallsEnded          int               `json:"ptp_calls_ended"`
	PTPSuccessRateEnded    *float64          `json:"ptp_success_rate_ended"`
	PTPSuccessRateAllCalls *float64          `json:"ptp_success_rate_all_calls"`
	TimeToPTPSamples       int               `json:"time_to_ptp_samples"`
	AvgTimeToPTPSeconds    *float64          `json:"avg_time_to_ptp_seconds"`
	MedianTimeToPTPSeconds *float64          `json:"median_time_to_ptp_seconds"`
	AvgTimeToPTPMinutes    *float64          `json:"avg_time_to_ptp_minutes"`
	MedianTimeToPTPMinutes *float64          `json:"median_time_to_ptp_minutes"`
	Daily                  []DailyMetricsRow `json:"daily"`
}

// JobMetricsSummary aggregates queue health and gate decision counts.
type JobMetricsSummary struct {
	JobsTotal               int            `json:"jobs_total"`
	StateCounts             map[string]int `json:"state_counts"`
	OutcomeCounts           map[string]int `json:"outcome_counts"`
	ErrorCounts             map[string]int `json:"error_counts"`
	BlockedPolicyTotal      int            `json:"blocked_policy_total"`
	BlockedSuppressionTotal int            `json:"blocked_suppression_total"`
	AttemptEventsTotal      int            `json:"attempt_events_total"`
	ContactAttemptsTotal    int            `json:"contact_attempts_total"`
	DecisionCodeCounts      map[string]int `json:"decision_code_counts"`
}

// MetricsSummary is the combined metrics payload.
type MetricsSummary struct {
	CallMetricsSummary
	Jobs JobMetricsSummary `json:"jobs"`
}

// MetricsService assembles summaries from the durable stores.
type MetricsService struct {
	Calls  domain.CallStore
	Jobs   domain.JobStore
	Ledger domain.AttemptLedger
}

// NewMetricsService constructs a MetricsService.
func NewMetricsService(calls domain.CallStore, jobs domain.JobStore, ledger domain.AttemptLedger) MetricsService {
	return MetricsService{Calls: calls, Jobs: jobs, Ledger: ledger}
}

// Summary loads all calls, jobs, and attempt events and builds the combined
// metrics summary.
func (s MetricsService) Summary(ctx domain.Context, trendDays int) (MetricsSummary, error) {
	records, err := s.Calls.List(ctx)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("op=metrics.list_calls: %w", err)
	}
	jobs, err := s.Jobs.List(ctx, domain.JobFilter{})
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("op=metrics.list_jobs: %w", err)
	}
	events, err := s.Ledger.ListRecent(ctx, 0)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("op=metrics.list_attempts: %w", err)
	}

	return MetricsSummary{
		CallMetricsSummary: BuildCallMetricsSummary(records, trendDays, time.Now().UTC()),
		Jobs:               BuildJobMetricsSummary(jobs, events),
	}, nil
}

// BuildCallMetricsSummary computes the promise-to-pay summary over the given
// call records.
func BuildCallMetricsSummary(records []domain.CallRecord, trendDays int, now time.Time) CallMetricsSummary {
	statusCounts := map[string]int{}
	type dailyCounters struct {
		callsTotal    int
		endedCalls    int
		ptpCallsEnded int
	}
	daily := map[string]*dailyCounters{}

	ptpCallsTotal := 0
	ptpCallsEnded := 0
	var timeToPTPSeconds []float64

	for _, rec := range records {
		status := string(rec.Status)
		if status == "" {
			status = "unknown"
		}
		statusCounts[status]++

		createdDay := "unknown"
		if !rec.CreatedAtUTC.IsZero() {
			createdDay = rec.CreatedAtUTC.UTC().Format("2006-01-02")
		}
		counters := daily[createdDay]
		if counters == nil {
			counters = &dailyCounters{}
			daily[createdDay] = counters
		}
		counters.callsTotal++
		if rec.Status == domain.CallEnded {
			counters.endedCalls++
		}

		hasPTP, ptpAt := extractPTPInfo(rec)
		if !hasPTP {
			continue
		}
		ptpCallsTotal++

		if rec.Status == domain.CallEnded {
			ptpCallsEnded++
			counters.ptpCallsEnded++
			if !rec.CreatedAtUTC.IsZero() && ptpAt != nil {
				if duration := ptpAt.Sub(rec.CreatedAtUTC).Seconds(); duration >= 0 {
					timeToPTPSeconds = append(timeToPTPSeconds, duration)
				}
			}
		}
	}

	callsTotal := len(records)
	endedCalls := statusCounts["ended"]
	activeCalls := statusCounts["active"]

	var avgSeconds, medianSeconds, avgMinutes, medianMinutes *float64
	if len(timeToPTPSeconds) > 0 {
		sum := 0.0
		for _, v := range timeToPTPSeconds {
			sum += v
		}
		avgSeconds = ptr(round2(sum / float64(len(timeToPTPSeconds))))
		medianSeconds = ptr(round2(median(timeToPTPSeconds)))
		avgMinutes = ptr(round2(*avgSeconds / 60.0))
		medianMinutes = ptr(round2(*medianSeconds / 60.0))
	}

	var rateEnded, rateAll *float64
	if endedCalls > 0 {
		rateEnded = ptr(round4(float64(ptpCallsEnded) / float64(endedCalls)))
	}
	if callsTotal > 0 {
		rateAll = ptr(round4(float64(ptpCallsTotal) / float64(callsTotal)))
	}

	var rows []DailyMetricsRow
	var unknownRow *DailyMetricsRow
	for date, counters := range daily {
		row := DailyMetricsRow{
			Date:          date,
			CallsTotal:    counters.callsTotal,
			EndedCalls:    counters.endedCalls,
			PTPCallsEnded: counters.ptpCallsEnded,
		}
		if counters.endedCalls > 0 {
			row.PTPSuccessRateEnded = ptr(round4(float64(counters.ptpCallsEnded) / float64(counters.endedCalls)))
		}
		if date == "unknown" {
			r := row
			unknownRow = &r
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	if trendDays > 0 && len(rows) > trendDays {
		rows = rows[len(rows)-trendDays:]
	}
	if unknownRow != nil {
		rows = append(rows, *unknownRow)
	}

	return CallMetricsSummary{
		GeneratedAtUTC:         now,
		CallsTotal:             callsTotal,
		ActiveCalls:            activeCalls,
		EndedCalls:             endedCalls,
		StatusCounts:           statusCounts,
		PTPCallsTotal:          ptpCallsTotal,
		PTPCallsEnded:          ptpCallsEnded,
		PTPSuccessRateEnded:    rateEnded,
		PTPSuccessRateAllCalls: rateAll,
		TimeToPTPSamples:       len(timeToPTPSeconds),
		AvgTimeToPTPSeconds:    avgSeconds,
		MedianTimeToPTPSeconds: medianSeconds,
		AvgTimeToPTPMinutes:    avgMinutes,
		MedianTimeToPTPMinutes: medianMinutes,
		Daily:                  rows,
	}
}

// BuildJobMetricsSummary computes queue aggregates over jobs and the attempt
// ledger.
func BuildJobMetricsSummary(jobs []domain.Job, events []domain.AttemptEvent) JobMetricsSummary {
	stateCounts := map[string]int{}
	outcomeCounts := map[string]int{}
	errorCounts := map[string]int{}
	blockedPolicy := 0
	blockedSuppression := 0

	countBlocked := func(code string) {
		if len(code) >= len("blocked_policy_") && code[:len("blocked_policy_")] == "blocked_policy_" {
			blockedPolicy++
		}
		if len(code) >= len("blocked_suppression_") && code[:len("blocked_suppression_")] == "blocked_suppression_" {
			blockedSuppression++
		}
	}

	for _, job := range jobs {
		state := string(job.State)
		if state == "" {
			state = "unknown"
		}
		stateCounts[state]++

		if job.FailureReason != "" {
			errorCounts[job.FailureReason]++
			countBlocked(job.FailureReason)
		}

		if len(job.Attempts) == 0 {
			continue
		}
		last := job.Attempts[len(job.Attempts)-1]
		if last.OutcomeCode != "" {
			outcomeCounts[last.OutcomeCode]++
			countBlocked(last.OutcomeCode)
		}
		if last.ErrorCode != "" {
			errorCounts[last.ErrorCode]++
			countBlocked(last.ErrorCode)
		}
	}

	decisionCounts := map[string]int{}
	attemptEventsTotal := 0
	contactAttemptsTotal := 0
	for _, ev := range events {
		if ev.DecisionCode != "" {
			decisionCounts[ev.DecisionCode]++
		}
		attemptEventsTotal++
		if ev.CountsTowardAttempt {
			contactAttemptsTotal++
		}
	}

	return JobMetricsSummary{
		JobsTotal:               len(jobs),
		StateCounts:             stateCounts,
		OutcomeCounts:           outcomeCounts,
		ErrorCounts:             errorCounts,
		BlockedPolicyTotal:      blockedPolicy,
		BlockedSuppressionTotal: blockedSuppression,
		AttemptEventsTotal:      attemptEventsTotal,
		ContactAttemptsTotal:    contactAttemptsTotal,
		DecisionCodeCounts:      decisionCounts,
	}
}

// extractPTPInfo reports whether the record produced a confirmed promise to
// pay, and the timestamp of the turn that set it when one can be found.
func extractPTPInfo(rec domain.CallRecord) (bool, *time.Time) {
	for _, turn := range rec.Turns {
		if !turnHasPTPAction(turn) {
			continue
		}
		ts := turn.RecordedAtUTC
		if ts.IsZero() {
			ts = turn.EventAtUTC
		}
		if ts.IsZero() {
			return true, nil
		}
		ts = ts.UTC()
		return true, &ts
	}

	if rec.FinalOutcomeCode == "ptp_set" {
		if !rec.UpdatedAtUTC.IsZero() {
			ts := rec.UpdatedAtUTC.UTC()
			return true, &ts
		}
		return true, nil
	}
	if rec.LastCallState.PromiseToPay.Confirmed {
		return true, nil
	}
	return false, nil
}

func turnHasPTPAction(turn domain.CallTurn) bool {
	for _, action := range turn.Actions {
		if action.Kind == domain.ActionSetOutcome && action.OutcomeCode == "ptp_set" {
			return true
		}
		if action.Kind == domain.ActionCreatePTP {
			return true
		}
	}
	return false
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func ptr(v float64) *float64 { return &v }
