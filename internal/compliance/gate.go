// Package compliance evaluates the pre-dial gate: suppression flags, local
// call windows, daily attempt caps, and minimum inter-attempt gaps.
package compliance

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relayce/outdial/internal/domain"
)

// Decision reason codes.
const (
	ReasonAllowed             = "allowed"
	ReasonBlockedDNC          = "blocked_suppression_dnc"
	ReasonBlockedCeaseContact = "blocked_suppression_cease_contact"
	ReasonBlockedLegalHold    = "blocked_suppression_legal_hold"
	ReasonBlockedCallWindow   = "blocked_policy_outside_call_window"
	ReasonBlockedDailyCap     = "blocked_policy_daily_attempt_cap"
	ReasonBlockedMinGap       = "blocked_policy_min_gap"
)

// Decision is the pre-dial gate verdict. Retryable blocks carry a
// RetryAfterSeconds hint; suppression blocks never retry.
type Decision struct {
	Allowed                       bool   `json:"allowed"`
	ReasonCode                    string `json:"reason_code"`
	Retryable                     bool   `json:"retryable"`
	AttemptsToday                 int    `json:"attempts_today"`
	RetryAfterSeconds             int    `json:"retry_after_seconds,omitempty"`
	MinGapBlockedMinutesRemaining int    `json:"min_gap_blocked_minutes_remaining,omitempty"`
}

// Evaluate runs the gate checks in order and short-circuits on the first
// block. It is a pure function of its inputs plus the ledger snapshot.
func Evaluate(
	ctx domain.Context,
	accountRef string,
	policy domain.PolicySnapshot,
	flags domain.SuppressionFlags,
	ledger domain.AttemptLedger,
	nowUTC time.Time,
) (Decision, error) {
	now := nowUTC.UTC()

	if flags.DNC {
		return Decision{ReasonCode: ReasonBlockedDNC}, nil
	}
	if flags.CeaseContact {
		return Decision{ReasonCode: ReasonBlockedCeaseContact}, nil
	}
	if flags.LegalHold {
		return Decision{ReasonCode: ReasonBlockedLegalHold}, nil
	}

	if !localTimeAllowed(policy, now) {
		return Decision{ReasonCode: ReasonBlockedCallWindow, Retryable: true, RetryAfterSeconds: 900}, nil
	}

	loc := domain.LoadLocationOrUTC(policy.Timezone)
	localNow := now.In(loc)
	localDay := localNow.Format("2006-01-02")

	attemptsToday, err := ledger.CountAttemptsForLocalDay(ctx, accountRef, policy.Timezone, localDay)
	if err != nil {
		return Decision{}, fmt.Errorf("op=compliance.evaluate count attempts: %w", err)
	}
	if attemptsToday >= policy.DailyAttemptCap {
		nextMidnight := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		retryAfter := int(nextMidnight.Sub(now).Seconds())
		if retryAfter < 60 {
			retryAfter = 60
		}
		return Decision{
			ReasonCode:        ReasonBlockedDailyCap,
			Retryable:         true,
			AttemptsToday:     attemptsToday,
			RetryAfterSeconds: retryAfter,
		}, nil
	}

	lastAt, err := ledger.LastCountedAttemptAt(ctx, accountRef)
	if err != nil {
		return Decision{}, fmt.Errorf("op=compliance.evaluate last attempt: %w", err)
	}
	if lastAt != nil {
		elapsedMinutes := now.Sub(lastAt.UTC()).Minutes()
		if elapsedMinutes < float64(policy.MinGapMinutes) {
			remaining := int(math.Round(float64(policy.MinGapMinutes) - elapsedMinutes))
			if remaining < 1 {
				remaining = 1
			}
			return Decision{
				ReasonCode:                    ReasonBlockedMinGap,
				Retryable:                     true,
				AttemptsToday:                 attemptsToday,
				RetryAfterSeconds:             remaining * 60,
				MinGapBlockedMinutesRemaining: remaining,
			}, nil
		}
	}

	return Decision{Allowed: true, ReasonCode: ReasonAllowed, Retryable: true, AttemptsToday: attemptsToday}, nil
}

// localTimeAllowed checks the policy windows against local wall time.
// Windows are inclusive on both endpoints; start > end wraps past midnight.
// Unparsable windows are skipped. No windows means always allowed.
func localTimeAllowed(policy domain.PolicySnapshot, nowUTC time.Time) bool {
	if len(policy.AllowedLocalTimeRanges) == 0 {
		return true
	}
	local := nowUTC.In(domain.LoadLocationOrUTC(policy.Timezone))
	currentMinutes := local.Hour()*60 + local.Minute()

	for _, window := range policy.AllowedLocalTimeRanges {
		start, end, ok := parseWindow(window)
		if !ok {
			continue
		}
		if start <= end {
			if currentMinutes >= start && currentMinutes <= end {
				return true
			}
		} else {
			if currentMinutes >= start || currentMinutes <= end {
				return true
			}
		}
	}
	return false
}

func parseWindow(window string) (start, end int, ok bool) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok = parseHHMM(parts[0])
	if !ok {
		return 0, 0, false
	}
	end, ok = parseHHMM(parts[1])
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func parseHHMM(s string) (int, bool) {
	fields := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(fields) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return h*60 + m, true
}
