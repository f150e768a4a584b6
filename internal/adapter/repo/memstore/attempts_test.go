package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayce/outdial/internal/domain"
)

func appendEvent(t *testing.T, ledger *AttemptLedger, accountRef string, at time.Time, decision string, counted bool) {
	t.Helper()
	_, err := ledger.Append(context.Background(), domain.AttemptEvent{
		AccountRef:          accountRef,
		RecordedAtUTC:       at,
		DecisionCode:        decision,
		CountsTowardAttempt: counted,
	})
	require.NoError(t, err)
}

func TestAppendDefaultsRecordedAt(t *testing.T) {
	t.Parallel()
	ledger := NewAttemptLedger()

	ev, err := ledger.Append(context.Background(), domain.AttemptEvent{
		AccountRef:   "acct_001",
		DecisionCode: "allowed",
	})
	require.NoError(t, err)
	assert.False(t, ev.RecordedAtUTC.IsZero())
}

func TestListRecentNewestFirst(t *testing.T) {
	t.Parallel()
	ledger := NewAttemptLedger()
	base := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

	appendEvent(t, ledger, "acct_001", base, "allowed", true)
	appendEvent(t, ledger, "acct_002", base.Add(2*time.Hour), "blocked_dnc", false)
	appendEvent(t, ledger, "acct_001", base.Add(time.Hour), "blocked_min_gap", false)

	events, err := ledger.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "blocked_dnc", events[0].DecisionCode)
	assert.Equal(t, "blocked_min_gap", events[1].DecisionCode)

	all, err := ledger.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCountAttemptsForLocalDayBoundary(t *testing.T) {
	t.Parallel()
	ledger := NewAttemptLedger()
	// 05:30 UTC on Feb 11 is 23:30 Feb 10 in Chicago.
	appendEvent(t, ledger, "acct_001", time.Date(2026, 2, 11, 5, 30, 0, 0, time.UTC), "allowed", true)
	appendEvent(t, ledger, "acct_001", time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC), "allowed", true)

	n, err := ledger.CountAttemptsForLocalDay(context.Background(), "acct_001", "America/Chicago", "2026-02-10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ledger.CountAttemptsForLocalDay(context.Background(), "acct_001", "America/Chicago", "2026-02-11")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLastCountedAttemptAtSkipsBlocked(t *testing.T) {
	t.Parallel()
	ledger := NewAttemptLedger()
	base := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

	appendEvent(t, ledger, "acct_001", base, "allowed", true)
	appendEvent(t, ledger, "acct_001", base.Add(time.Hour), "blocked_daily_cap", false)

	last, err := ledger.LastCountedAttemptAt(context.Background(), "acct_001")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, base, last.UTC())
}
