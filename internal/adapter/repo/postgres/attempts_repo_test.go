package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayce/outdial/internal/adapter/repo/postgres"
	"github.com/relayce/outdial/internal/domain"
)

func eventRow(accountRef string, at time.Time, decision string, counted bool) []any {
	return []any{accountRef, at, "job_1", "call_1", decision, counted}
}

func TestAttemptRepoAppendDefaultsTimestamp(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewAttemptRepo(pool)

	ev, err := repo.Append(context.Background(), domain.AttemptEvent{
		AccountRef:          "acct_001",
		DecisionCode:        "allowed",
		CountsTowardAttempt: true,
	})
	require.NoError(t, err)
	assert.False(t, ev.RecordedAtUTC.IsZero())
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO attempt_events")
}

func TestAttemptRepoAppendExecError(t *testing.T) {
	t.Parallel()
	repo := postgres.NewAttemptRepo(&poolStub{execErr: assert.AnError})

	_, err := repo.Append(context.Background(), domain.AttemptEvent{AccountRef: "acct_001", DecisionCode: "allowed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=attempt.append")
}

func TestAttemptRepoListByAccountScans(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pool := &poolStub{rows: &rowsStub{data: [][]any{
		eventRow("acct_001", at, "allowed", true),
		eventRow("acct_001", at.Add(time.Hour), "blocked_daily_cap", false),
	}}}
	repo := postgres.NewAttemptRepo(pool)

	events, err := repo.ListByAccount(context.Background(), "acct_001")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "allowed", events[0].DecisionCode)
	assert.True(t, events[0].CountsTowardAttempt)
	assert.Equal(t, "blocked_daily_cap", events[1].DecisionCode)
}

func TestAttemptRepoCountAttemptsForLocalDay(t *testing.T) {
	t.Parallel()
	// 15:00 UTC is 09:00 in Chicago during winter.
	at := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pool := &poolStub{rows: &rowsStub{data: [][]any{
		eventRow("acct_001", at, "allowed", true),
		eventRow("acct_001", at.Add(30*time.Minute), "blocked_min_gap", false),
	}}}
	repo := postgres.NewAttemptRepo(pool)

	n, err := repo.CountAttemptsForLocalDay(context.Background(), "acct_001", "America/Chicago", "2026-02-10")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttemptRepoLastCountedAttemptAt(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)
	pool := &poolStub{rows: &rowsStub{data: [][]any{
		eventRow("acct_001", at, "allowed", true),
		eventRow("acct_001", at.Add(time.Hour), "allowed", true),
	}}}
	repo := postgres.NewAttemptRepo(pool)

	last, err := repo.LastCountedAttemptAt(context.Background(), "acct_001")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, at.Add(time.Hour), last.UTC())
}

func TestAttemptRepoListRecentQueryError(t *testing.T) {
	t.Parallel()
	repo := postgres.NewAttemptRepo(&poolStub{queryErr: assert.AnError})

	_, err := repo.ListRecent(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=attempt.list_recent")
}
