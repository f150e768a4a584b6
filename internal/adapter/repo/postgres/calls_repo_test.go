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

func TestCallRepoCreateInserts(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewCallRepo(pool)

	rec, err := repo.Create(context.Background(), "call_1", "greeting", domain.NewCallState(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, rec.Status)
	require.Len(t, rec.Turns, 1)
	assert.Equal(t, "system_start", rec.Turns[0].EventType)
}

func TestCallRepoCreateConflict(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCallRepo(&poolStub{execTag: pgconn.CommandTag{}})

	_, err := repo.Create(context.Background(), "call_1", "greeting", domain.NewCallState(), time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCallRepoGetNotFound(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCallRepo(&poolStub{})

	_, err := repo.Get(context.Background(), "call_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallRepoAppendTurnUpdatesRecord(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	rec := domain.NewCallRecord("call_1", "greeting", domain.NewCallState(), now)
	doc, err := json.Marshal(rec)
	require.NoError(t, err)

	tx := &txStub{row: docRow(doc)}
	repo := postgres.NewCallRepo(&poolStub{tx: tx})

	updated, err := repo.AppendTurn(context.Background(), "call_1", domain.CallTurn{
		EventType:       "user_utterance",
		AssistantIntent: "verify_identity",
	}, domain.NewCallState(), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, updated.Turns, 2)
	assert.Equal(t, 2, updated.Turns[1].TurnIndex)
	assert.True(t, tx.committed)
}

func TestCallRepoAppendTurnUnknownCall(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCallRepo(&poolStub{tx: &txStub{}})

	_, err := repo.AppendTurn(context.Background(), "call_missing", domain.CallTurn{}, domain.NewCallState(), time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallRepoListSkipsCorruptDoc(t *testing.T) {
	t.Parallel()
	rec := domain.NewCallRecord("call_1", "greeting", domain.NewCallState(), time.Now().UTC())
	doc, err := json.Marshal(rec)
	require.NoError(t, err)
	rows := &rowsStub{data: [][]any{
		{[]byte(`{"call_id": not json}`)},
		{doc},
	}}
	repo := postgres.NewCallRepo(&poolStub{rows: rows})

	records, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "call_1", records[0].CallID)
}

func TestEnsureSchemaExecError(t *testing.T) {
	t.Parallel()
	err := postgres.EnsureSchema(context.Background(), &poolStub{execErr: assert.AnError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=schema.ensure")
}

func TestEnsureSchemaRunsAllStatements(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	require.NoError(t, postgres.EnsureSchema(context.Background(), pool))
	assert.GreaterOrEqual(t, len(pool.execSQL), 5)
}
