package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResultStore_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResultStore()
	id := uuid.New()

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: id, TaskType: "a", State: StatePending}))
	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: id, TaskType: "a", State: StateLeased, Attempts: 1}))

	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateLeased, rec.State)
	assert.Nil(t, rec.CompletedAt)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, store.Record(ctx, ResultRecord{
		TaskID:   id,
		TaskType: "a",
		State:    StateSucceeded,
		Output:   json.RawMessage(`{"ok":true}`),
		Attempts: 1,
	}))

	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rec.State)
	require.NotNil(t, rec.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Output))
}

func TestMemoryResultStore_TerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResultStore()
	id := uuid.New()

	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: id, State: StateAbandoned}))

	err := store.Record(ctx, ResultRecord{TaskID: id, State: StateSucceeded})
	assert.ErrorIs(t, err, ErrResultFinal)

	err = store.Record(ctx, ResultRecord{TaskID: id, State: StatePending})
	assert.ErrorIs(t, err, ErrResultFinal)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, rec.State)
}

func TestMemoryResultStore_InvalidState(t *testing.T) {
	store := NewMemoryResultStore()
	err := store.Record(context.Background(), ResultRecord{TaskID: uuid.New(), State: "bogus"})
	assert.Error(t, err)
}

func TestMemoryResultStore_Purge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResultStore()
	old := time.Now().Add(-time.Hour)

	oldDone := uuid.New()
	newDone := uuid.New()
	running := uuid.New()

	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: oldDone, State: StateSucceeded, UpdatedAt: old}))
	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: newDone, State: StateSucceeded}))
	require.NoError(t, store.Record(ctx, ResultRecord{TaskID: running, State: StateLeased, UpdatedAt: old}))

	n, err := store.Purge(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, _ := store.Get(ctx, oldDone)
	assert.Nil(t, rec)
	rec, _ = store.Get(ctx, newDone)
	assert.NotNil(t, rec)
	rec, _ = store.Get(ctx, running)
	assert.NotNil(t, rec)
}
