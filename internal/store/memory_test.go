package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoflow/internal/types"
)

func memSchedule(id string, priority int) *types.Schedule {
	return &types.Schedule{
		ID:       id,
		Type:     "webhook",
		Group:    "onboarding",
		Priority: priority,
		Triggers: []types.Trigger{
			{Type: types.TriggerForeground, Goal: 1},
		},
	}
}

func TestMemoryStore_InsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := memSchedule("", 0)
	require.NoError(t, m.Insert(ctx, []*types.Schedule{s}))
	require.NotEmpty(t, s.ID, "insert generates missing ids")
	require.NotEmpty(t, s.Triggers[0].ID)
	assert.Equal(t, s.ID, s.Triggers[0].ParentScheduleID)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)

	// Mutating the returned copy must not leak into the store.
	got.Priority = 99
	again, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Priority)
}

func TestMemoryStore_GetMissingReturnsNil(t *testing.T) {
	got, err := NewMemoryStore().Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_FetchesOrderByAscendingPriority(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Insert(ctx, []*types.Schedule{
		memSchedule("c", 2),
		memSchedule("a", 0),
		memSchedule("b", 1),
	}))

	byGroup, err := m.GetByGroup(ctx, "onboarding")
	require.NoError(t, err)
	require.Len(t, byGroup, 3)
	assert.Equal(t, "a", byGroup[0].ID)
	assert.Equal(t, "b", byGroup[1].ID)
	assert.Equal(t, "c", byGroup[2].ID)

	byIDs, err := m.GetByIDs(ctx, []string{"c", "a"})
	require.NoError(t, err)
	require.Len(t, byIDs, 2)
	assert.Equal(t, "a", byIDs[0].ID)
	assert.Equal(t, "c", byIDs[1].ID)
}

func TestMemoryStore_EqualPriorityKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Insert(ctx, []*types.Schedule{
		memSchedule("first", 5),
		memSchedule("second", 5),
	}))

	got, err := m.GetByType(ctx, "webhook")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ID)
	assert.Equal(t, "second", got[1].ID)
}

func TestMemoryStore_GetByStatesFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	idle := memSchedule("idle", 0)
	waiting := memSchedule("waiting", 0)
	waiting.ExecutionState = types.StateWaitingConditions
	executing := memSchedule("executing", 0)
	executing.ExecutionState = types.StateExecuting
	require.NoError(t, m.Insert(ctx, []*types.Schedule{idle, waiting, executing}))

	got, err := m.GetByStates(ctx, types.StateWaitingConditions, types.StateExecuting)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "waiting", got[0].ID)
	assert.Equal(t, "executing", got[1].ID)
}

func TestMemoryStore_CountAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Insert(ctx, []*types.Schedule{
		memSchedule("a", 0),
		memSchedule("b", 0),
	}))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Delete(ctx, []string{"a", "missing"}))
	n, err = m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_UpdateUnknownIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Update(ctx, memSchedule("ghost", 0)))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_ActiveTriggersIncludesCancellations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := memSchedule("s1", 0)
	s.Delay = &types.ScheduleDelay{
		Wait: 0,
		CancellationTriggers: []types.Trigger{
			{Type: types.TriggerBackground, Goal: 1},
		},
	}
	require.NoError(t, m.Insert(ctx, []*types.Schedule{s}))

	fg, err := m.ActiveTriggers(ctx, types.TriggerForeground)
	require.NoError(t, err)
	require.Len(t, fg, 1)
	assert.False(t, fg[0].IsCancellation)

	bg, err := m.ActiveTriggers(ctx, types.TriggerBackground)
	require.NoError(t, err)
	require.Len(t, bg, 1)
	assert.True(t, bg[0].IsCancellation, "insert stamps cancellation triggers")
	assert.Equal(t, "s1", bg[0].ParentScheduleID)
}

func TestMemoryStore_UpdateTriggerProgressWritesBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := memSchedule("s1", 0)
	require.NoError(t, m.Insert(ctx, []*types.Schedule{s}))

	triggers, err := m.ActiveTriggers(ctx, types.TriggerForeground)
	require.NoError(t, err)
	require.Len(t, triggers, 1)

	triggers[0].Progress = 0.5
	require.NoError(t, m.UpdateTriggerProgress(ctx, triggers))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Triggers[0].Progress)

	// Rows whose parent vanished are skipped, not an error.
	orphan := triggers[0]
	orphan.ParentScheduleID = "gone"
	require.NoError(t, m.UpdateTriggerProgress(ctx, []types.Trigger{orphan}))
}
