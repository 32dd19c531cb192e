package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_SetExecutionState_StampsDateOnlyOnChange(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)

	s := &Schedule{ExecutionState: StateIdle, ExecutionStateDate: t0}

	s.SetExecutionState(StatePreparing, t1)
	assert.Equal(t, StatePreparing, s.ExecutionState)
	assert.Equal(t, t1, s.ExecutionStateDate)

	// Same state: the date must not move.
	s.SetExecutionState(StatePreparing, t2)
	assert.Equal(t, t1, s.ExecutionStateDate)
}

func TestSchedule_OverLimit(t *testing.T) {
	assert.False(t, (&Schedule{Limit: 0, Count: 100}).OverLimit(), "zero limit is unlimited")
	assert.False(t, (&Schedule{Limit: -1, Count: 100}).OverLimit(), "negative limit is unlimited")
	assert.False(t, (&Schedule{Limit: 2, Count: 1}).OverLimit())
	assert.True(t, (&Schedule{Limit: 2, Count: 2}).OverLimit())
	assert.True(t, (&Schedule{Limit: 1, Count: 5}).OverLimit())
}

func TestSchedule_IsExpired_HasStarted(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&Schedule{}).IsExpired(now), "no end means never expired")
	assert.True(t, (&Schedule{End: &past}).IsExpired(now))
	assert.False(t, (&Schedule{End: &future}).IsExpired(now))

	assert.True(t, (&Schedule{}).HasStarted(now), "no start means already started")
	assert.True(t, (&Schedule{Start: &past}).HasStarted(now))
	assert.False(t, (&Schedule{Start: &future}).HasStarted(now))
}

func TestSchedule_GraceDeadline(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stateDate := end.Add(2 * time.Hour)

	withEnd := &Schedule{End: &end, EditGracePeriod: time.Hour, ExecutionStateDate: stateDate}
	assert.Equal(t, end.Add(time.Hour), withEnd.GraceDeadline())

	withoutEnd := &Schedule{EditGracePeriod: time.Hour, ExecutionStateDate: stateDate}
	assert.Equal(t, stateDate.Add(time.Hour), withoutEnd.GraceDeadline())
}

func TestSchedule_Clone_IsDeep(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &Schedule{
		ID:   "s1",
		Type: "webhook",
		Data: json.RawMessage(`{"url":"https://example.com"}`),
		End:  &end,
		Triggers: []Trigger{
			{ID: "t1", Type: TriggerCustomEventCount, Goal: 3, Progress: 1},
		},
		Delay: &ScheduleDelay{
			Wait:    time.Minute,
			Screens: []string{"home"},
			CancellationTriggers: []Trigger{
				{ID: "c1", Type: TriggerBackground, Goal: 1, IsCancellation: true},
			},
		},
		Audience: &AudienceSelector{
			TestDevices: []string{"abc"},
			Tags:        &TagPredicate{Tag: "beta"},
		},
		FrequencyConstraintIDs: []string{"f1"},
	}

	c := s.Clone()
	require.Equal(t, s, c)

	c.Triggers[0].Progress = 99
	c.Delay.Screens[0] = "other"
	c.Delay.CancellationTriggers[0].Progress = 5
	c.Audience.TestDevices[0] = "zzz"
	*c.End = c.End.Add(time.Hour)
	c.Data[0] = 'X'
	c.FrequencyConstraintIDs[0] = "f2"

	assert.Equal(t, float64(1), s.Triggers[0].Progress)
	assert.Equal(t, "home", s.Delay.Screens[0])
	assert.Equal(t, float64(0), s.Delay.CancellationTriggers[0].Progress)
	assert.Equal(t, "abc", s.Audience.TestDevices[0])
	assert.Equal(t, end, *s.End)
	assert.Equal(t, byte('{'), s.Data[0])
	assert.Equal(t, "f1", s.FrequencyConstraintIDs[0])
}

func TestSchedule_AllTriggers_IncludesCancellation(t *testing.T) {
	s := &Schedule{
		Triggers: []Trigger{{ID: "a"}},
		Delay: &ScheduleDelay{
			CancellationTriggers: []Trigger{{ID: "b", IsCancellation: true}},
		},
	}
	all := s.AllTriggers()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestScheduleEdits_Apply_OnlyNonNilFields(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Schedule{
		Limit:    1,
		Priority: 5,
		Data:     json.RawMessage(`{"a":1}`),
		Metadata: json.RawMessage(`{"m":1}`),
	}

	limit := 3
	interval := 30 * time.Second
	edits := &ScheduleEdits{
		Limit:    &limit,
		End:      &end,
		Interval: &interval,
		Data:     json.RawMessage(`{"a":2}`),
	}
	edits.Apply(s)

	assert.Equal(t, 3, s.Limit)
	assert.Equal(t, 5, s.Priority, "untouched field keeps its value")
	require.NotNil(t, s.End)
	assert.Equal(t, end, *s.End)
	assert.Equal(t, interval, s.Interval)
	assert.JSONEq(t, `{"a":2}`, string(s.Data))
	assert.JSONEq(t, `{"m":1}`, string(s.Metadata))
}

func TestAudienceSelector_EffectiveMissBehavior(t *testing.T) {
	assert.Equal(t, MissPenalize, (*AudienceSelector)(nil).EffectiveMissBehavior())
	assert.Equal(t, MissPenalize, (&AudienceSelector{}).EffectiveMissBehavior())
	assert.Equal(t, MissSkip, (&AudienceSelector{MissBehavior: MissSkip}).EffectiveMissBehavior())
	assert.Equal(t, MissCancel, (&AudienceSelector{MissBehavior: MissCancel}).EffectiveMissBehavior())
}

func TestNewCountEvent_NewValueEvent(t *testing.T) {
	count := NewCountEvent(TriggerCustomEventCount, nil)
	assert.Equal(t, 1.0, count.Value)

	value := NewValueEvent(TriggerCustomEventValue, nil, 12.5)
	assert.Equal(t, 12.5, value.Value)
}
