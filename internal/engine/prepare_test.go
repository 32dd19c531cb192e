package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoflow/internal/audience"
	"autoflow/internal/remote"
	"autoflow/internal/types"
)

func boolPtr(b bool) *bool { return &b }

func TestEngine_AudienceMissPenalizeConsumesFulfillment(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{IsNewUser: false}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Audience = &types.AudienceSelector{
			NewUser:      boolPtr(true),
			MissBehavior: types.MissPenalize,
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)

	require.Eventually(t, func() bool {
		got, err := h.engine.GetSchedule(ctx, "s1")
		return err == nil && got.Count == 1 && got.ExecutionState == types.StateIdle
	}, waitFor, tick)
	assert.Empty(t, h.driver.executedIDs(), "the audience miss suppressed execution")
}

func TestEngine_AudienceMissPenalizeAtLimitFinishes(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{IsNewUser: false}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Limit = 1
		s.EditGracePeriod = time.Hour
		s.Audience = &types.AudienceSelector{
			NewUser:      boolPtr(true),
			MissBehavior: types.MissPenalize,
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	h.waitState(t, "s1", types.StateFinished)

	require.Eventually(t, func() bool {
		return h.listener.count(types.NoticeLimitReached) == 1
	}, waitFor, tick)
	assert.Empty(t, h.driver.executedIDs())
}

func TestEngine_AudienceMissSkipLeavesCountUntouched(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{IsNewUser: false}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Audience = &types.AudienceSelector{
			NewUser:      boolPtr(true),
			MissBehavior: types.MissSkip,
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	time.Sleep(100 * time.Millisecond)

	got, err := h.engine.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, got.ExecutionState)
	assert.Zero(t, got.Count, "a skip consumes no fulfillment")
	assert.Nil(t, got.TriggerContext)
	assert.Empty(t, h.driver.preparedIDs(), "the audience gate runs before the driver")
}

func TestEngine_AudienceMissCancelRemovesSchedule(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{IsNewUser: false}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Audience = &types.AudienceSelector{
			NewUser:      boolPtr(true),
			MissBehavior: types.MissCancel,
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	h.waitGone(t, "s1")
	require.Eventually(t, func() bool {
		return h.listener.count(types.NoticeCancelled) == 1
	}, waitFor, tick)
}

func TestEngine_AudienceMatchProceedsToExecution(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{
			IsNewUser: true,
			Tags:      []string{"beta"},
		}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Audience = &types.AudienceSelector{
			NewUser: boolPtr(true),
			Tags:    &types.TagPredicate{Tag: "beta"},
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	h.waitExecuted(t, 1)
}

type fakeTagResolver struct {
	tags map[string][]string
	err  error
}

func (f *fakeTagResolver) Resolve(context.Context, []string) (map[string][]string, error) {
	return f.tags, f.err
}

func TestEngine_GroupTagsResolvedBeforeEvaluation(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Memberships = &fakeMemberships{m: &audience.Membership{}}
		cfg.Tags = &fakeTagResolver{tags: map[string][]string{
			"plans": {"premium"},
		}}
	})
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.Audience = &types.AudienceSelector{
			Tags: &types.TagPredicate{Tag: "premium", Group: "plans"},
		}
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	h.waitExecuted(t, 1)
}

func TestEngine_DeferredResolutionRewritesPayloadAndType(t *testing.T) {
	resolver := &fakeResolver{result: &remote.Result{
		AudienceMatch: boolPtr(true),
		Payload:       json.RawMessage(`{"resolved":true}`),
		Type:          "test",
	}}
	h := newHarness(t, func(cfg *Config) {
		cfg.Deferred = resolver
	})
	ctx := context.Background()

	s := &types.Schedule{
		ID:   "s1",
		Type: types.ScheduleTypeDeferred,
		Data: json.RawMessage(`{"url":"https://resolve.example/offer","retry_on_timeout":true}`),
		Triggers: []types.Trigger{
			{Type: types.TriggerForeground, Goal: 1},
		},
	}
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	h.waitExecuted(t, 1)

	got, err := h.engine.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "test", got.Type, "the resolved type replaces the deferred marker")
	assert.JSONEq(t, `{"resolved":true}`, string(got.Data))

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.urls, 1)
	assert.Equal(t, "https://resolve.example/offer", resolver.urls[0])
}

func TestEngine_DeferredAudienceMissDefaultsToPenalize(t *testing.T) {
	resolver := &fakeResolver{result: &remote.Result{AudienceMatch: boolPtr(false)}}
	h := newHarness(t, func(cfg *Config) {
		cfg.Deferred = resolver
	})
	ctx := context.Background()

	s := &types.Schedule{
		ID:   "s1",
		Type: types.ScheduleTypeDeferred,
		Data: json.RawMessage(`{"url":"https://resolve.example/offer","type":"test"}`),
		Triggers: []types.Trigger{
			{Type: types.TriggerForeground, Goal: 1},
		},
	}
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	require.Eventually(t, func() bool {
		got, err := h.engine.GetSchedule(ctx, "s1")
		return err == nil && got.Count == 1 && got.ExecutionState == types.StateIdle
	}, waitFor, tick)
	assert.Empty(t, h.driver.executedIDs())
}

func TestEngine_DeferredTerminalFailurePenalizes(t *testing.T) {
	resolver := &fakeResolver{err: remote.ErrTerminal}
	h := newHarness(t, func(cfg *Config) {
		cfg.Deferred = resolver
	})
	ctx := context.Background()

	s := &types.Schedule{
		ID:   "s1",
		Type: types.ScheduleTypeDeferred,
		Data: json.RawMessage(`{"url":"https://resolve.example/offer","retry_on_timeout":true}`),
		Triggers: []types.Trigger{
			{Type: types.TriggerForeground, Goal: 1},
		},
	}
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	require.Eventually(t, func() bool {
		got, err := h.engine.GetSchedule(ctx, "s1")
		return err == nil && got.Count == 1 && got.ExecutionState == types.StateIdle
	}, waitFor, tick)
}

func TestEngine_DeferredMalformedDescriptorPenalizes(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Deferred = &fakeResolver{}
	})
	ctx := context.Background()

	s := &types.Schedule{
		ID:   "s1",
		Type: types.ScheduleTypeDeferred,
		Data: json.RawMessage(`{"no_url_here":true}`),
		Triggers: []types.Trigger{
			{Type: types.TriggerForeground, Goal: 1},
		},
	}
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.fire(types.TriggerForeground)
	require.Eventually(t, func() bool {
		got, err := h.engine.GetSchedule(ctx, "s1")
		return err == nil && got.Count == 1 && got.ExecutionState == types.StateIdle
	}, waitFor, tick)
}

func TestEngine_PreparePanicRemovesSchedule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{testSchedule("s1", nil)}))

	h.driver.panicPrepare = true
	h.fire(types.TriggerForeground)
	h.waitGone(t, "s1")

	require.Eventually(t, func() bool {
		return h.listener.count(types.NoticeCancelled) == 1
	}, waitFor, tick)
	assert.Empty(t, h.driver.executedIDs())
}

func TestEngine_PrepareCancelFinishesSchedule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s := testSchedule("s1", func(s *types.Schedule) {
		s.EditGracePeriod = time.Hour
	})
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{s}))

	h.driver.setPrepare(types.PrepareCancel)
	h.fire(types.TriggerForeground)
	h.waitState(t, "s1", types.StateFinished)

	require.Eventually(t, func() bool {
		return h.listener.count(types.NoticeCancelled) == 1
	}, waitFor, tick)
	assert.Empty(t, h.driver.executedIDs())
}

func TestEngine_PrepareSkipReturnsToIdleWithoutCounting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Schedule(ctx, []*types.Schedule{testSchedule("s1", nil)}))

	h.driver.setPrepare(types.PrepareSkip)
	h.fire(types.TriggerForeground)

	require.Eventually(t, func() bool {
		return len(h.driver.preparedIDs()) >= 1
	}, waitFor, tick)
	h.waitState(t, "s1", types.StateIdle)

	got, err := h.engine.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, got.Count)
	assert.Empty(t, h.driver.executedIDs())
}
