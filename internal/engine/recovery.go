package engine

import (
	"context"
	"time"

	"autoflow/internal/types"
)

// restoreSchedules replays persisted state after a restart. It runs before
// any event is processed and is idempotent: replaying it on the same
// persisted state yields the same final states.
//
// Order matters: interrupted executions are accounted first so their limit
// and expiry consequences are visible to the sweep, and preparing schedules
// are re-submitted last so every schedule demoted into the preparing state
// by the earlier steps is picked up in the same pass.
func (e *Engine) restoreSchedules(ctx context.Context) error {
	now := e.clock.Now()

	// 1. Executions interrupted by the crash: tell the driver, then run the
	// normal post-execution accounting as if execution had just completed.
	executing, err := e.store.GetByStates(ctx, types.StateExecuting)
	if err != nil {
		return err
	}
	for _, s := range executing {
		if driver, ok := e.cfg.Drivers.Driver(s.Type); ok {
			driver.OnExecutionInterrupted(s.Clone())
		}
		s.Count++
		s.TriggerContext = nil
		if err := e.settleRecovered(ctx, s, now); err != nil {
			return err
		}
	}

	// 2. Sweep finished and expired schedules.
	pending, err := e.store.GetByStates(ctx,
		types.StateIdle, types.StateTimeDelayed, types.StatePreparing,
		types.StateWaitingConditions, types.StatePaused)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if !s.IsExpired(now) {
			continue
		}
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			return err
		}
	}
	finished, err := e.store.GetByStates(ctx, types.StateFinished)
	if err != nil {
		return err
	}
	var stale []string
	for _, s := range finished {
		if now.After(s.GraceDeadline()) {
			stale = append(stale, s.ID)
		}
	}
	if len(stale) > 0 {
		if err := e.store.Delete(ctx, stale); err != nil {
			return err
		}
	}

	// 3. Waiting schedules are demoted to preparing: readiness is never
	// trusted across restarts.
	waiting, err := e.store.GetByStates(ctx, types.StateWaitingConditions)
	if err != nil {
		return err
	}
	for _, s := range waiting {
		s.SetExecutionState(types.StatePreparing, now)
		if err := e.store.Update(ctx, s); err != nil {
			return err
		}
	}

	// 4. Time-delayed schedules: compute the remaining wait from elapsed
	// wall-clock time; an elapsed wait transitions immediately.
	delayed, err := e.store.GetByStates(ctx, types.StateTimeDelayed)
	if err != nil {
		return err
	}
	for _, s := range delayed {
		var wait time.Duration
		if s.Delay != nil {
			wait = s.Delay.Wait
		}
		remaining := wait - now.Sub(s.ExecutionStateDate)
		if remaining <= 0 {
			s.SetExecutionState(types.StatePreparing, now)
			if err := e.store.Update(ctx, s); err != nil {
				return err
			}
			continue
		}
		e.armDelayAlarm(s.ID, remaining)
	}

	// 5. Cooling-down schedules: same remaining-time computation against
	// the interval.
	paused, err := e.store.GetByStates(ctx, types.StatePaused)
	if err != nil {
		return err
	}
	for _, s := range paused {
		remaining := s.Interval - now.Sub(s.ExecutionStateDate)
		if remaining <= 0 {
			s.SetExecutionState(types.StateIdle, now)
			if err := e.store.Update(ctx, s); err != nil {
				return err
			}
			continue
		}
		e.armIntervalAlarm(s.ID, remaining)
	}

	// 6. Re-submit every preparing schedule, including those demoted above.
	preparing, err := e.store.GetByStates(ctx, types.StatePreparing)
	if err != nil {
		return err
	}
	for _, s := range preparing {
		e.startPrepare(ctx, s)
	}

	e.logger.InfoContext(ctx, "schedule state restored",
		"interrupted", len(executing),
		"re_preparing", len(preparing),
		"re_delayed", len(delayed),
		"swept", len(stale),
	)
	return nil
}

// settleRecovered applies post-execution accounting to a schedule whose
// execution was interrupted by a crash.
func (e *Engine) settleRecovered(ctx context.Context, s *types.Schedule, now time.Time) error {
	switch {
	case s.OverLimit():
		return e.finishSchedule(ctx, s, types.NoticeLimitReached)
	case s.IsExpired(now):
		return e.finishSchedule(ctx, s, types.NoticeExpired)
	case s.Interval > 0:
		s.SetExecutionState(types.StatePaused, now)
		if err := e.store.Update(ctx, s); err != nil {
			return err
		}
		e.armIntervalAlarm(s.ID, s.Interval)
		return nil
	default:
		s.SetExecutionState(types.StateIdle, now)
		return e.store.Update(ctx, s)
	}
}
