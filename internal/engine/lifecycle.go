package engine

import (
	"context"
	"errors"
	"time"

	"autoflow/internal/trigger"
	"autoflow/internal/types"
)

// evaluateEvent runs one trigger evaluation pass for an application event.
// Runs on the serialized queue.
func (e *Engine) evaluateEvent(ctx context.Context, ev types.Event) {
	if !ev.Type.IsValid() {
		return
	}
	candidates, err := e.store.ActiveTriggers(ctx, ev.Type)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load triggers for event",
			"event_type", string(ev.Type), "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	admitted, err := e.admitCandidates(ctx, candidates)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to filter trigger candidates", "error", err)
		return
	}
	if len(admitted) == 0 {
		return
	}

	result := trigger.Evaluate(ev, admitted)
	if len(result.Updated) > 0 {
		if err := e.store.UpdateTriggerProgress(ctx, result.Updated); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist trigger progress", "error", err)
			return
		}
	}

	for _, id := range result.Cancelled {
		e.cancelPending(ctx, id)
	}
	e.dispatchActivations(ctx, result.Activated)
}

// admitCandidates drops trigger rows whose parent schedule is not in a state
// where the trigger counts: activation triggers accrue progress only while
// the parent is idle, cancellation triggers only while it is pending
// (time-delayed, preparing, or waiting on conditions).
func (e *Engine) admitCandidates(ctx context.Context, candidates []types.Trigger) ([]types.Trigger, error) {
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, t := range candidates {
		if _, ok := seen[t.ParentScheduleID]; !ok {
			seen[t.ParentScheduleID] = struct{}{}
			ids = append(ids, t.ParentScheduleID)
		}
	}
	parents, err := e.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	states := make(map[string]types.ExecutionState, len(parents))
	for _, s := range parents {
		states[s.ID] = s.ExecutionState
	}

	admitted := candidates[:0]
	for _, t := range candidates {
		state, ok := states[t.ParentScheduleID]
		if !ok {
			continue
		}
		if t.IsCancellation {
			if state.IsPreExecution() && state != types.StateIdle {
				admitted = append(admitted, t)
			}
		} else if state == types.StateIdle {
			admitted = append(admitted, t)
		}
	}
	return admitted, nil
}

// cancelPending aborts a pending schedule whose cancellation trigger reached
// goal. The schedule returns to idle with its context and any in-flight delay
// alarm or prepare pipeline dropped.
func (e *Engine) cancelPending(ctx context.Context, scheduleID string) {
	s, err := e.store.Get(ctx, scheduleID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedule for cancellation trigger",
			"schedule_id", scheduleID, "error", err)
		return
	}
	if s == nil || !s.ExecutionState.IsPreExecution() || s.ExecutionState == types.StateIdle {
		return
	}

	e.abortInFlight(scheduleID)
	s.SetExecutionState(types.StateIdle, e.clock.Now())
	s.TriggerContext = nil
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist trigger cancellation",
			"schedule_id", scheduleID, "error", err)
		return
	}
	e.logger.InfoContext(ctx, "pending schedule cancelled by trigger", "schedule_id", scheduleID)
}

// dispatchActivations activates the schedules whose triggers reached goal in
// one pass, in ascending priority order.
func (e *Engine) dispatchActivations(ctx context.Context, activations []trigger.Activation) {
	if len(activations) == 0 {
		return
	}
	contexts := make(map[string]types.TriggerContext, len(activations))
	ids := make([]string, 0, len(activations))
	for _, a := range activations {
		if _, ok := contexts[a.ScheduleID]; !ok {
			contexts[a.ScheduleID] = a.Context
			ids = append(ids, a.ScheduleID)
		}
	}

	// GetByIDs returns priority-ascending order, which is the arbitration
	// order for same-pass activations.
	schedules, err := e.store.GetByIDs(ctx, ids)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load activated schedules", "error", err)
		return
	}
	for _, s := range schedules {
		tc := contexts[s.ID]
		e.activate(ctx, s, &tc)
	}
}

// activate moves an idle schedule into its post-trigger phase: straight to
// prepare, or into the delay wait first.
func (e *Engine) activate(ctx context.Context, s *types.Schedule, tc *types.TriggerContext) {
	if s.ExecutionState != types.StateIdle {
		return
	}
	now := e.clock.Now()
	if s.IsExpired(now) {
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "failed to expire schedule on activation",
				"schedule_id", s.ID, "error", err)
		}
		return
	}
	// Trigger goals reached before the start boundary do not activate; the
	// progress reset already happened in the evaluation pass.
	if !s.HasStarted(now) {
		return
	}
	if s.OverLimit() {
		if err := e.finishSchedule(ctx, s, types.NoticeLimitReached); err != nil {
			e.logger.ErrorContext(ctx, "failed to finish over-limit schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	}

	s.TriggerContext = tc

	if s.Delay != nil && s.Delay.Wait > 0 {
		s.SetExecutionState(types.StateTimeDelayed, now)
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist delayed activation",
				"schedule_id", s.ID, "error", err)
			return
		}
		e.armDelayAlarm(s.ID, s.Delay.Wait)
		return
	}

	s.SetExecutionState(types.StatePreparing, now)
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist activation",
			"schedule_id", s.ID, "error", err)
		return
	}
	e.startPrepare(ctx, s)
}

// armDelayAlarm schedules the end-of-wait callback, replacing any previous
// alarm for the schedule.
func (e *Engine) armDelayAlarm(scheduleID string, wait time.Duration) {
	if prev, ok := e.pendingAlarms[scheduleID]; ok {
		prev.Cancel()
	}
	e.pendingAlarms[scheduleID] = e.alarms.Schedule(wait, func() {
		e.submit(func() { e.onDelayElapsed(e.baseCtx, scheduleID) })
	})
}

// onDelayElapsed moves a time-delayed schedule into prepare. Runs on the
// serialized queue; a schedule no longer time-delayed (cancelled or edited
// meanwhile) is left alone.
func (e *Engine) onDelayElapsed(ctx context.Context, scheduleID string) {
	delete(e.pendingAlarms, scheduleID)

	s, err := e.store.Get(ctx, scheduleID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedule after delay",
			"schedule_id", scheduleID, "error", err)
		return
	}
	if s == nil || s.ExecutionState != types.StateTimeDelayed {
		return
	}
	if s.IsExpired(e.clock.Now()) {
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "failed to expire schedule after delay",
				"schedule_id", s.ID, "error", err)
		}
		return
	}

	s.SetExecutionState(types.StatePreparing, e.clock.Now())
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist prepare transition",
			"schedule_id", s.ID, "error", err)
		return
	}
	e.startPrepare(ctx, s)
}

// abortInFlight drops the transient machinery attached to a schedule: its
// delay alarm, its prepare pipeline, and its cached frequency checker.
func (e *Engine) abortInFlight(scheduleID string) {
	if h, ok := e.pendingAlarms[scheduleID]; ok {
		h.Cancel()
		delete(e.pendingAlarms, scheduleID)
	}
	if cancel, ok := e.prepareCancels[scheduleID]; ok {
		cancel()
		delete(e.prepareCancels, scheduleID)
	}
	delete(e.checkers, scheduleID)
}

// cancelSchedules deletes the given schedules outright, aborting any
// in-flight work first. Runs on the serialized queue.
func (e *Engine) cancelSchedules(ctx context.Context, schedules []*types.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	ids := make([]string, 0, len(schedules))
	for _, s := range schedules {
		e.abortInFlight(s.ID)
		ids = append(ids, s.ID)
	}
	if err := e.store.Delete(ctx, ids); err != nil {
		return err
	}
	for _, s := range schedules {
		e.notify(types.NoticeCancelled, s)
	}
	e.refreshSubscriptions(ctx)
	return nil
}

// attemptExecution takes a schedule in the waiting-conditions state through
// the execution gate: expiry check, live conditions plus driver readiness on
// the hand-off goroutine, then the frequency gate. Runs on the serialized
// queue.
func (e *Engine) attemptExecution(ctx context.Context, s *types.Schedule) {
	if s.ExecutionState != types.StateWaitingConditions {
		return
	}
	now := e.clock.Now()
	if s.IsExpired(now) {
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "failed to expire waiting schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	}

	driver, ok := e.cfg.Drivers.Driver(s.Type)
	if !ok {
		e.logger.ErrorContext(ctx, "no driver registered for schedule type",
			"schedule_id", s.ID, "schedule_type", s.Type)
		e.returnToIdle(ctx, s)
		return
	}

	snapshot := s.Clone()
	outcome, err := e.handoff.perform(func() readinessOutcome {
		return e.checkReadiness(driver, snapshot)
	})
	if err != nil {
		// A timed-out or busy hand-off degrades to not ready; the next
		// conditions-changed signal or sweep retries.
		if errors.Is(err, ErrHandoffTimeout) {
			e.logger.WarnContext(ctx, "readiness check timed out",
				"schedule_id", s.ID, "timeout", e.cfg.ReadinessTimeout.String())
		}
		return
	}
	if outcome.panicked {
		// A panicking driver has signaled an unrecoverable definition
		// error; the schedule is removed and reported cancelled.
		e.logger.ErrorContext(ctx, "driver panicked during readiness check",
			"schedule_id", s.ID, "schedule_type", s.Type)
		if err := e.cancelSchedules(ctx, []*types.Schedule{s}); err != nil {
			e.logger.ErrorContext(ctx, "failed to remove panicking schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	}
	if !outcome.conditionsMet {
		return
	}

	switch types.ReadyResult(outcome.ready) {
	case types.ReadyNotReady:
		return
	case types.ReadySkip:
		e.returnToIdle(ctx, s)
		return
	case types.ReadyInvalidate:
		driver.OnScheduleInvalidated(s.Clone())
		s.SetExecutionState(types.StatePreparing, e.clock.Now())
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist re-prepare transition",
				"schedule_id", s.ID, "error", err)
			return
		}
		e.startPrepare(ctx, s)
		return
	case types.ReadyContinue:
	default:
		e.logger.ErrorContext(ctx, "driver returned unknown readiness result",
			"schedule_id", s.ID, "result", outcome.ready)
		return
	}

	// Frequency caps are consumed at the last possible moment so a long
	// waiting phase cannot hold a slot.
	if checker, ok := e.checkers[s.ID]; ok && checker != nil {
		if !checker.CheckAndIncrement() {
			e.logger.InfoContext(ctx, "execution skipped by frequency cap", "schedule_id", s.ID)
			e.returnToIdle(ctx, s)
			return
		}
	}

	s.SetExecutionState(types.StateExecuting, e.clock.Now())
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist execution transition",
			"schedule_id", s.ID, "error", err)
		return
	}

	scheduleID := s.ID
	driver.ExecuteSchedule(s.Clone(), func() {
		e.submit(func() { e.onExecuted(e.baseCtx, scheduleID) })
	})
}

// checkReadiness evaluates delay conditions against the live environment and
// then asks the driver. Runs on the hand-off goroutine.
func (e *Engine) checkReadiness(driver Driver, s *types.Schedule) (outcome readinessOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = readinessOutcome{panicked: true}
		}
	}()

	if !e.delayConditionsMet(s.Delay) {
		return readinessOutcome{}
	}
	return readinessOutcome{
		conditionsMet: true,
		ready:         string(driver.CheckReadiness(s)),
	}
}

// delayConditionsMet checks the non-temporal delay conditions against the
// host environment. A nil environment skips the gating entirely.
func (e *Engine) delayConditionsMet(d *types.ScheduleDelay) bool {
	if d == nil || e.cfg.Environment == nil {
		return true
	}
	env := e.cfg.Environment
	if d.AppState != "" && d.AppState != types.AppStateAny && env.AppState() != d.AppState {
		return false
	}
	if len(d.Screens) > 0 {
		current := env.CurrentScreen()
		found := false
		for _, screen := range d.Screens {
			if screen == current {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if d.RegionID != "" && env.CurrentRegion() != d.RegionID {
		return false
	}
	return true
}

// onExecuted performs post-execution accounting after the driver reports
// completion. Runs on the serialized queue.
func (e *Engine) onExecuted(ctx context.Context, scheduleID string) {
	s, err := e.store.Get(ctx, scheduleID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedule after execution",
			"schedule_id", scheduleID, "error", err)
		return
	}
	if s == nil || s.ExecutionState != types.StateExecuting {
		return
	}

	delete(e.checkers, scheduleID)
	s.Count++
	s.TriggerContext = nil
	now := e.clock.Now()

	switch {
	case s.OverLimit():
		if err := e.finishSchedule(ctx, s, types.NoticeLimitReached); err != nil {
			e.logger.ErrorContext(ctx, "failed to finish executed schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	case s.IsExpired(now):
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "failed to expire executed schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	case s.Interval > 0:
		s.SetExecutionState(types.StatePaused, now)
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist cooldown",
				"schedule_id", s.ID, "error", err)
			return
		}
		e.armIntervalAlarm(s.ID, s.Interval)
	default:
		s.SetExecutionState(types.StateIdle, now)
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist post-execution idle",
				"schedule_id", s.ID, "error", err)
		}
	}
}

// armIntervalAlarm schedules the end-of-cooldown callback.
func (e *Engine) armIntervalAlarm(scheduleID string, interval time.Duration) {
	if prev, ok := e.pendingAlarms[scheduleID]; ok {
		prev.Cancel()
	}
	e.pendingAlarms[scheduleID] = e.alarms.Schedule(interval, func() {
		e.submit(func() { e.onIntervalElapsed(e.baseCtx, scheduleID) })
	})
}

// onIntervalElapsed returns a cooled-down schedule to idle. Runs on the
// serialized queue.
func (e *Engine) onIntervalElapsed(ctx context.Context, scheduleID string) {
	delete(e.pendingAlarms, scheduleID)

	s, err := e.store.Get(ctx, scheduleID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedule after cooldown",
			"schedule_id", scheduleID, "error", err)
		return
	}
	if s == nil || s.ExecutionState != types.StatePaused {
		return
	}
	if s.IsExpired(e.clock.Now()) {
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "failed to expire cooled-down schedule",
				"schedule_id", s.ID, "error", err)
		}
		return
	}
	s.SetExecutionState(types.StateIdle, e.clock.Now())
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist post-cooldown idle",
			"schedule_id", s.ID, "error", err)
	}
}

// returnToIdle drops a schedule's current occurrence without counting it.
func (e *Engine) returnToIdle(ctx context.Context, s *types.Schedule) {
	e.abortInFlight(s.ID)
	s.SetExecutionState(types.StateIdle, e.clock.Now())
	s.TriggerContext = nil
	if err := e.store.Update(ctx, s); err != nil {
		e.logger.ErrorContext(ctx, "failed to return schedule to idle",
			"schedule_id", s.ID, "error", err)
	}
}

// finishSchedule moves a schedule to the terminal state and emits the notice.
// Schedules without an edit grace period are deleted immediately; others are
// retained so an edit can revive them, and the sweep removes them after the
// grace deadline.
func (e *Engine) finishSchedule(ctx context.Context, s *types.Schedule, kind types.NoticeType) error {
	e.abortInFlight(s.ID)
	s.SetExecutionState(types.StateFinished, e.clock.Now())
	s.TriggerContext = nil

	if s.EditGracePeriod <= 0 {
		if err := e.store.Delete(ctx, []string{s.ID}); err != nil {
			return err
		}
		e.notify(kind, s)
		e.refreshSubscriptions(ctx)
		return nil
	}
	if err := e.store.Update(ctx, s); err != nil {
		return err
	}
	e.notify(kind, s)
	return nil
}

// sweep is the periodic cleanup pass: expire schedules whose end has passed,
// drop finished schedules past their grace deadline, and retry waiting
// schedules. Every transition already performs its own expiry checks; the
// sweep only catches schedules no event or alarm is touching.
func (e *Engine) sweep(ctx context.Context) {
	now := e.clock.Now()

	pending, err := e.store.GetByStates(ctx,
		types.StateIdle, types.StateTimeDelayed, types.StatePreparing, types.StateWaitingConditions, types.StatePaused)
	if err != nil {
		e.logger.ErrorContext(ctx, "sweep failed to load schedules", "error", err)
		return
	}
	for _, s := range pending {
		if !s.IsExpired(now) {
			continue
		}
		if err := e.finishSchedule(ctx, s, types.NoticeExpired); err != nil {
			e.logger.ErrorContext(ctx, "sweep failed to expire schedule",
				"schedule_id", s.ID, "error", err)
		}
	}

	finished, err := e.store.GetByStates(ctx, types.StateFinished)
	if err != nil {
		e.logger.ErrorContext(ctx, "sweep failed to load finished schedules", "error", err)
		return
	}
	var stale []string
	for _, s := range finished {
		if now.After(s.GraceDeadline()) {
			stale = append(stale, s.ID)
		}
	}
	if len(stale) > 0 {
		if err := e.store.Delete(ctx, stale); err != nil {
			e.logger.ErrorContext(ctx, "sweep failed to delete finished schedules", "error", err)
		} else {
			e.refreshSubscriptions(ctx)
		}
	}

	e.sweepWaiting(ctx)
}

// sweepWaiting retries the execution gate for every schedule waiting on
// conditions, in ascending priority order. Runs on the serialized queue.
func (e *Engine) sweepWaiting(ctx context.Context) {
	waiting, err := e.store.GetByStates(ctx, types.StateWaitingConditions)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load waiting schedules", "error", err)
		return
	}
	for _, s := range waiting {
		e.attemptExecution(ctx, s)
	}
}

// refreshSubscriptions reconciles compound feed subscriptions with the
// compound trigger types currently present in the store. Runs on the
// serialized queue.
func (e *Engine) refreshSubscriptions(ctx context.Context) {
	if e.cfg.Feed == nil {
		return
	}

	needed := make(map[types.TriggerType]struct{})
	all, err := e.store.GetByStates(ctx,
		types.StateIdle, types.StateTimeDelayed, types.StatePreparing,
		types.StateWaitingConditions, types.StateExecuting, types.StatePaused)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedules for feed reconciliation", "error", err)
		return
	}
	for _, s := range all {
		for _, t := range s.AllTriggers() {
			if t.Type.IsCompound() {
				needed[t.Type] = struct{}{}
			}
		}
	}

	for t, cancel := range e.subscriptions {
		if _, ok := needed[t]; !ok {
			cancel()
			delete(e.subscriptions, t)
		}
	}
	for t := range needed {
		if _, ok := e.subscriptions[t]; ok {
			continue
		}
		triggerType := t
		e.subscriptions[t] = e.cfg.Feed.Subscribe(triggerType, func(ev types.Event, changedAt time.Time) {
			e.submit(func() { e.onCompoundSignal(e.baseCtx, triggerType, ev, changedAt) })
		})
	}
}

// onCompoundSignal handles one compound feed delivery. Feeds replay their
// current value on subscription; deliveries older than the last one seen for
// the type are suppressed so resubscription does not double-count.
func (e *Engine) onCompoundSignal(ctx context.Context, t types.TriggerType, ev types.Event, changedAt time.Time) {
	if e.paused.Load() {
		return
	}
	if last, ok := e.lastCompound[t]; ok && !changedAt.After(last) {
		return
	}
	e.lastCompound[t] = changedAt
	e.evaluateEvent(ctx, ev)
}
