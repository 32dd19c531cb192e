package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"autoflow/internal/audience"
	"autoflow/internal/frequency"
	"autoflow/internal/pipeline"
	"autoflow/internal/remote"
	"autoflow/internal/types"
)

// prepareState carries the mutable outcome of one prepare pipeline run. The
// pipeline goroutine is its sole writer until the completion callback hands
// it back to the serialized queue.
type prepareState struct {
	schedule *types.Schedule
	outcome  types.PrepareResult

	// resolvedData and resolvedType are set by the deferred resolution
	// step; they replace the schedule's payload on a continue outcome.
	resolvedData json.RawMessage
	resolvedType string

	// checker is acquired by the frequency step and installed into the
	// engine's cache on completion, for the execution gate.
	checker frequency.Checker

	// panicked is set when the driver panicked during prepare.
	panicked bool
}

// startPrepare launches the prepare pipeline for a schedule already persisted
// in the preparing state. Runs on the serialized queue; the pipeline itself
// runs on its own goroutine and reports back through the queue.
func (e *Engine) startPrepare(_ context.Context, s *types.Schedule) {
	if prev, ok := e.prepareCancels[s.ID]; ok {
		prev()
	}
	pctx, cancel := context.WithCancel(e.baseCtx)
	e.prepareCancels[s.ID] = cancel

	prep := &prepareState{schedule: s.Clone()}
	stateDate := s.ExecutionStateDate

	steps := []pipeline.Step{
		e.frequencyStep(prep),
		e.audienceStep(prep),
		e.resolutionStep(prep),
		e.driverPrepareStep(prep),
	}
	runner := pipeline.NewRunner(steps, e.cfg.PrepareRetry,
		e.logger.With("schedule_id", s.ID))

	go func() {
		err := runner.Run(pctx)
		e.submit(func() {
			e.onPrepareComplete(e.baseCtx, prep, stateDate, err)
		})
	}()
}

// frequencyStep acquires the frequency checker for the schedule's constraint
// ids and pre-checks the caps. Over-limit at prepare time skips the
// occurrence without consuming a slot.
func (e *Engine) frequencyStep(prep *prepareState) pipeline.Step {
	return pipeline.StepFunc{
		StepName: "frequency",
		Fn: func(ctx context.Context) (pipeline.StepResult, error) {
			s := prep.schedule
			if len(s.FrequencyConstraintIDs) == 0 || e.cfg.Limiter == nil {
				return pipeline.StepFinished, nil
			}
			checker, err := e.cfg.Limiter.GetChecker(ctx, s.FrequencyConstraintIDs)
			if err != nil {
				return pipeline.StepRetry, err
			}
			if checker.IsOverLimit() {
				prep.outcome = types.PrepareSkip
				return pipeline.StepCancel, nil
			}
			prep.checker = checker
			return pipeline.StepFinished, nil
		},
	}
}

// audienceStep resolves required tag groups and evaluates the audience
// selector locally. A mismatch maps to the selector's miss behavior.
func (e *Engine) audienceStep(prep *prepareState) pipeline.Step {
	return pipeline.StepFunc{
		StepName: "audience",
		Fn: func(ctx context.Context) (pipeline.StepResult, error) {
			s := prep.schedule
			if s.Audience == nil || e.cfg.Memberships == nil {
				return pipeline.StepFinished, nil
			}
			m, err := e.cfg.Memberships.Current(ctx)
			if err != nil {
				return pipeline.StepRetry, err
			}
			if groups := audience.RequiredGroups(s.Audience); len(groups) > 0 && e.cfg.Tags != nil {
				resolved, err := e.cfg.Tags.Resolve(ctx, groups)
				if err != nil {
					return pipeline.StepRetry,
						types.NewAppError(types.ErrCodeUpstreamTags, "tag group resolution failed", err)
				}
				if m.GroupTags == nil {
					m.GroupTags = make(map[string][]string, len(resolved))
				}
				for group, tags := range resolved {
					m.GroupTags[group] = tags
				}
			}
			if !audience.Evaluate(s.Audience, m) {
				prep.outcome = missOutcome(s.Audience.EffectiveMissBehavior())
				return pipeline.StepCancel, nil
			}
			return pipeline.StepFinished, nil
		},
	}
}

// resolutionStep performs server-side payload resolution for deferred
// schedules. Transport failures retry only when the payload opted in;
// anything terminal penalizes the occurrence.
func (e *Engine) resolutionStep(prep *prepareState) pipeline.Step {
	return pipeline.StepFunc{
		StepName: "resolution",
		Fn: func(ctx context.Context) (pipeline.StepResult, error) {
			s := prep.schedule
			if s.Type != types.ScheduleTypeDeferred {
				return pipeline.StepFinished, nil
			}
			if e.cfg.Deferred == nil {
				prep.outcome = types.PreparePenalize
				return pipeline.StepCancel, nil
			}

			var dd types.DeferredData
			if err := json.Unmarshal(s.Data, &dd); err != nil || dd.URL == "" {
				// Malformed resolution descriptors cannot improve on
				// retry.
				prep.outcome = types.PreparePenalize
				return pipeline.StepCancel, nil
			}

			result, err := e.cfg.Deferred.Resolve(ctx, dd.URL, s.TriggerContext)
			if err != nil {
				if remote.IsRetryable(err) && dd.RetryOnTimeout {
					return pipeline.StepRetry, err
				}
				prep.outcome = types.PreparePenalize
				return pipeline.StepCancel, nil
			}
			if result.AudienceMatch != nil && !*result.AudienceMatch {
				prep.outcome = missOutcome(s.Audience.EffectiveMissBehavior())
				return pipeline.StepCancel, nil
			}

			prep.resolvedData = result.Payload
			prep.resolvedType = result.Type
			if prep.resolvedType == "" {
				prep.resolvedType = dd.Type
			}
			return pipeline.StepFinished, nil
		},
	}
}

// driverPrepareStep hands the concrete payload to the type-specific driver
// and relays its asynchronous result.
func (e *Engine) driverPrepareStep(prep *prepareState) pipeline.Step {
	return pipeline.StepFunc{
		StepName: "driver_prepare",
		Fn: func(ctx context.Context) (result pipeline.StepResult, _ error) {
			s := prep.schedule.Clone()
			if prep.resolvedData != nil {
				s.Data = prep.resolvedData
			}
			driverType := s.Type
			if prep.resolvedType != "" {
				driverType = prep.resolvedType
			}
			driver, ok := e.cfg.Drivers.Driver(driverType)
			if !ok {
				e.logger.ErrorContext(ctx, "no driver registered for schedule type",
					"schedule_id", s.ID, "schedule_type", driverType)
				prep.outcome = types.PrepareCancel
				return pipeline.StepCancel, nil
			}

			defer func() {
				if r := recover(); r != nil {
					prep.panicked = true
					prep.outcome = types.PrepareCancel
					result = pipeline.StepCancel
				}
			}()

			done := make(chan types.PrepareResult, 1)
			var once sync.Once
			driver.PrepareSchedule(ctx, s, s.TriggerContext, func(r types.PrepareResult) {
				once.Do(func() { done <- r })
			})

			select {
			case <-ctx.Done():
				return pipeline.StepCancel, nil
			case r := <-done:
				prep.outcome = r
				if r == types.PrepareContinue {
					return pipeline.StepFinished, nil
				}
				return pipeline.StepCancel, nil
			}
		},
	}
}

// onPrepareComplete applies the prepare outcome. Runs on the serialized
// queue; the schedule is re-fetched and the outcome dropped unless it is
// still in the same preparing pass that launched the pipeline.
func (e *Engine) onPrepareComplete(ctx context.Context, prep *prepareState, stateDate time.Time, runErr error) {
	scheduleID := prep.schedule.ID
	if cancel, ok := e.prepareCancels[scheduleID]; ok {
		cancel()
		delete(e.prepareCancels, scheduleID)
	}
	if runErr != nil {
		// The pipeline was cancelled; whoever cancelled it owns the
		// schedule's next transition.
		return
	}

	s, err := e.store.Get(ctx, scheduleID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load schedule after prepare",
			"schedule_id", scheduleID, "error", err)
		return
	}
	if s == nil || s.ExecutionState != types.StatePreparing || !s.ExecutionStateDate.Equal(stateDate) {
		return
	}

	if prep.panicked {
		e.logger.ErrorContext(ctx, "driver panicked during prepare",
			"schedule_id", scheduleID, "schedule_type", s.Type)
		if err := e.cancelSchedules(ctx, []*types.Schedule{s}); err != nil {
			e.logger.ErrorContext(ctx, "failed to remove panicking schedule",
				"schedule_id", scheduleID, "error", err)
		}
		return
	}

	switch prep.outcome {
	case types.PrepareContinue:
		if prep.checker != nil {
			e.checkers[scheduleID] = prep.checker
		}
		if prep.resolvedData != nil {
			s.Data = append(json.RawMessage(nil), prep.resolvedData...)
		}
		if prep.resolvedType != "" {
			s.Type = prep.resolvedType
		}
		s.SetExecutionState(types.StateWaitingConditions, e.clock.Now())
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist prepared schedule",
				"schedule_id", scheduleID, "error", err)
			return
		}
		e.attemptExecution(ctx, s)

	case types.PrepareCancel:
		if err := e.finishSchedule(ctx, s, types.NoticeCancelled); err != nil {
			e.logger.ErrorContext(ctx, "failed to cancel schedule after prepare",
				"schedule_id", scheduleID, "error", err)
		}

	case types.PrepareSkip:
		e.returnToIdle(ctx, s)

	case types.PreparePenalize:
		s.Count++
		s.TriggerContext = nil
		if s.OverLimit() {
			if err := e.finishSchedule(ctx, s, types.NoticeLimitReached); err != nil {
				e.logger.ErrorContext(ctx, "failed to finish penalized schedule",
					"schedule_id", scheduleID, "error", err)
			}
			return
		}
		s.SetExecutionState(types.StateIdle, e.clock.Now())
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist penalized schedule",
				"schedule_id", scheduleID, "error", err)
		}

	case types.PrepareInvalidate:
		// The payload went stale mid-prepare; restart with fresh data.
		e.startPrepare(ctx, s)

	case "":
		// The chain stopped without an outcome (cancelled mid-step);
		// the canceller owns the next transition.

	default:
		e.logger.ErrorContext(ctx, "driver returned unknown prepare result",
			"schedule_id", scheduleID, "result", string(prep.outcome))
	}
}

// missOutcome maps an audience miss behavior to its prepare result.
func missOutcome(b types.MissBehavior) types.PrepareResult {
	switch b {
	case types.MissCancel:
		return types.PrepareCancel
	case types.MissSkip:
		return types.PrepareSkip
	default:
		return types.PreparePenalize
	}
}
