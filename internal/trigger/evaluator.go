// Package trigger implements the evaluation pass that advances trigger
// progress for one event and detects goal completion. The pass is pure: it
// receives candidate trigger rows and returns the mutated rows plus the
// disjoint sets of activated and cancelled schedule ids; the engine owns
// persisting the rows and dispatching the sets.
package trigger

import (
	"autoflow/internal/types"
)

// Activation pairs an activated schedule with the context of the trigger
// that completed, for hand-off into the prepare phase.
type Activation struct {
	ScheduleID string
	Context    types.TriggerContext
}

// Result is the outcome of one evaluation pass.
//
// Cancelled and Activated are disjoint: when an activation trigger and a
// cancellation trigger for the same schedule both reach goal in the same
// pass, cancellation wins and the activation (and its captured context) is
// discarded. The precedence is applied explicitly after the pass rather than
// depending on candidate order.
type Result struct {
	// Updated holds every trigger row whose progress changed, for one
	// batched store write.
	Updated []types.Trigger

	// Cancelled holds schedule ids whose cancellation trigger reached goal.
	Cancelled []string

	// Activated holds schedules whose activation trigger reached goal,
	// in candidate order.
	Activated []Activation
}

// Evaluate advances progress on every candidate trigger matching the event
// and detects completions. Candidates are trigger rows of the event's type
// whose parent schedule still exists (store-level filter).
//
// A trigger whose predicate rejects the event payload is skipped. A trigger
// reaching its goal has its progress reset to zero in the same pass, so
// progress stays in [0, goal) between passes.
func Evaluate(ev types.Event, candidates []types.Trigger) Result {
	var result Result
	cancelled := make(map[string]struct{})
	activated := make(map[string]struct{})

	increment := ev.Value
	if increment == 0 {
		increment = 1.0
	}
	if increment < 0 {
		// Progress never decreases; a negative event value contributes
		// nothing.
		increment = 0
	}

	for _, t := range candidates {
		if t.Predicate != nil && !t.Predicate.Matches(ev.Payload) {
			continue
		}

		t.Progress += increment
		if t.Progress >= t.Goal {
			t.Progress = 0
			if t.IsCancellation {
				if _, seen := cancelled[t.ParentScheduleID]; !seen {
					cancelled[t.ParentScheduleID] = struct{}{}
					result.Cancelled = append(result.Cancelled, t.ParentScheduleID)
				}
			} else if _, seen := activated[t.ParentScheduleID]; !seen {
				activated[t.ParentScheduleID] = struct{}{}
				result.Activated = append(result.Activated, Activation{
					ScheduleID: t.ParentScheduleID,
					Context: types.TriggerContext{
						Trigger: t,
						Event:   ev.Payload,
					},
				})
			}
		}
		result.Updated = append(result.Updated, t)
	}

	// Cancellation wins: drop activations for schedules also cancelled in
	// this pass.
	if len(result.Cancelled) > 0 && len(result.Activated) > 0 {
		kept := result.Activated[:0]
		for _, a := range result.Activated {
			if _, clash := cancelled[a.ScheduleID]; !clash {
				kept = append(kept, a)
			}
		}
		result.Activated = kept
	}

	return result
}
