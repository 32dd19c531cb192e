package types

import "fmt"

// Validation constraint constants.
const (
	MinTriggers             = 1
	MaxTriggers             = 10
	MaxCancellationTriggers = 10
	MaxScheduleGroupLength  = 100
	MaxScheduleTypeLength   = 100
)

// ValidateSchedule checks a schedule definition at construction time.
// Invariants enforced here: a tagged payload type, 1..10 activation triggers
// with positive goals and known types, at most 10 cancellation triggers, and
// start <= end when both are set.
func ValidateSchedule(s *Schedule) error {
	if s.Type == "" {
		return NewAppError(ErrCodeValidationMissingField, "schedule type is required", nil)
	}
	if len(s.Type) > MaxScheduleTypeLength {
		return NewAppError(ErrCodeValidationMissingField,
			fmt.Sprintf("schedule type exceeds %d characters", MaxScheduleTypeLength), nil)
	}
	if len(s.Group) > MaxScheduleGroupLength {
		return NewAppError(ErrCodeValidationMissingField,
			fmt.Sprintf("schedule group exceeds %d characters", MaxScheduleGroupLength), nil)
	}

	if n := len(s.Triggers); n < MinTriggers || n > MaxTriggers {
		return NewAppErrorWithDetails(ErrCodeValidationTriggerCount,
			fmt.Sprintf("schedule requires between %d and %d triggers", MinTriggers, MaxTriggers),
			nil, map[string]any{"trigger_count": n})
	}
	for i := range s.Triggers {
		if err := validateTrigger(&s.Triggers[i], false); err != nil {
			return err
		}
	}

	if s.Delay != nil {
		if err := validateDelay(s.Delay); err != nil {
			return err
		}
	}

	if s.Start != nil && s.End != nil && s.Start.After(*s.End) {
		return NewAppError(ErrCodeValidationTimeWindow, "schedule start must not be after end", nil)
	}

	return nil
}

func validateTrigger(t *Trigger, cancellation bool) error {
	if !t.Type.IsValid() {
		return NewAppErrorWithDetails(ErrCodeValidationTriggerType,
			"unknown trigger type", nil, map[string]any{"type": string(t.Type)})
	}
	if t.Goal <= 0 {
		return NewAppErrorWithDetails(ErrCodeValidationTriggerGoal,
			"trigger goal must be positive", nil,
			map[string]any{"type": string(t.Type), "goal": t.Goal})
	}
	if t.IsCancellation != cancellation {
		return NewAppError(ErrCodeValidationDelay,
			"cancellation flag does not match trigger placement", nil)
	}
	return nil
}

func validateDelay(d *ScheduleDelay) error {
	if d.Wait < 0 {
		return NewAppError(ErrCodeValidationDelay, "delay wait must not be negative", nil)
	}
	switch d.AppState {
	case "", AppStateAny, AppStateForeground, AppStateBackground:
	default:
		return NewAppError(ErrCodeValidationDelay,
			fmt.Sprintf("unknown app state %q", d.AppState), nil)
	}
	if n := len(d.CancellationTriggers); n > MaxCancellationTriggers {
		return NewAppErrorWithDetails(ErrCodeValidationDelay,
			fmt.Sprintf("delay allows at most %d cancellation triggers", MaxCancellationTriggers),
			nil, map[string]any{"cancellation_trigger_count": n})
	}
	for i := range d.CancellationTriggers {
		if err := validateTrigger(&d.CancellationTriggers[i], true); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEdits checks a partial edit set.
func ValidateEdits(e *ScheduleEdits) error {
	if e == nil {
		return NewAppError(ErrCodeValidationEdit, "edits must not be empty", nil)
	}
	if e.Start != nil && e.End != nil && e.Start.After(*e.End) {
		return NewAppError(ErrCodeValidationTimeWindow, "edited start must not be after end", nil)
	}
	if e.Interval != nil && *e.Interval < 0 {
		return NewAppError(ErrCodeValidationEdit, "interval must not be negative", nil)
	}
	if e.EditGracePeriod != nil && *e.EditGracePeriod < 0 {
		return NewAppError(ErrCodeValidationEdit, "edit grace period must not be negative", nil)
	}
	return nil
}
