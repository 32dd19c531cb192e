package types

import (
	"encoding/json"
	"time"
)

// Schedule is the core domain entity: a durable, trigger-gated unit of work.
// Persisted state is owned exclusively by the schedule store; the engine keeps
// only transient bookkeeping that can be rebuilt from these records.
type Schedule struct {
	ID   string `json:"id" db:"id"`
	Type string `json:"type" db:"type"`

	// Data is the opaque payload handed to the execution driver. For
	// deferred schedules it holds the resolution descriptor until the
	// prepare pipeline replaces it with the resolved payload.
	Data json.RawMessage `json:"data,omitempty" db:"data"`

	// Group allows bulk cancellation of related schedules.
	Group string `json:"group,omitempty" db:"group_id"`

	// Priority orders simultaneously eligible schedules. Ascending values
	// run first; equal priorities keep their fetch order.
	Priority int `json:"priority" db:"priority"`

	// Limit caps total fulfillments. Values <= 0 mean unlimited.
	Limit int `json:"limit" db:"fulfillment_limit"`
	// Count is the number of fulfillments so far. Monotonically
	// non-decreasing.
	Count int `json:"count" db:"fulfillment_count"`

	Start *time.Time `json:"start,omitempty" db:"start_at"`
	End   *time.Time `json:"end,omitempty" db:"end_at"`

	// Interval is the cooldown applied after each execution before the
	// schedule returns to idle.
	Interval time.Duration `json:"interval,omitempty" db:"cooldown_interval"`

	// EditGracePeriod retains a finished schedule so edits can revive it.
	EditGracePeriod time.Duration `json:"edit_grace_period,omitempty" db:"edit_grace_period"`

	// Triggers hold the activation triggers (1..10). Cancellation triggers
	// live on the Delay.
	Triggers []Trigger `json:"triggers" db:"-"`

	Delay    *ScheduleDelay    `json:"delay,omitempty" db:"delay"`
	Audience *AudienceSelector `json:"audience,omitempty" db:"audience"`

	FrequencyConstraintIDs []string `json:"frequency_constraint_ids,omitempty" db:"frequency_constraint_ids"`

	// Metadata is opaque and carried through edits untouched.
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`

	ExecutionState ExecutionState `json:"execution_state" db:"execution_state"`
	// ExecutionStateDate records when ExecutionState last changed. It must
	// only move together with ExecutionState (see SetExecutionState).
	ExecutionStateDate time.Time `json:"execution_state_date" db:"execution_state_date"`

	// TriggerContext captures the trigger that most recently fired this
	// schedule; it is passed to the driver's prepare phase.
	TriggerContext *TriggerContext `json:"trigger_context,omitempty" db:"trigger_context"`
}

// SetExecutionState transitions the schedule's state and stamps the change
// time. This is the only sanctioned mutation path for ExecutionState so the
// state/date pairing invariant holds.
func (s *Schedule) SetExecutionState(state ExecutionState, now time.Time) {
	if s.ExecutionState == state {
		return
	}
	s.ExecutionState = state
	s.ExecutionStateDate = now
}

// IsExpired reports whether the schedule's end has passed.
func (s *Schedule) IsExpired(now time.Time) bool {
	return s.End != nil && now.After(*s.End)
}

// HasStarted reports whether the schedule's start has passed (or is unset).
func (s *Schedule) HasStarted(now time.Time) bool {
	return s.Start == nil || !now.Before(*s.Start)
}

// OverLimit reports whether the fulfillment limit has been reached.
// A Limit <= 0 is unlimited.
func (s *Schedule) OverLimit() bool {
	return s.Limit > 0 && s.Count >= s.Limit
}

// GraceDeadline returns the time after which a finished or expired schedule
// may be deleted: End + EditGracePeriod when End is set, otherwise the state
// change date + EditGracePeriod.
func (s *Schedule) GraceDeadline() time.Time {
	base := s.ExecutionStateDate
	if s.End != nil {
		base = *s.End
	}
	return base.Add(s.EditGracePeriod)
}

// AllTriggers returns the activation triggers followed by any cancellation
// triggers declared on the delay.
func (s *Schedule) AllTriggers() []Trigger {
	out := make([]Trigger, 0, len(s.Triggers))
	out = append(out, s.Triggers...)
	if s.Delay != nil {
		out = append(out, s.Delay.CancellationTriggers...)
	}
	return out
}

// Clone returns a deep copy of the schedule. The in-memory store hands out
// clones so callers can never mutate persisted state directly.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Start != nil {
		t := *s.Start
		c.Start = &t
	}
	if s.End != nil {
		t := *s.End
		c.End = &t
	}
	c.Triggers = cloneTriggers(s.Triggers)
	if s.Delay != nil {
		d := *s.Delay
		d.Screens = append([]string(nil), s.Delay.Screens...)
		d.CancellationTriggers = cloneTriggers(s.Delay.CancellationTriggers)
		c.Delay = &d
	}
	if s.Audience != nil {
		a := s.Audience.clone()
		c.Audience = a
	}
	c.FrequencyConstraintIDs = append([]string(nil), s.FrequencyConstraintIDs...)
	c.Data = append(json.RawMessage(nil), s.Data...)
	c.Metadata = append(json.RawMessage(nil), s.Metadata...)
	if s.TriggerContext != nil {
		tc := *s.TriggerContext
		tc.Event = append(json.RawMessage(nil), s.TriggerContext.Event...)
		c.TriggerContext = &tc
	}
	return &c
}

func cloneTriggers(in []Trigger) []Trigger {
	if in == nil {
		return nil
	}
	out := make([]Trigger, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Predicate != nil {
			p := *out[i].Predicate
			out[i].Predicate = &p
		}
	}
	return out
}

// Trigger accumulates progress toward a goal for its parent schedule.
type Trigger struct {
	ID               string      `json:"id" db:"id"`
	ParentScheduleID string      `json:"parent_schedule_id" db:"parent_schedule_id"`
	Type             TriggerType `json:"type" db:"type"`

	// Goal is the positive threshold at which the trigger fires.
	Goal float64 `json:"goal" db:"goal"`

	// Predicate optionally filters event payloads before progress is added.
	Predicate *JSONPredicate `json:"predicate,omitempty" db:"predicate"`

	// Progress is the accumulator. It stays in [0, Goal) between evaluation
	// passes: reaching the goal resets it to zero in the same pass.
	Progress float64 `json:"progress" db:"progress"`

	// IsCancellation marks the trigger as part of the delay's cancel set
	// rather than the activation set.
	IsCancellation bool `json:"is_cancellation" db:"is_cancellation"`
}

// ScheduleDelay describes the wait and non-temporal conditions between a
// trigger firing and preparation/execution.
type ScheduleDelay struct {
	// Wait is the minimum time before preparation begins.
	Wait time.Duration `json:"wait,omitempty"`

	// AppState gates execution on the application foreground state.
	AppState AppState `json:"app_state,omitempty"`

	// Screens is an allow-list of screens on which execution may proceed.
	Screens []string `json:"screens,omitempty"`

	// RegionID, when set, requires the current region to match.
	RegionID string `json:"region_id,omitempty"`

	// CancellationTriggers abort the pending schedule when they reach goal.
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}

// TriggerContext records which trigger fired a schedule and the event payload
// that completed it. It is carried into the driver's prepare phase.
type TriggerContext struct {
	Trigger Trigger         `json:"trigger"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// AudienceSelector restricts a schedule to a subset of users.
type AudienceSelector struct {
	NewUser     *bool         `json:"new_user,omitempty"`
	TestDevices []string      `json:"test_devices,omitempty"`
	Tags        *TagPredicate `json:"tag_selector,omitempty"`

	// MissBehavior maps an audience mismatch to a prepare outcome.
	// Defaults to penalize when empty.
	MissBehavior MissBehavior `json:"miss_behavior,omitempty"`
}

// EffectiveMissBehavior returns the configured miss behavior, defaulting to
// penalize.
func (a *AudienceSelector) EffectiveMissBehavior() MissBehavior {
	if a == nil || a.MissBehavior == "" {
		return MissPenalize
	}
	return a.MissBehavior
}

func (a *AudienceSelector) clone() *AudienceSelector {
	if a == nil {
		return nil
	}
	c := *a
	if a.NewUser != nil {
		b := *a.NewUser
		c.NewUser = &b
	}
	c.TestDevices = append([]string(nil), a.TestDevices...)
	if a.Tags != nil {
		c.Tags = a.Tags.clone()
	}
	return &c
}

// TagPredicate is a boolean tag-matching tree. Exactly one field should be
// set per node: And, Or, Not, or Tag (optionally scoped by Group).
type TagPredicate struct {
	And []TagPredicate `json:"and,omitempty"`
	Or  []TagPredicate `json:"or,omitempty"`
	Not *TagPredicate  `json:"not,omitempty"`

	Tag   string `json:"tag,omitempty"`
	Group string `json:"group,omitempty"`
}

func (p *TagPredicate) clone() *TagPredicate {
	if p == nil {
		return nil
	}
	c := *p
	c.And = cloneTagPredicates(p.And)
	c.Or = cloneTagPredicates(p.Or)
	c.Not = p.Not.clone()
	return &c
}

func cloneTagPredicates(in []TagPredicate) []TagPredicate {
	if in == nil {
		return nil
	}
	out := make([]TagPredicate, len(in))
	for i := range in {
		out[i] = *in[i].clone()
	}
	return out
}

// Event is one signal from the application event feed.
type Event struct {
	Type    TriggerType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Value is the progress increment. Count-style events contribute 1.0;
	// value-style events contribute their magnitude.
	Value float64 `json:"value"`
}

// NewCountEvent builds an event contributing 1.0 progress.
func NewCountEvent(t TriggerType, payload json.RawMessage) Event {
	return Event{Type: t, Payload: payload, Value: 1.0}
}

// NewValueEvent builds an event contributing its magnitude as progress.
func NewValueEvent(t TriggerType, payload json.RawMessage, value float64) Event {
	return Event{Type: t, Payload: payload, Value: value}
}

// ScheduleEdits is a partial edit set. Nil fields leave the corresponding
// schedule field untouched.
type ScheduleEdits struct {
	Limit           *int
	Start           *time.Time
	End             *time.Time
	Priority        *int
	Interval        *time.Duration
	EditGracePeriod *time.Duration
	Data            json.RawMessage
	Metadata        json.RawMessage
	Audience        *AudienceSelector
}

// Apply copies the non-nil edit fields onto the schedule.
func (e *ScheduleEdits) Apply(s *Schedule) {
	if e.Limit != nil {
		s.Limit = *e.Limit
	}
	if e.Start != nil {
		t := *e.Start
		s.Start = &t
	}
	if e.End != nil {
		t := *e.End
		s.End = &t
	}
	if e.Priority != nil {
		s.Priority = *e.Priority
	}
	if e.Interval != nil {
		s.Interval = *e.Interval
	}
	if e.EditGracePeriod != nil {
		s.EditGracePeriod = *e.EditGracePeriod
	}
	if e.Data != nil {
		s.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Metadata != nil {
		s.Metadata = append(json.RawMessage(nil), e.Metadata...)
	}
	if e.Audience != nil {
		s.Audience = e.Audience.clone()
	}
}

// DeferredData is the payload descriptor for schedules whose concrete payload
// is resolved server-side during prepare.
type DeferredData struct {
	URL            string `json:"url"`
	RetryOnTimeout bool   `json:"retry_on_timeout"`
	// Type names the payload kind the resolved data should be prepared as.
	Type string `json:"type,omitempty"`
}

// ScheduleTypeDeferred marks schedules resolved remotely at prepare time.
const ScheduleTypeDeferred = "deferred"
