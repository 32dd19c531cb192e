package types

// ExecutionState represents the lifecycle state of a Schedule.
type ExecutionState string

const (
	StateIdle              ExecutionState = "idle"
	StateTimeDelayed       ExecutionState = "time_delayed"
	StatePreparing         ExecutionState = "preparing"
	StateWaitingConditions ExecutionState = "waiting_conditions"
	StateExecuting         ExecutionState = "executing"
	StatePaused            ExecutionState = "paused"
	StateFinished          ExecutionState = "finished"
)

// IsPreExecution reports whether the state precedes execution. Cancellation
// triggers abort a schedule only while it is in one of these states.
func (s ExecutionState) IsPreExecution() bool {
	switch s {
	case StateTimeDelayed, StatePreparing, StateWaitingConditions:
		return true
	}
	return false
}

// TriggerType identifies the event or state category a trigger listens to.
type TriggerType string

const (
	TriggerCustomEventCount TriggerType = "custom_event_count"
	TriggerCustomEventValue TriggerType = "custom_event_value"
	TriggerScreenView       TriggerType = "screen_view"
	TriggerRegionEnter      TriggerType = "region_enter"
	TriggerRegionExit       TriggerType = "region_exit"
	TriggerForeground       TriggerType = "foreground"
	TriggerBackground       TriggerType = "background"

	// Compound trigger types are driven by state or session feeds rather
	// than discrete application events.
	TriggerActiveSession  TriggerType = "active_session"
	TriggerNewSession     TriggerType = "new_session"
	TriggerVersionChanged TriggerType = "version_changed"
)

// AllTriggerTypes enumerates every valid trigger type. Used by validation.
var AllTriggerTypes = []TriggerType{
	TriggerCustomEventCount,
	TriggerCustomEventValue,
	TriggerScreenView,
	TriggerRegionEnter,
	TriggerRegionExit,
	TriggerForeground,
	TriggerBackground,
	TriggerActiveSession,
	TriggerNewSession,
	TriggerVersionChanged,
}

// IsCompound reports whether the trigger type is fed by a state feed rather
// than the ordinary event stream.
func (t TriggerType) IsCompound() bool {
	switch t {
	case TriggerActiveSession, TriggerVersionChanged:
		return true
	}
	return false
}

// IsValid reports whether t is a known trigger type.
func (t TriggerType) IsValid() bool {
	for _, v := range AllTriggerTypes {
		if t == v {
			return true
		}
	}
	return false
}

// AppState gates a delayed schedule on the application foreground state.
type AppState string

const (
	AppStateAny        AppState = "any"
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// PrepareResult is the outcome of the execution driver's prepare phase.
type PrepareResult string

const (
	PrepareContinue   PrepareResult = "continue"
	PrepareCancel     PrepareResult = "cancel"
	PrepareSkip       PrepareResult = "skip"
	PreparePenalize   PrepareResult = "penalize"
	PrepareInvalidate PrepareResult = "invalidate"
)

// ReadyResult is the outcome of the execution driver's readiness check.
type ReadyResult string

const (
	ReadyContinue   ReadyResult = "continue"
	ReadyNotReady   ReadyResult = "not_ready"
	ReadyInvalidate ReadyResult = "invalidate"
	ReadySkip       ReadyResult = "skip"
)

// MissBehavior determines how an audience mismatch is treated during prepare.
type MissBehavior string

const (
	// MissCancel deletes the schedule outright.
	MissCancel MissBehavior = "cancel"
	// MissSkip returns the schedule to idle without consuming a fulfillment.
	MissSkip MissBehavior = "skip"
	// MissPenalize consumes a fulfillment as if the schedule had executed.
	MissPenalize MissBehavior = "penalize"
)

// NoticeType identifies a listener notification emitted by the engine.
type NoticeType string

const (
	NoticeScheduled    NoticeType = "scheduled"
	NoticeExpired      NoticeType = "expired"
	NoticeCancelled    NoticeType = "cancelled"
	NoticeLimitReached NoticeType = "limit_reached"
)
