package engine

import (
	"context"
	"time"

	"autoflow/internal/types"
)

// ScheduleStore is the durable storage contract the engine consumes. The
// engine is the only writer and always accesses the store from its
// serialized queue, so same-queue reads observe prior writes.
type ScheduleStore interface {
	Insert(ctx context.Context, schedules []*types.Schedule) error
	Get(ctx context.Context, id string) (*types.Schedule, error)
	GetByIDs(ctx context.Context, ids []string) ([]*types.Schedule, error)
	GetByGroup(ctx context.Context, group string) ([]*types.Schedule, error)
	GetByType(ctx context.Context, scheduleType string) ([]*types.Schedule, error)
	GetByStates(ctx context.Context, states ...types.ExecutionState) ([]*types.Schedule, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, s *types.Schedule) error
	Delete(ctx context.Context, ids []string) error
	ActiveTriggers(ctx context.Context, triggerType types.TriggerType) ([]types.Trigger, error)
	UpdateTriggerProgress(ctx context.Context, triggers []types.Trigger) error
}

// Driver is the execution driver contract, supplied by the caller per
// schedule type.
//
// PrepareSchedule and ExecuteSchedule are fully asynchronous: the engine
// learns their outcome only through the supplied callbacks, which may be
// invoked from any goroutine. CheckReadiness must be fast; it runs on the
// engine's hand-off goroutine while the serialized queue waits.
type Driver interface {
	// PrepareSchedule performs the type-specific preparation work and
	// reports the outcome through done exactly once.
	PrepareSchedule(ctx context.Context, schedule *types.Schedule, tc *types.TriggerContext, done func(types.PrepareResult))

	// OnScheduleInvalidated tells the driver a previously prepared
	// schedule is stale and will be re-prepared.
	OnScheduleInvalidated(schedule *types.Schedule)

	// CheckReadiness reports whether the prepared schedule can execute
	// right now.
	CheckReadiness(schedule *types.Schedule) types.ReadyResult

	// ExecuteSchedule runs the payload and calls done when execution has
	// fully completed.
	ExecuteSchedule(schedule *types.Schedule, done func())

	// OnExecutionInterrupted informs the driver that a previous process
	// died while this schedule was executing.
	OnExecutionInterrupted(schedule *types.Schedule)
}

// DriverRegistry maps schedule payload types to their drivers. Schedule
// payloads form a closed tagged union: unknown types are a definitional
// error at prepare time, not a fallback path.
type DriverRegistry struct {
	drivers map[string]Driver
}

// NewDriverRegistry creates an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[string]Driver)}
}

// Register binds a schedule type to a driver, replacing any previous
// binding.
func (r *DriverRegistry) Register(scheduleType string, d Driver) {
	r.drivers[scheduleType] = d
}

// Driver returns the driver for a schedule type.
func (r *DriverRegistry) Driver(scheduleType string) (Driver, bool) {
	d, ok := r.drivers[scheduleType]
	return d, ok
}

// Environment reports live application state used to evaluate delay
// conditions immediately before a readiness check. Implemented by the host;
// a nil Environment skips screen/region/app-state gating.
type Environment interface {
	AppState() types.AppState
	CurrentScreen() string
	CurrentRegion() string
}

// CompoundFeed delivers compound trigger signals (session state, version
// change) to the engine. Subscribe returns a teardown function. Feeds that
// replay their current value on subscription must pass the time the value
// last changed, so the engine can suppress stale deliveries.
type CompoundFeed interface {
	Subscribe(t types.TriggerType, fn func(ev types.Event, changedAt time.Time)) (cancel func())
}

// Listener observes terminal schedule outcomes. Notifications are delivered
// on the engine's notifier goroutine, best-effort: nothing is buffered for
// listeners registered after the fact.
type Listener interface {
	OnScheduleNotice(notice types.NoticeType, schedule *types.Schedule)
}
