// Package engine implements the automation engine: a persisted schedule
// lifecycle state machine driven by trigger evaluation, alarms, and an
// asynchronous prepare/readiness/execute driver protocol.
//
// Concurrency model: all schedule and trigger mutation happens on one
// serialized work queue (a single goroutine), which gives state transitions
// single-threaded semantics. Driver readiness checks and live condition
// reads run on a separate hand-off goroutine with a bounded, single-in-flight
// synchronous wait. Prepare and execute are fully asynchronous; their
// continuations are dispatched back onto the queue before touching persisted
// state, and every continuation re-fetches the schedule and no-ops if the
// expected prior state no longer holds.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"autoflow/internal/alarm"
	"autoflow/internal/audience"
	"autoflow/internal/frequency"
	"autoflow/internal/pipeline"
	"autoflow/internal/remote"
	"autoflow/internal/types"
)

// DefaultScheduleCap is the maximum number of stored schedules unless
// configured otherwise.
const DefaultScheduleCap = 1000

// DefaultReadinessTimeout bounds the serialized queue's wait on one
// readiness hand-off.
const DefaultReadinessTimeout = 10 * time.Second

// DefaultSweepInterval is how often the cleanup sweep runs. The sweep is a
// pure cleanup path: every transition performs its own expiry and limit
// checks.
const DefaultSweepInterval = time.Minute

// Config assembles the engine's collaborators and tuning parameters.
type Config struct {
	Store    ScheduleStore
	Drivers  *DriverRegistry
	Alarms   alarm.Scheduler
	Clock    types.Clock
	Logger   *slog.Logger

	// Optional collaborators.
	Limiter     frequency.Limiter
	Memberships audience.MembershipSource
	Tags        audience.TagResolver
	Deferred    remote.Resolver
	Environment Environment
	Feed        CompoundFeed

	// ScheduleCap limits total stored schedules; 0 uses DefaultScheduleCap.
	ScheduleCap int
	// ReadinessTimeout bounds one readiness hand-off; 0 uses the default.
	ReadinessTimeout time.Duration
	// SweepInterval paces the cleanup sweep; 0 uses the default.
	SweepInterval time.Duration
	// PrepareRetry is the backoff policy for prepare pipeline retries.
	PrepareRetry pipeline.RetryPolicy
}

// Engine is the automation orchestrator.
type Engine struct {
	cfg    Config
	store  ScheduleStore
	alarms alarm.Scheduler
	clock  types.Clock
	logger *slog.Logger

	queue   chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	handoff *handoff

	paused  atomic.Bool
	started atomic.Bool

	// Queue-owned bookkeeping. Only read and written from the serialized
	// queue goroutine; fully reconstructable from the store after restart.
	pendingAlarms  map[string]alarm.Handle
	prepareCancels map[string]context.CancelFunc
	checkers       map[string]frequency.Checker
	lastCompound   map[types.TriggerType]time.Time
	subscriptions  map[types.TriggerType]func()

	baseCtx    context.Context
	baseCancel context.CancelFunc

	notifyCh chan notice
	notifyWG sync.WaitGroup

	listenerMu sync.Mutex
	listeners  []Listener
}

type notice struct {
	kind     types.NoticeType
	schedule *types.Schedule
}

// New creates an engine. Call Start before using it.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Alarms == nil {
		cfg.Alarms = alarm.NewTimerScheduler()
	}
	if cfg.Drivers == nil {
		cfg.Drivers = NewDriverRegistry()
	}
	if cfg.ScheduleCap <= 0 {
		cfg.ScheduleCap = DefaultScheduleCap
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PrepareRetry == (pipeline.RetryPolicy{}) {
		cfg.PrepareRetry = pipeline.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		store:          cfg.Store,
		alarms:         cfg.Alarms,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With("component", "engine"),
		queue:          make(chan func(), 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		pendingAlarms:  make(map[string]alarm.Handle),
		prepareCancels: make(map[string]context.CancelFunc),
		checkers:       make(map[string]frequency.Checker),
		lastCompound:   make(map[types.TriggerType]time.Time),
		subscriptions:  make(map[types.TriggerType]func()),
		baseCtx:        ctx,
		baseCancel:     cancel,
		notifyCh:       make(chan notice, 64),
	}
}

// Start runs crash recovery, subscribes compound trigger feeds, and begins
// processing. Recovery completes before any event is processed.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return types.NewAppError(types.ErrCodeConflictEngineStopped, "engine already started", nil)
	}

	e.handoff = newHandoff(e.cfg.ReadinessTimeout)

	e.notifyWG.Add(1)
	go e.runNotifier()

	if err := e.restoreSchedules(ctx); err != nil {
		return fmt.Errorf("engine: restoring schedules: %w", err)
	}
	e.refreshSubscriptions(ctx)

	go e.runQueue()
	go e.runSweeper()

	e.logger.InfoContext(ctx, "engine started",
		"schedule_cap", e.cfg.ScheduleCap,
		"readiness_timeout", e.cfg.ReadinessTimeout.String(),
	)
	return nil
}

// Stop shuts the engine down: feed subscriptions are torn down, in-flight
// prepare pipelines are cancelled, and the queue drains.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.baseCancel()
	<-e.doneCh

	for t, cancel := range e.subscriptions {
		cancel()
		delete(e.subscriptions, t)
	}
	for id, cancel := range e.prepareCancels {
		cancel()
		delete(e.prepareCancels, id)
	}
	for id, h := range e.pendingAlarms {
		h.Cancel()
		delete(e.pendingAlarms, id)
	}

	e.handoff.close()
	close(e.notifyCh)
	e.notifyWG.Wait()
	e.logger.Info("engine stopped")
}

// runQueue drains the serialized work queue until Stop.
func (e *Engine) runQueue() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			// Drain whatever is already queued so submitWait callers
			// are released.
			for {
				select {
				case fn := <-e.queue:
					fn()
				default:
					return
				}
			}
		case fn := <-e.queue:
			fn()
		}
	}
}

// runSweeper paces the periodic cleanup sweep.
func (e *Engine) runSweeper() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.submit(func() { e.sweep(e.baseCtx) })
		}
	}
}

// submit enqueues work onto the serialized queue. After Stop the work is
// dropped.
func (e *Engine) submit(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.stopCh:
	}
}

// submitWait runs fn on the serialized queue and waits for it to complete.
func (e *Engine) submitWait(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.queue <- wrapped:
	case <-e.stopCh:
		return types.NewAppError(types.ErrCodeConflictEngineStopped, "engine is stopped", nil)
	}
	select {
	case <-done:
		return nil
	case <-e.stopCh:
		// The queue drains on stop; wait for the job to finish.
		<-done
		return nil
	}
}

// AddListener registers a schedule outcome listener.
func (e *Engine) AddListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (e *Engine) RemoveListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// notify dispatches a notice to listeners, best-effort: if the notifier is
// backed up, the notice is dropped rather than blocking the queue.
func (e *Engine) notify(kind types.NoticeType, s *types.Schedule) {
	select {
	case e.notifyCh <- notice{kind: kind, schedule: s.Clone()}:
	default:
		e.logger.Warn("listener notice dropped",
			"notice", string(kind),
			"schedule_id", s.ID,
		)
	}
}

func (e *Engine) runNotifier() {
	defer e.notifyWG.Done()
	for n := range e.notifyCh {
		e.listenerMu.Lock()
		listeners := append([]Listener(nil), e.listeners...)
		e.listenerMu.Unlock()
		for _, l := range listeners {
			l.OnScheduleNotice(n.kind, n.schedule)
		}
	}
}

// SetPaused globally suppresses trigger processing and activation. Events
// received while paused are dropped, not buffered.
func (e *Engine) SetPaused(paused bool) {
	e.paused.Store(paused)
	e.logger.Info("engine pause toggled", "paused", paused)
}

// IsPaused reports the global pause flag.
func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// Schedule validates and stores the given schedule definitions. The call
// fails without a partial insert if it would exceed the schedule cap.
func (e *Engine) Schedule(ctx context.Context, schedules []*types.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	for _, s := range schedules {
		if err := types.ValidateSchedule(s); err != nil {
			return err
		}
	}

	var opErr error
	err := e.submitWait(func() {
		count, err := e.store.Count(ctx)
		if err != nil {
			opErr = err
			return
		}
		if count+len(schedules) > e.cfg.ScheduleCap {
			opErr = types.NewAppErrorWithDetails(types.ErrCodeLimitSchedules,
				"schedule capacity exceeded", nil,
				map[string]any{"capacity": e.cfg.ScheduleCap, "stored": count, "requested": len(schedules)})
			return
		}

		now := e.clock.Now()
		for _, s := range schedules {
			s.Count = 0
			s.ExecutionState = types.StateIdle
			s.ExecutionStateDate = now
			s.TriggerContext = nil
		}
		if err := e.store.Insert(ctx, schedules); err != nil {
			opErr = err
			return
		}
		for _, s := range schedules {
			e.notify(types.NoticeScheduled, s)
		}
		e.refreshSubscriptions(ctx)
	})
	if err != nil {
		return err
	}
	return opErr
}

// GetSchedule returns the schedule with the given id, or a not-found error.
func (e *Engine) GetSchedule(ctx context.Context, id string) (*types.Schedule, error) {
	var (
		result *types.Schedule
		opErr  error
	)
	err := e.submitWait(func() {
		result, opErr = e.store.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	if result == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return result, nil
}

// GetSchedulesByGroup returns the schedules in the given group.
func (e *Engine) GetSchedulesByGroup(ctx context.Context, group string) ([]*types.Schedule, error) {
	var (
		result []*types.Schedule
		opErr  error
	)
	if err := e.submitWait(func() {
		result, opErr = e.store.GetByGroup(ctx, group)
	}); err != nil {
		return nil, err
	}
	return result, opErr
}

// GetSchedulesByType returns the schedules with the given payload type.
func (e *Engine) GetSchedulesByType(ctx context.Context, scheduleType string) ([]*types.Schedule, error) {
	var (
		result []*types.Schedule
		opErr  error
	)
	if err := e.submitWait(func() {
		result, opErr = e.store.GetByType(ctx, scheduleType)
	}); err != nil {
		return nil, err
	}
	return result, opErr
}

// Cancel deletes the schedules with the given ids.
func (e *Engine) Cancel(ctx context.Context, ids []string) error {
	var opErr error
	if err := e.submitWait(func() {
		schedules, err := e.store.GetByIDs(ctx, ids)
		if err != nil {
			opErr = err
			return
		}
		opErr = e.cancelSchedules(ctx, schedules)
	}); err != nil {
		return err
	}
	return opErr
}

// CancelGroup deletes every schedule in the given group.
func (e *Engine) CancelGroup(ctx context.Context, group string) error {
	var opErr error
	if err := e.submitWait(func() {
		schedules, err := e.store.GetByGroup(ctx, group)
		if err != nil {
			opErr = err
			return
		}
		opErr = e.cancelSchedules(ctx, schedules)
	}); err != nil {
		return err
	}
	return opErr
}

// CancelType deletes every schedule with the given payload type.
func (e *Engine) CancelType(ctx context.Context, scheduleType string) error {
	var opErr error
	if err := e.submitWait(func() {
		schedules, err := e.store.GetByType(ctx, scheduleType)
		if err != nil {
			opErr = err
			return
		}
		opErr = e.cancelSchedules(ctx, schedules)
	}); err != nil {
		return err
	}
	return opErr
}

// EditSchedule applies a partial edit set to a schedule. Edits may
// rehabilitate a finished schedule back to idle when they remove the
// condition that finished it, or force-finish an active schedule when they
// newly violate its limit or expiry.
func (e *Engine) EditSchedule(ctx context.Context, id string, edits *types.ScheduleEdits) (*types.Schedule, error) {
	if err := types.ValidateEdits(edits); err != nil {
		return nil, err
	}

	var (
		result *types.Schedule
		opErr  error
	)
	err := e.submitWait(func() {
		s, err := e.store.Get(ctx, id)
		if err != nil {
			opErr = err
			return
		}
		if s == nil {
			opErr = types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
			return
		}

		edits.Apply(s)
		now := e.clock.Now()

		switch {
		case s.ExecutionState == types.StateFinished:
			revived := !s.OverLimit() && !s.IsExpired(now)
			if revived {
				// The finishing condition is gone; revive the schedule.
				s.SetExecutionState(types.StateIdle, now)
			}
			if opErr = e.store.Update(ctx, s); opErr != nil {
				return
			}
			if revived {
				e.refreshSubscriptions(ctx)
			}
		case s.IsExpired(now):
			e.abortInFlight(s.ID)
			opErr = e.finishSchedule(ctx, s, types.NoticeExpired)
		case s.OverLimit():
			e.abortInFlight(s.ID)
			opErr = e.finishSchedule(ctx, s, types.NoticeLimitReached)
		default:
			if opErr = e.store.Update(ctx, s); opErr != nil {
				return
			}
			if edits.Data != nil &&
				(s.ExecutionState == types.StatePreparing || s.ExecutionState == types.StateWaitingConditions) {
				// The payload changed under an in-flight occurrence;
				// anything already prepared is stale.
				e.abortInFlight(s.ID)
				if d, ok := e.cfg.Drivers.Driver(s.Type); ok {
					d.OnScheduleInvalidated(s.Clone())
				}
				s.SetExecutionState(types.StatePreparing, now)
				if opErr = e.store.Update(ctx, s); opErr != nil {
					return
				}
				e.startPrepare(ctx, s)
			}
		}
		result = s
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// ProcessEvent feeds one event from the application event feed into trigger
// evaluation. Events are processed in arrival order on the serialized queue;
// while the engine is paused they are dropped.
func (e *Engine) ProcessEvent(ev types.Event) {
	if e.paused.Load() {
		return
	}
	e.submit(func() { e.evaluateEvent(e.baseCtx, ev) })
}

// OnConditionsChanged tells the engine a delay condition input changed
// (foreground transition, screen change, connectivity regained). Every
// schedule waiting on conditions is re-checked in priority order.
func (e *Engine) OnConditionsChanged() {
	e.submit(func() { e.sweepWaiting(e.baseCtx) })
}
