package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"autoflow/internal/types"
)

// ScheduleRepository is the PostgreSQL-backed schedule store.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a repository backed by the given connection
// (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, type, data, group_id, priority, fulfillment_limit,
	fulfillment_count, start_at, end_at, cooldown_interval_ms, edit_grace_period_ms,
	delay, audience, frequency_constraint_ids, metadata, execution_state,
	execution_state_date, trigger_context`

// Insert stores the given schedules and their trigger rows in one batch.
// Missing schedule and trigger ids are generated.
func (r *ScheduleRepository) Insert(ctx context.Context, schedules []*types.Schedule) error {
	batch := &pgx.Batch{}
	for _, s := range schedules {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		batch.Queue(
			`INSERT INTO schedules (`+scheduleColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			s.ID, s.Type, rawOrNil(s.Data), s.Group, s.Priority, s.Limit,
			s.Count, s.Start, s.End, s.Interval.Milliseconds(), s.EditGracePeriod.Milliseconds(),
			jsonbOrNil(s.Delay), jsonbOrNil(s.Audience), s.FrequencyConstraintIDs,
			rawOrNil(s.Metadata), string(s.ExecutionState), s.ExecutionStateDate,
			jsonbOrNil(s.TriggerContext),
		)
		queueTriggerInserts(batch, s)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to insert schedules", err)
		}
	}
	return nil
}

func queueTriggerInserts(batch *pgx.Batch, s *types.Schedule) {
	stamp := func(t *types.Trigger, cancellation bool) {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.ParentScheduleID = s.ID
		t.IsCancellation = cancellation
		batch.Queue(
			`INSERT INTO schedule_triggers (id, parent_schedule_id, type, goal, predicate, progress, is_cancellation)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			t.ID, t.ParentScheduleID, string(t.Type), t.Goal,
			jsonbOrNil(t.Predicate), t.Progress, t.IsCancellation,
		)
	}
	for i := range s.Triggers {
		stamp(&s.Triggers[i], false)
	}
	if s.Delay != nil {
		for i := range s.Delay.CancellationTriggers {
			stamp(&s.Delay.CancellationTriggers[i], true)
		}
	}
}

// Get returns the schedule with the given id, or nil when absent.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*types.Schedule, error) {
	schedules, err := r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, nil
	}
	return schedules[0], nil
}

// GetByIDs returns the schedules with the given ids, in priority order.
func (r *ScheduleRepository) GetByIDs(ctx context.Context, ids []string) ([]*types.Schedule, error) {
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ANY($1) ORDER BY priority ASC, id ASC`, ids)
}

// GetByGroup returns the schedules in the given group.
func (r *ScheduleRepository) GetByGroup(ctx context.Context, group string) ([]*types.Schedule, error) {
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE group_id = $1 ORDER BY priority ASC, id ASC`, group)
}

// GetByType returns the schedules with the given payload type.
func (r *ScheduleRepository) GetByType(ctx context.Context, scheduleType string) ([]*types.Schedule, error) {
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE type = $1 ORDER BY priority ASC, id ASC`, scheduleType)
}

// GetByStates returns the schedules currently in any of the given states.
func (r *ScheduleRepository) GetByStates(ctx context.Context, states ...types.ExecutionState) ([]*types.Schedule, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return r.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE execution_state = ANY($1) ORDER BY priority ASC, id ASC`, names)
}

// Count returns the total number of stored schedules.
func (r *ScheduleRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM schedules`).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStore, "failed to count schedules", err)
	}
	return n, nil
}

// Update persists the schedule row and the progress of its trigger rows.
func (r *ScheduleRepository) Update(ctx context.Context, s *types.Schedule) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`UPDATE schedules SET
			data = $2, group_id = $3, priority = $4, fulfillment_limit = $5,
			fulfillment_count = $6, start_at = $7, end_at = $8,
			cooldown_interval_ms = $9, edit_grace_period_ms = $10, delay = $11,
			audience = $12, frequency_constraint_ids = $13, metadata = $14,
			execution_state = $15, execution_state_date = $16, trigger_context = $17
		 WHERE id = $1`,
		s.ID, rawOrNil(s.Data), s.Group, s.Priority, s.Limit,
		s.Count, s.Start, s.End,
		s.Interval.Milliseconds(), s.EditGracePeriod.Milliseconds(), jsonbOrNil(s.Delay),
		jsonbOrNil(s.Audience), s.FrequencyConstraintIDs, rawOrNil(s.Metadata),
		string(s.ExecutionState), s.ExecutionStateDate, jsonbOrNil(s.TriggerContext),
	)
	for _, t := range s.AllTriggers() {
		batch.Queue(
			`UPDATE schedule_triggers SET progress = $2 WHERE id = $1`,
			t.ID, t.Progress,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to update schedule", err)
		}
	}
	return nil
}

// Delete removes the given schedules; trigger rows cascade.
func (r *ScheduleRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM schedules WHERE id = ANY($1)`, ids); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to delete schedules", err)
	}
	return nil
}

// ActiveTriggers returns every trigger row of the given type whose parent
// schedule still exists. The cascade constraint makes parent existence
// implicit.
func (r *ScheduleRepository) ActiveTriggers(ctx context.Context, triggerType types.TriggerType) ([]types.Trigger, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, parent_schedule_id, type, goal, predicate, progress, is_cancellation
		 FROM schedule_triggers WHERE type = $1`, string(triggerType))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to query triggers", err)
	}
	defer rows.Close()

	var triggers []types.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read triggers", err)
	}
	return triggers, nil
}

// UpdateTriggerProgress batch-writes the progress accumulators mutated by one
// evaluation pass.
func (r *ScheduleRepository) UpdateTriggerProgress(ctx context.Context, triggers []types.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range triggers {
		batch.Queue(`UPDATE schedule_triggers SET progress = $2 WHERE id = $1`, t.ID, t.Progress)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return types.NewAppError(types.ErrCodeInternalStore, "failed to update trigger progress", err)
		}
	}
	return nil
}

// query runs a schedule select and hydrates trigger rows for each result.
func (r *ScheduleRepository) query(ctx context.Context, sql string, args ...any) ([]*types.Schedule, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to query schedules", err)
	}
	defer rows.Close()

	var schedules []*types.Schedule
	byID := make(map[string]*types.Schedule)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read schedules", err)
	}
	if len(schedules) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(schedules))
	for _, s := range schedules {
		ids = append(ids, s.ID)
	}
	if err := r.hydrateTriggers(ctx, byID, ids); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *ScheduleRepository) hydrateTriggers(ctx context.Context, byID map[string]*types.Schedule, ids []string) error {
	rows, err := r.db.Query(ctx,
		`SELECT id, parent_schedule_id, type, goal, predicate, progress, is_cancellation
		 FROM schedule_triggers WHERE parent_schedule_id = ANY($1) ORDER BY id ASC`, ids)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to query schedule triggers", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return err
		}
		s, ok := byID[t.ParentScheduleID]
		if !ok {
			continue
		}
		if t.IsCancellation {
			if s.Delay == nil {
				s.Delay = &types.ScheduleDelay{}
			}
			s.Delay.CancellationTriggers = append(s.Delay.CancellationTriggers, t)
		} else {
			s.Triggers = append(s.Triggers, t)
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to read schedule triggers", err)
	}
	return nil
}

func scanSchedule(rows pgx.Rows) (*types.Schedule, error) {
	var (
		s              types.Schedule
		data, metadata []byte
		intervalMS     int64
		graceMS        int64
		delay          []byte
		aud            []byte
		tc             []byte
		state          string
		start, end     *time.Time
	)
	err := rows.Scan(&s.ID, &s.Type, &data, &s.Group, &s.Priority, &s.Limit,
		&s.Count, &start, &end, &intervalMS, &graceMS,
		&delay, &aud, &s.FrequencyConstraintIDs, &metadata, &state,
		&s.ExecutionStateDate, &tc)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to scan schedule", err)
	}

	s.Data = json.RawMessage(data)
	s.Metadata = json.RawMessage(metadata)
	s.Start = start
	s.End = end
	s.Interval = time.Duration(intervalMS) * time.Millisecond
	s.EditGracePeriod = time.Duration(graceMS) * time.Millisecond
	s.ExecutionState = types.ExecutionState(state)

	if err := unmarshalInto(delay, &s.Delay); err != nil {
		return nil, err
	}
	if err := unmarshalInto(aud, &s.Audience); err != nil {
		return nil, err
	}
	if err := unmarshalInto(tc, &s.TriggerContext); err != nil {
		return nil, err
	}
	// Trigger rows are hydrated separately; the persisted delay JSON also
	// carries cancellation trigger snapshots, which the row hydration
	// replaces with live progress.
	if s.Delay != nil {
		s.Delay.CancellationTriggers = nil
	}
	return &s, nil
}

func scanTrigger(rows pgx.Rows) (types.Trigger, error) {
	var (
		t           types.Trigger
		triggerType string
		predicate   []byte
	)
	err := rows.Scan(&t.ID, &t.ParentScheduleID, &triggerType, &t.Goal,
		&predicate, &t.Progress, &t.IsCancellation)
	if err != nil {
		return t, types.NewAppError(types.ErrCodeInternalStore, "failed to scan trigger", err)
	}
	t.Type = types.TriggerType(triggerType)
	if err := unmarshalInto(predicate, &t.Predicate); err != nil {
		return t, err
	}
	return t, nil
}

// unmarshalInto decodes a nullable JSONB column into a pointer field.
func unmarshalInto[T any](data []byte, dest **T) error {
	if len(data) == 0 {
		*dest = nil
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to decode jsonb column", err)
	}
	*dest = v
	return nil
}

// rawOrNil maps an empty json.RawMessage to a SQL NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// jsonbOrNil maps a nil pointer to SQL NULL and otherwise defers to the
// type's driver.Valuer implementation.
func jsonbOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
