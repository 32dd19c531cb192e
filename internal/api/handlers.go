package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"autoflow/internal/types"
)

// EngineService defines the engine contract the handler consumes. Matches
// the engine's public surface but is defined locally to avoid tight coupling.
type EngineService interface {
	Schedule(ctx context.Context, schedules []*types.Schedule) error
	GetSchedule(ctx context.Context, id string) (*types.Schedule, error)
	GetSchedulesByGroup(ctx context.Context, group string) ([]*types.Schedule, error)
	GetSchedulesByType(ctx context.Context, scheduleType string) ([]*types.Schedule, error)
	Cancel(ctx context.Context, ids []string) error
	CancelGroup(ctx context.Context, group string) error
	CancelType(ctx context.Context, scheduleType string) error
	EditSchedule(ctx context.Context, id string, edits *types.ScheduleEdits) (*types.Schedule, error)
	SetPaused(paused bool)
	IsPaused() bool
	ProcessEvent(ev types.Event)
}

// ScheduleHandler maps HTTP requests to engine operations.
type ScheduleHandler struct {
	engine   EngineService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewScheduleHandler creates a ScheduleHandler with the provided dependencies.
func NewScheduleHandler(engine EngineService, logger *slog.Logger) *ScheduleHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleHandler{
		engine:   engine,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes mounts the v1 endpoints onto the mux.
func (h *ScheduleHandler) RegisterRoutes(r chi.Router) {
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Delete("/", h.HandleBulkCancel)
		r.Get("/{id}", h.HandleGet)
		r.Patch("/{id}", h.HandleEdit)
		r.Delete("/{id}", h.HandleCancel)
	})
	r.Post("/events", h.HandleEvent)
	r.Put("/engine/paused", h.HandleSetPaused)
	r.Get("/engine/paused", h.HandleGetPaused)
}

// triggerRequest is the wire form of a trigger definition.
type triggerRequest struct {
	Type      string               `json:"type" validate:"required"`
	Goal      float64              `json:"goal" validate:"gt=0"`
	Predicate *types.JSONPredicate `json:"predicate,omitempty"`
}

// delayRequest is the wire form of a schedule delay.
type delayRequest struct {
	Seconds              float64          `json:"seconds,omitempty" validate:"gte=0"`
	AppState             string           `json:"app_state,omitempty" validate:"omitempty,oneof=foreground background"`
	Screens              []string         `json:"screens,omitempty"`
	RegionID             string           `json:"region_id,omitempty"`
	CancellationTriggers []triggerRequest `json:"cancellation_triggers,omitempty" validate:"max=10,dive"`
}

// scheduleRequest is the wire form of a schedule definition. Durations are
// expressed in seconds.
type scheduleRequest struct {
	ID                     string                  `json:"id,omitempty"`
	Type                   string                  `json:"type" validate:"required"`
	Data                   json.RawMessage         `json:"data,omitempty"`
	Group                  string                  `json:"group,omitempty"`
	Priority               int                     `json:"priority,omitempty"`
	Limit                  int                     `json:"limit,omitempty"`
	Start                  *time.Time              `json:"start,omitempty"`
	End                    *time.Time              `json:"end,omitempty"`
	IntervalSeconds        float64                 `json:"interval_seconds,omitempty" validate:"gte=0"`
	GracePeriodSeconds     float64                 `json:"edit_grace_period_seconds,omitempty" validate:"gte=0"`
	Triggers               []triggerRequest        `json:"triggers" validate:"required,min=1,max=10,dive"`
	Delay                  *delayRequest           `json:"delay,omitempty"`
	Audience               *types.AudienceSelector `json:"audience,omitempty"`
	FrequencyConstraintIDs []string                `json:"frequency_constraint_ids,omitempty"`
	Metadata               json.RawMessage         `json:"metadata,omitempty"`
}

// scheduleCreateRequest is the batch insert envelope.
type scheduleCreateRequest struct {
	Schedules []scheduleRequest `json:"schedules" validate:"required,min=1,dive"`
}

func (req *scheduleRequest) toDomain() *types.Schedule {
	s := &types.Schedule{
		ID:                     req.ID,
		Type:                   req.Type,
		Data:                   req.Data,
		Group:                  req.Group,
		Priority:               req.Priority,
		Limit:                  req.Limit,
		Start:                  req.Start,
		End:                    req.End,
		Interval:               secondsToDuration(req.IntervalSeconds),
		EditGracePeriod:        secondsToDuration(req.GracePeriodSeconds),
		FrequencyConstraintIDs: req.FrequencyConstraintIDs,
		Metadata:               req.Metadata,
		Audience:               req.Audience,
	}
	for _, t := range req.Triggers {
		s.Triggers = append(s.Triggers, types.Trigger{
			Type:      types.TriggerType(t.Type),
			Goal:      t.Goal,
			Predicate: t.Predicate,
		})
	}
	if req.Delay != nil {
		d := &types.ScheduleDelay{
			Wait:     secondsToDuration(req.Delay.Seconds),
			AppState: types.AppState(req.Delay.AppState),
			Screens:  req.Delay.Screens,
			RegionID: req.Delay.RegionID,
		}
		for _, t := range req.Delay.CancellationTriggers {
			d.CancellationTriggers = append(d.CancellationTriggers, types.Trigger{
				Type:           types.TriggerType(t.Type),
				Goal:           t.Goal,
				Predicate:      t.Predicate,
				IsCancellation: true,
			})
		}
		s.Delay = d
	}
	return s
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// scheduleResponse is the wire form of a stored schedule.
type scheduleResponse struct {
	ID                     string                  `json:"id"`
	Type                   string                  `json:"type"`
	Data                   json.RawMessage         `json:"data,omitempty"`
	Group                  string                  `json:"group,omitempty"`
	Priority               int                     `json:"priority"`
	Limit                  int                     `json:"limit"`
	Count                  int                     `json:"count"`
	Start                  *time.Time              `json:"start,omitempty"`
	End                    *time.Time              `json:"end,omitempty"`
	IntervalSeconds        float64                 `json:"interval_seconds,omitempty"`
	GracePeriodSeconds     float64                 `json:"edit_grace_period_seconds,omitempty"`
	Triggers               []types.Trigger         `json:"triggers"`
	Delay                  *types.ScheduleDelay    `json:"delay,omitempty"`
	Audience               *types.AudienceSelector `json:"audience,omitempty"`
	FrequencyConstraintIDs []string                `json:"frequency_constraint_ids,omitempty"`
	Metadata               json.RawMessage         `json:"metadata,omitempty"`
	ExecutionState         string                  `json:"execution_state"`
	ExecutionStateDate     time.Time               `json:"execution_state_date"`
}

func toResponse(s *types.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:                     s.ID,
		Type:                   s.Type,
		Data:                   s.Data,
		Group:                  s.Group,
		Priority:               s.Priority,
		Limit:                  s.Limit,
		Count:                  s.Count,
		Start:                  s.Start,
		End:                    s.End,
		IntervalSeconds:        s.Interval.Seconds(),
		GracePeriodSeconds:     s.EditGracePeriod.Seconds(),
		Triggers:               s.Triggers,
		Delay:                  s.Delay,
		Audience:               s.Audience,
		FrequencyConstraintIDs: s.FrequencyConstraintIDs,
		Metadata:               s.Metadata,
		ExecutionState:         string(s.ExecutionState),
		ExecutionStateDate:     s.ExecutionStateDate,
	}
}

func toResponses(in []*types.Schedule) []scheduleResponse {
	out := make([]scheduleResponse, 0, len(in))
	for _, s := range in {
		out = append(out, toResponse(s))
	}
	return out
}

// HandleCreate handles POST /v1/schedules.
func (h *ScheduleHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleCreateRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid schedule definition: "+err.Error(),
			err,
		))
		return
	}

	schedules := make([]*types.Schedule, 0, len(req.Schedules))
	for i := range req.Schedules {
		schedules = append(schedules, req.Schedules[i].toDomain())
	}
	if err := h.engine.Schedule(r.Context(), schedules); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusCreated, APIResponse{Data: toResponses(schedules)})
}

// HandleGet handles GET /v1/schedules/{id}.
func (h *ScheduleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.engine.GetSchedule(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: toResponse(s)})
}

// HandleList handles GET /v1/schedules?group=|type=.
func (h *ScheduleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group := q.Get("group")
	scheduleType := q.Get("type")

	var (
		schedules []*types.Schedule
		err       error
	)
	switch {
	case group != "":
		schedules, err = h.engine.GetSchedulesByGroup(r.Context(), group)
	case scheduleType != "":
		schedules, err = h.engine.GetSchedulesByType(r.Context(), scheduleType)
	default:
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"group or type query parameter is required",
			nil,
		))
		return
	}
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: toResponses(schedules)})
}

// editRequest is the wire form of a partial schedule edit. Durations are
// expressed in seconds.
type editRequest struct {
	Limit              *int                    `json:"limit,omitempty"`
	Start              *time.Time              `json:"start,omitempty"`
	End                *time.Time              `json:"end,omitempty"`
	Priority           *int                    `json:"priority,omitempty"`
	IntervalSeconds    *float64                `json:"interval_seconds,omitempty" validate:"omitempty,gte=0"`
	GracePeriodSeconds *float64                `json:"edit_grace_period_seconds,omitempty" validate:"omitempty,gte=0"`
	Data               json.RawMessage         `json:"data,omitempty"`
	Metadata           json.RawMessage         `json:"metadata,omitempty"`
	Audience           *types.AudienceSelector `json:"audience,omitempty"`
}

func (req *editRequest) toDomain() *types.ScheduleEdits {
	edits := &types.ScheduleEdits{
		Limit:    req.Limit,
		Start:    req.Start,
		End:      req.End,
		Priority: req.Priority,
		Data:     req.Data,
		Metadata: req.Metadata,
		Audience: req.Audience,
	}
	if req.IntervalSeconds != nil {
		d := secondsToDuration(*req.IntervalSeconds)
		edits.Interval = &d
	}
	if req.GracePeriodSeconds != nil {
		d := secondsToDuration(*req.GracePeriodSeconds)
		edits.EditGracePeriod = &d
	}
	return edits
}

// HandleEdit handles PATCH /v1/schedules/{id}.
func (h *ScheduleHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req editRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationEdit,
			"invalid edit: "+err.Error(),
			err,
		))
		return
	}

	s, err := h.engine.EditSchedule(r.Context(), id, req.toDomain())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: toResponse(s)})
}

// HandleCancel handles DELETE /v1/schedules/{id}.
func (h *ScheduleHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(r.Context(), []string{id}); err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBulkCancel handles DELETE /v1/schedules?group=|type=.
func (h *ScheduleHandler) HandleBulkCancel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group := q.Get("group")
	scheduleType := q.Get("type")

	var err error
	switch {
	case group != "":
		err = h.engine.CancelGroup(r.Context(), group)
	case scheduleType != "":
		err = h.engine.CancelType(r.Context(), scheduleType)
	default:
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"group or type query parameter is required",
			nil,
		))
		return
	}
	if err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventRequest is the wire form of an application event.
type eventRequest struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Value   *float64        `json:"value,omitempty" validate:"omitempty,gte=0"`
}

// HandleEvent handles POST /v1/events. Ingest is fire-and-forget: the event
// is queued for evaluation and the request returns immediately.
func (h *ScheduleHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid event: "+err.Error(),
			err,
		))
		return
	}
	triggerType := types.TriggerType(req.Type)
	if !triggerType.IsValid() {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationTriggerType,
			"unknown event type: "+req.Type,
			nil,
		))
		return
	}

	ev := types.NewCountEvent(triggerType, req.Payload)
	if req.Value != nil {
		ev = types.NewValueEvent(triggerType, req.Payload, *req.Value)
	}
	h.engine.ProcessEvent(ev)
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{"status": "accepted"}})
}

// pausedRequest is the wire form of the pause toggle.
type pausedRequest struct {
	Paused *bool `json:"paused" validate:"required"`
}

// HandleSetPaused handles PUT /v1/engine/paused.
func (h *ScheduleHandler) HandleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req pausedRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.Paused == nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"paused field is required",
			nil,
		))
		return
	}
	h.engine.SetPaused(*req.Paused)
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]bool{"paused": *req.Paused}})
}

// HandleGetPaused handles GET /v1/engine/paused.
func (h *ScheduleHandler) HandleGetPaused(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]bool{"paused": h.engine.IsPaused()}})
}
