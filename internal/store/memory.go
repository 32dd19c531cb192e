package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"autoflow/internal/types"
)

// MemoryStore is an in-memory schedule store. It hands out deep copies so
// callers can never mutate stored state except through Update, mirroring the
// read/modify/write discipline the repository enforces.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]*types.Schedule
	// order preserves insertion order so equal-priority fetches are stable.
	order []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*types.Schedule)}
}

// Insert stores the given schedules, generating missing ids.
func (m *MemoryStore) Insert(_ context.Context, schedules []*types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schedules {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		stampTriggerIDs(s)
		m.schedules[s.ID] = s.Clone()
		m.order = append(m.order, s.ID)
	}
	return nil
}

func stampTriggerIDs(s *types.Schedule) {
	for i := range s.Triggers {
		if s.Triggers[i].ID == "" {
			s.Triggers[i].ID = uuid.New().String()
		}
		s.Triggers[i].ParentScheduleID = s.ID
		s.Triggers[i].IsCancellation = false
	}
	if s.Delay != nil {
		for i := range s.Delay.CancellationTriggers {
			t := &s.Delay.CancellationTriggers[i]
			if t.ID == "" {
				t.ID = uuid.New().String()
			}
			t.ParentScheduleID = s.ID
			t.IsCancellation = true
		}
	}
}

// Get returns the schedule with the given id, or nil when absent.
func (m *MemoryStore) Get(_ context.Context, id string) (*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

// GetByIDs returns the schedules with the given ids in priority order.
func (m *MemoryStore) GetByIDs(_ context.Context, ids []string) ([]*types.Schedule, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return m.collect(func(s *types.Schedule) bool {
		_, ok := want[s.ID]
		return ok
	}), nil
}

// GetByGroup returns the schedules in the given group in priority order.
func (m *MemoryStore) GetByGroup(_ context.Context, group string) ([]*types.Schedule, error) {
	return m.collect(func(s *types.Schedule) bool { return s.Group == group }), nil
}

// GetByType returns the schedules with the given payload type in priority order.
func (m *MemoryStore) GetByType(_ context.Context, scheduleType string) ([]*types.Schedule, error) {
	return m.collect(func(s *types.Schedule) bool { return s.Type == scheduleType }), nil
}

// GetByStates returns schedules currently in any of the given states in
// priority order.
func (m *MemoryStore) GetByStates(_ context.Context, states ...types.ExecutionState) ([]*types.Schedule, error) {
	return m.collect(func(s *types.Schedule) bool {
		for _, state := range states {
			if s.ExecutionState == state {
				return true
			}
		}
		return false
	}), nil
}

// Count returns the number of stored schedules.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules), nil
}

// Update replaces the stored schedule. Unknown ids are a no-op so race
// losses (update racing a delete) stay silent, matching repository UPDATE
// semantics.
func (m *MemoryStore) Update(_ context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return nil
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

// Delete removes the given schedules and their triggers.
func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.schedules, id)
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.schedules[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

// ActiveTriggers returns every trigger of the given type whose parent
// schedule still exists.
func (m *MemoryStore) ActiveTriggers(_ context.Context, triggerType types.TriggerType) ([]types.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Trigger
	for _, id := range m.order {
		s := m.schedules[id]
		for _, t := range s.AllTriggers() {
			if t.Type == triggerType {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// UpdateTriggerProgress writes back the progress accumulators mutated by one
// evaluation pass.
func (m *MemoryStore) UpdateTriggerProgress(_ context.Context, triggers []types.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, updated := range triggers {
		s, ok := m.schedules[updated.ParentScheduleID]
		if !ok {
			continue
		}
		for i := range s.Triggers {
			if s.Triggers[i].ID == updated.ID {
				s.Triggers[i].Progress = updated.Progress
			}
		}
		if s.Delay != nil {
			for i := range s.Delay.CancellationTriggers {
				if s.Delay.CancellationTriggers[i].ID == updated.ID {
					s.Delay.CancellationTriggers[i].Progress = updated.Progress
				}
			}
		}
	}
	return nil
}

// collect snapshots matching schedules sorted by ascending priority, stable
// with respect to insertion order.
func (m *MemoryStore) collect(match func(*types.Schedule) bool) []*types.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Schedule
	for _, id := range m.order {
		s := m.schedules[id]
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
