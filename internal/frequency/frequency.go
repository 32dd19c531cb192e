// Package frequency answers whether a schedule is over its frequency caps.
// The engine consumes the Limiter interface; a checker is obtained once per
// prepare (itself a retryable operation since it may require a store read)
// and cached until execution, where CheckAndIncrement is the final gate.
package frequency

import (
	"context"
	"sync"
	"time"
)

// Checker answers cap questions for one fixed set of constraint ids.
type Checker interface {
	// IsOverLimit reports whether any constraint is currently at its cap.
	IsOverLimit() bool
	// CheckAndIncrement records an occurrence if every constraint is under
	// its cap and reports whether the occurrence was admitted.
	CheckAndIncrement() bool
}

// Limiter hands out checkers for sets of constraint ids.
type Limiter interface {
	GetChecker(ctx context.Context, constraintIDs []string) (Checker, error)
}

// Constraint is a rolling-window occurrence cap.
type Constraint struct {
	ID string
	// Count is the maximum occurrences inside Window.
	Count int
	// Window is the rolling period; zero means the cap never resets.
	Window time.Duration
}

// MemoryLimiter is an in-process Limiter with rolling-window constraints.
// Occurrences are shared by every checker referencing a constraint id, so
// caps apply across schedules.
type MemoryLimiter struct {
	clock func() time.Time

	mu          sync.Mutex
	constraints map[string]Constraint
	occurrences map[string][]time.Time
}

// NewMemoryLimiter creates a MemoryLimiter over the given constraints.
// The clock is overridable for tests; nil uses time.Now.
func NewMemoryLimiter(constraints []Constraint, clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	m := &MemoryLimiter{
		clock:       clock,
		constraints: make(map[string]Constraint, len(constraints)),
		occurrences: make(map[string][]time.Time),
	}
	for _, c := range constraints {
		m.constraints[c.ID] = c
	}
	return m
}

// SetConstraint adds or replaces a constraint definition.
func (m *MemoryLimiter) SetConstraint(c Constraint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints[c.ID] = c
}

// GetChecker implements Limiter. Unknown constraint ids are treated as
// unconstrained, matching the behavior of a cap that was deleted remotely.
func (m *MemoryLimiter) GetChecker(_ context.Context, constraintIDs []string) (Checker, error) {
	ids := append([]string(nil), constraintIDs...)
	return &memoryChecker{limiter: m, ids: ids}, nil
}

type memoryChecker struct {
	limiter *MemoryLimiter
	ids     []string
}

func (c *memoryChecker) IsOverLimit() bool {
	c.limiter.mu.Lock()
	defer c.limiter.mu.Unlock()
	now := c.limiter.clock()
	for _, id := range c.ids {
		if c.limiter.overLimitLocked(id, now) {
			return true
		}
	}
	return false
}

func (c *memoryChecker) CheckAndIncrement() bool {
	c.limiter.mu.Lock()
	defer c.limiter.mu.Unlock()
	now := c.limiter.clock()
	for _, id := range c.ids {
		if c.limiter.overLimitLocked(id, now) {
			return false
		}
	}
	for _, id := range c.ids {
		if _, ok := c.limiter.constraints[id]; ok {
			c.limiter.occurrences[id] = append(c.limiter.occurrences[id], now)
		}
	}
	return true
}

// overLimitLocked prunes expired occurrences and reports cap exhaustion.
// Callers must hold the mutex.
func (m *MemoryLimiter) overLimitLocked(id string, now time.Time) bool {
	constraint, ok := m.constraints[id]
	if !ok {
		return false
	}
	occurrences := m.occurrences[id]
	if constraint.Window > 0 {
		cutoff := now.Add(-constraint.Window)
		kept := occurrences[:0]
		for _, t := range occurrences {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		occurrences = kept
		m.occurrences[id] = occurrences
	}
	return len(occurrences) >= constraint.Count
}
