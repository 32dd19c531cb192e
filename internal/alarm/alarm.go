// Package alarm provides one-shot cancelable timers for the automation
// engine. The engine owns all alarm bookkeeping (which schedule an alarm
// belongs to, restart restoration); this package only runs callbacks after a
// delay.
package alarm

import (
	"sync"
	"time"
)

// Handle represents a scheduled alarm that can be cancelled before it fires.
type Handle interface {
	// Cancel stops the alarm. It returns false if the alarm already fired
	// or was already cancelled.
	Cancel() bool
}

// Scheduler schedules a one-shot callback after a delay.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Handle
}

// TimerScheduler is the production Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

// NewTimerScheduler creates a Scheduler backed by real timers.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{}
}

// Schedule arms a one-shot timer. A non-positive delay fires the callback on
// its own goroutine immediately.
func (s *TimerScheduler) Schedule(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	h := &timerHandle{}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.done {
			h.mu.Unlock()
			return
		}
		h.done = true
		h.mu.Unlock()
		fn()
	})
	return h
}

type timerHandle struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func (h *timerHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return h.timer.Stop()
}

// ManualScheduler is a test Scheduler whose alarms fire only when advanced
// explicitly. It keeps its own notion of elapsed time so tests can simulate
// delays deterministically.
type ManualScheduler struct {
	mu      sync.Mutex
	elapsed time.Duration
	next    int
	pending map[int]*manualAlarm
}

type manualAlarm struct {
	due time.Duration
	fn  func()
}

// NewManualScheduler creates an empty ManualScheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[int]*manualAlarm)}
}

// Schedule registers an alarm due after d of simulated time.
func (s *ManualScheduler) Schedule(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	id := s.next
	s.next++
	s.pending[id] = &manualAlarm{due: s.elapsed + d, fn: fn}
	return &manualHandle{s: s, id: id}
}

// Advance moves simulated time forward and fires all alarms that became due,
// in due order. Callbacks run synchronously on the caller's goroutine.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.elapsed += d
	var due []func()
	for {
		bestID := -1
		var best *manualAlarm
		for id, a := range s.pending {
			if a.due > s.elapsed {
				continue
			}
			if best == nil || a.due < best.due || (a.due == best.due && id < bestID) {
				bestID, best = id, a
			}
		}
		if best == nil {
			break
		}
		delete(s.pending, bestID)
		due = append(due, best.fn)
	}
	s.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// Pending returns the number of armed alarms.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type manualHandle struct {
	s  *ManualScheduler
	id int
}

func (h *manualHandle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if _, ok := h.s.pending[h.id]; !ok {
		return false
	}
	delete(h.s.pending, h.id)
	return true
}
