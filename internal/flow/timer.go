// Package flow provides timer implementations for deferred view transitions.
package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules one-shot callbacks that can be cancelled by ID.
type Timer interface {
	// ScheduleAfter schedules fn to run once after delay and returns its ID
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// Cancel cancels a scheduled callback; unknown or fired IDs are a no-op
	Cancel(id string) error
}

type timerEntry struct {
	timer *time.Timer
}

// SimpleTimer implements Timer using time.AfterFunc.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("timer callback is nil")
	}
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)

	entry := &timerEntry{}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})
	t.timers[id] = entry

	slog.Debug("SimpleTimer ScheduleAfter succeeded", "id", id, "delay", delay)
	return id, nil
}

// Cancel cancels a scheduled function by ID.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[id]; exists {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
		return nil
	}

	slog.Debug("SimpleTimer Cancel: timer not found", "id", id)
	return nil
}

// pending returns the number of callbacks that have neither fired nor been cancelled.
func (t *SimpleTimer) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	count := len(t.timers)
	t.timers = make(map[string]*timerEntry)
	slog.Info("SimpleTimer stopped all timers", "count", count)
}
