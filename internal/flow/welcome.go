package flow

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWelcomeDelay is how long the welcome screen lingers before auto-advancing.
const DefaultWelcomeDelay = 5000 * time.Millisecond

// ErrWelcomeAlreadyArmed is returned when Arm is called more than once.
var ErrWelcomeAlreadyArmed = errors.New("welcome timer already armed")

const (
	welcomeIdle int32 = iota
	welcomeArmed
	welcomeClaimed
	welcomeCancelled
)

// WelcomeTimer is the one-shot auto-advance out of the welcome screen.
//
// The scheduled callback and the user's "continue" action share one token:
// whichever claims it first wins and the other becomes a no-op. Cancelling
// is safe at any point and at most once effective.
type WelcomeTimer struct {
	timer Timer
	state atomic.Int32

	mu sync.Mutex
	id string
}

// NewWelcomeTimer creates an unarmed welcome timer on top of timer.
func NewWelcomeTimer(timer Timer) *WelcomeTimer {
	return &WelcomeTimer{timer: timer}
}

// Arm schedules onFire after delay. onFire runs at most once, and only if
// neither Claim nor Cancel got there first.
func (w *WelcomeTimer) Arm(delay time.Duration, onFire func()) error {
	if !w.state.CompareAndSwap(welcomeIdle, welcomeArmed) {
		return ErrWelcomeAlreadyArmed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	id, err := w.timer.ScheduleAfter(delay, func() {
		if w.state.CompareAndSwap(welcomeArmed, welcomeClaimed) {
			onFire()
		}
	})
	if err != nil {
		w.state.Store(welcomeCancelled)
		return err
	}
	w.id = id
	return nil
}

// Claim takes the token for an explicit user action. It reports whether the
// caller won; the pending callback is cancelled either way.
func (w *WelcomeTimer) Claim() bool {
	won := w.state.CompareAndSwap(welcomeArmed, welcomeClaimed)
	if won {
		w.cancelScheduled()
	}
	return won
}

// Cancel invalidates the token without performing the transition.
func (w *WelcomeTimer) Cancel() bool {
	cancelled := w.state.CompareAndSwap(welcomeArmed, welcomeCancelled)
	if cancelled {
		w.cancelScheduled()
		slog.Debug("WelcomeTimer.Cancel: pending transition cancelled")
	}
	return cancelled
}

// pending reports whether the transition is armed and not yet claimed or cancelled.
func (w *WelcomeTimer) pending() bool {
	return w.state.Load() == welcomeArmed
}

func (w *WelcomeTimer) cancelScheduled() {
	w.mu.Lock()
	id := w.id
	w.mu.Unlock()
	if id == "" {
		return
	}
	if err := w.timer.Cancel(id); err != nil {
		slog.Warn("WelcomeTimer: cancel failed", "id", id, "error", err)
	}
}
