// Package models defines orchestrator snapshot structures for SleepPath.
package models

import "time"

// StartupMode tells whether the session started from trusted persisted state.
type StartupMode string

const (
	StartupPending  StartupMode = "pending"
	StartupNormal   StartupMode = "normal"
	StartupDegraded StartupMode = "degraded"
)

// ViewCorrection records a guard override of a requested view.
type ViewCorrection struct {
	Requested ViewState `json:"requested"`
	Applied   ViewState `json:"applied"`
	Rule      int       `json:"rule"`
	At        time.Time `json:"at"`
}

// Snapshot is an immutable copy of one session's orchestrator state.
type Snapshot struct {
	UserID         string             `json:"user_id"`
	View           ViewState          `json:"view"`
	ShowingWelcome bool               `json:"showing_welcome"`
	Initialized    bool               `json:"initialized"`
	Flags          CompletionFlags    `json:"flags"`
	Progress       OnboardingProgress `json:"progress"`
	Profile        Profile            `json:"profile"`
	StartupMode    StartupMode        `json:"startup_mode"`
	DegradedReason string             `json:"degraded_reason,omitempty"`
	LastCorrection *ViewCorrection    `json:"last_correction,omitempty"`
	Version        uint64             `json:"version"`
}

// ScreenDescriptor is what the client needs to pick and feed a concrete screen.
type ScreenDescriptor struct {
	View      ViewState      `json:"view"`
	StepIndex int            `json:"step_index"`
	Step      OnboardingStep `json:"step,omitempty"`
	Answers   Answers        `json:"answers,omitempty"`
	Profile   Profile        `json:"profile"`
}

// Screen derives the screen descriptor for the snapshot. Step details are
// only populated while the onboarding view is active.
func (s Snapshot) Screen() ScreenDescriptor {
	d := ScreenDescriptor{
		View:      s.View,
		StepIndex: s.Progress.StepIndex,
		Profile:   s.Profile,
	}
	if s.View == ViewOnboarding {
		if step, ok := StepAt(s.Progress.StepIndex); ok {
			d.Step = step
		}
		d.Answers = s.Progress.Answers.Clone()
	}
	return d
}
