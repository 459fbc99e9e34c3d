package flow

import (
	"time"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// StepResult describes the outcome of one Advance call.
type StepResult struct {
	// Index is the step index after the advance.
	Index int
	// Answers is a copy of everything accumulated so far.
	Answers models.Answers
	// Terminal is set when the advance left the last known step.
	Terminal bool
	// Overrun is set when the index was already past the last known step.
	Overrun bool
}

// Sequencer walks the fixed onboarding step table. It only moves by one step
// at a time; branching, if any, lives in which screen sits at which index.
type Sequencer struct {
	index int
	acc   *Accumulator
}

// NewSequencer starts a fresh onboarding session at step 0.
func NewSequencer() *Sequencer {
	return &Sequencer{acc: NewAccumulator()}
}

// RestoreSequencer resumes a saved onboarding session. A negative saved
// index is clamped to 0; an index past the table is kept so the caller can
// detect the overrun.
func RestoreSequencer(p models.OnboardingProgress) *Sequencer {
	index := p.StepIndex
	if index < 0 {
		index = 0
	}
	return &Sequencer{index: index, acc: NewAccumulatorFrom(p.Answers)}
}

// Advance merges partial into the accumulated answers, then moves forward by
// exactly one step.
func (s *Sequencer) Advance(partial models.Answers) StepResult {
	last := models.LastStepIndex()
	prev := s.index
	answers := s.acc.Merge(partial)
	s.index++
	return StepResult{
		Index:    s.index,
		Answers:  answers,
		Terminal: prev == last,
		Overrun:  prev > last,
	}
}

// Retreat moves back one step. Retreating from step 0 is a no-op.
func (s *Sequencer) Retreat() int {
	if s.index > 0 {
		s.index--
	}
	return s.index
}

// CurrentStep returns the current step index.
func (s *Sequencer) CurrentStep() int {
	return s.index
}

// Step returns the screen at the current index; ok is false past the table.
func (s *Sequencer) Step() (models.OnboardingStep, bool) {
	return models.StepAt(s.index)
}

// Overrun reports whether the index is beyond the last known step.
func (s *Sequencer) Overrun() bool {
	return s.index > models.LastStepIndex()
}

// Answers returns a copy of the accumulated answers.
func (s *Sequencer) Answers() models.Answers {
	return s.acc.Snapshot()
}

// Progress captures the session for persistence and snapshots.
func (s *Sequencer) Progress(now time.Time) models.OnboardingProgress {
	return models.OnboardingProgress{
		StepIndex: s.index,
		Answers:   s.acc.Snapshot(),
		UpdatedAt: now,
	}
}
