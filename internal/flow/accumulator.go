package flow

import "github.com/BTreeMap/SleepPath/internal/models"

// Accumulator merges the partial answers emitted by each onboarding screen.
// Merge is a shallow overwrite-union: keys are never deleted implicitly and
// values are not validated here.
type Accumulator struct {
	answers models.Answers
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{answers: make(models.Answers)}
}

// NewAccumulatorFrom seeds an accumulator with previously saved answers.
func NewAccumulatorFrom(answers models.Answers) *Accumulator {
	return &Accumulator{answers: answers.Clone()}
}

// Merge folds partial into the accumulated answers and returns a copy of the result.
func (a *Accumulator) Merge(partial models.Answers) models.Answers {
	for k, v := range partial {
		a.answers[k] = v
	}
	return a.answers.Clone()
}

// Snapshot returns a copy of the accumulated answers.
func (a *Accumulator) Snapshot() models.Answers {
	return a.answers.Clone()
}
