// Package models defines onboarding progress, profile and completion types.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OnboardingStep names one screen in the fixed onboarding sequence.
type OnboardingStep string

// Onboarding step constants, listed in sequence order.
const (
	StepWelcome                OnboardingStep = "welcome"
	StepConsultantIntroduction OnboardingStep = "consultant_introduction"
	StepParentInfo             OnboardingStep = "parent_info"
	StepBabyProfile            OnboardingStep = "baby_profile"
	StepCurrentSleepSituation  OnboardingStep = "current_sleep_situation"
	StepKeyFeatures            OnboardingStep = "key_features"
	StepSleepChallenges        OnboardingStep = "sleep_challenges"
	StepAnalysis               OnboardingStep = "analysis"
	StepInitialAssessment      OnboardingStep = "initial_assessment"
	StepPlanPresentation       OnboardingStep = "plan_presentation"
	StepCompletion             OnboardingStep = "completion"
)

var onboardingSteps = []OnboardingStep{
	StepWelcome,
	StepConsultantIntroduction,
	StepParentInfo,
	StepBabyProfile,
	StepCurrentSleepSituation,
	StepKeyFeatures,
	StepSleepChallenges,
	StepAnalysis,
	StepInitialAssessment,
	StepPlanPresentation,
	StepCompletion,
}

// OnboardingSteps returns a copy of the ordered step table.
func OnboardingSteps() []OnboardingStep {
	out := make([]OnboardingStep, len(onboardingSteps))
	copy(out, onboardingSteps)
	return out
}

// LastStepIndex is the index of the final (Completion) step.
func LastStepIndex() int {
	return len(onboardingSteps) - 1
}

// StepAt maps an index to its step. ok is false outside the table.
func StepAt(index int) (OnboardingStep, bool) {
	if index < 0 || index >= len(onboardingSteps) {
		return "", false
	}
	return onboardingSteps[index], true
}

// Answer field names that onboarding screens emit and the orchestrator
// copies into the profile as soon as they appear.
const (
	FieldUserName      = "userName"
	FieldBabyName      = "babyName"
	FieldBabyAgeMonths = "babyAgeMonths"
	FieldBabyPhotoRef  = "babyPhotoRef"
	FieldPhoneNumber   = "phoneNumber"
)

// Answers is the accumulated set of onboarding answers keyed by field name.
type Answers map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the value for key if it is a non-empty string.
func (a Answers) String(key string) (string, bool) {
	raw, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Int returns the value for key as an int. JSON numbers, integer types and
// numeric strings are accepted when they hold a whole number in int32 range.
// Fractions, NaN and infinities are rejected rather than truncated.
func (a Answers) Int(key string) (int, bool) {
	raw, ok := a[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return boundedInt(int64(v))
	case int32:
		return int(v), true
	case int64:
		return boundedInt(v)
	case float64:
		return wholeFloat(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return boundedInt(n)
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return wholeFloat(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return boundedInt(n)
	default:
		return 0, false
	}
}

func boundedInt(n int64) (int, bool) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

func wholeFloat(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// OnboardingProgress is the per-session onboarding position and answers.
type OnboardingProgress struct {
	StepIndex int       `json:"step_index"`
	Answers   Answers   `json:"answers"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile holds the user identity and baby profile used for personalization.
type Profile struct {
	UserName      string `json:"user_name,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	BabyName      string `json:"baby_name,omitempty"`
	BabyAgeMonths int    `json:"baby_age_months,omitempty"`
	BabyPhotoRef  string `json:"baby_photo_ref,omitempty"`
	// Placeholder marks a profile synthesized during degraded startup.
	Placeholder bool `json:"placeholder,omitempty"`
}

// ApplyAnswers copies any profile fields present in answers onto the profile.
// It reports whether anything changed. A placeholder profile stays a
// placeholder until a real baby name arrives.
func (p *Profile) ApplyAnswers(a Answers) bool {
	changed := false
	if name, ok := a.String(FieldUserName); ok && name != p.UserName {
		p.UserName = name
		changed = true
	}
	if phone, ok := a.String(FieldPhoneNumber); ok && phone != p.PhoneNumber {
		p.PhoneNumber = phone
		changed = true
	}
	if baby, ok := a.String(FieldBabyName); ok {
		if baby != p.BabyName {
			p.BabyName = baby
			changed = true
		}
		if p.Placeholder {
			p.Placeholder = false
			changed = true
		}
	}
	if age, ok := a.Int(FieldBabyAgeMonths); ok && age >= 0 && age <= MaxBabyAgeMonths && age != p.BabyAgeMonths {
		p.BabyAgeMonths = age
		changed = true
	}
	if photo, ok := a.String(FieldBabyPhotoRef); ok && photo != p.BabyPhotoRef {
		p.BabyPhotoRef = photo
		changed = true
	}
	return changed
}

// ProfileAnswers returns only the entries of a that map onto profile fields.
func ProfileAnswers(a Answers) Answers {
	out := Answers{}
	for _, key := range []string{FieldUserName, FieldPhoneNumber, FieldBabyName, FieldBabyAgeMonths, FieldBabyPhotoRef} {
		if v, ok := a[key]; ok {
			out[key] = v
		}
	}
	return out
}

// CompletionFlags are the two persisted booleans the guard reconciles against.
type CompletionFlags struct {
	OnboardingComplete bool `json:"onboarding_complete"`
	HasActivePlan      bool `json:"has_active_plan"`
}

// AppState is what persistence returns at startup.
type AppState struct {
	Flags   CompletionFlags `json:"flags"`
	Profile Profile         `json:"profile"`
}

// Validate reports why a loaded state cannot be trusted, or nil if it is
// consistent. A brand-new user (no flags, empty profile) is consistent.
func (s AppState) Validate() error {
	if s.Flags.HasActivePlan && !s.Flags.OnboardingComplete {
		return fmt.Errorf("active plan without completed onboarding")
	}
	if s.Flags.OnboardingComplete && strings.TrimSpace(s.Profile.BabyName) == "" {
		return fmt.Errorf("onboarding complete but baby profile missing")
	}
	return nil
}

// StatePatch records the edits a user made during a session whose stored
// state could not be read or trusted. Applying it to the stored state changes
// only the fields the user touched.
type StatePatch struct {
	Answers            Answers `json:"answers,omitempty"`
	OnboardingComplete *bool   `json:"onboarding_complete,omitempty"`
	HasActivePlan      *bool   `json:"has_active_plan,omitempty"`
}

// IsEmpty reports whether the patch carries no edits.
func (sp StatePatch) IsEmpty() bool {
	return len(sp.Answers) == 0 && sp.OnboardingComplete == nil && sp.HasActivePlan == nil
}

// Merge folds later edits into sp. Later values win.
func (sp *StatePatch) Merge(later StatePatch) {
	if len(later.Answers) > 0 {
		if sp.Answers == nil {
			sp.Answers = Answers{}
		}
		for k, v := range later.Answers {
			sp.Answers[k] = v
		}
	}
	if later.OnboardingComplete != nil {
		v := *later.OnboardingComplete
		sp.OnboardingComplete = &v
	}
	if later.HasActivePlan != nil {
		v := *later.HasActivePlan
		sp.HasActivePlan = &v
	}
}

// Clone returns a copy that shares nothing with sp.
func (sp StatePatch) Clone() StatePatch {
	var out StatePatch
	out.Merge(sp)
	return out
}

// Apply writes the patch onto s and reports which halves of the state changed.
func (sp StatePatch) Apply(s *AppState) (profileChanged, flagsChanged bool) {
	if len(sp.Answers) > 0 {
		profileChanged = s.Profile.ApplyAnswers(sp.Answers)
	}
	if sp.OnboardingComplete != nil && s.Flags.OnboardingComplete != *sp.OnboardingComplete {
		s.Flags.OnboardingComplete = *sp.OnboardingComplete
		flagsChanged = true
	}
	if sp.HasActivePlan != nil && s.Flags.HasActivePlan != *sp.HasActivePlan {
		s.Flags.HasActivePlan = *sp.HasActivePlan
		flagsChanged = true
	}
	return profileChanged, flagsChanged
}
