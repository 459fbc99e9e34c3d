package flow

import "github.com/BTreeMap/SleepPath/internal/models"

// Guard rule numbers, in evaluation order.
const (
	RuleNotInitialized      = 1
	RuleWelcomeLingers      = 2
	RuleCompletedOnboarding = 3
	RuleIncompleteRedirect  = 4
	RuleNoAction            = 5
)

// GuardPolicy holds product switches for the guard rule set.
type GuardPolicy struct {
	// AllowDashboardBeforeOnboarding adds Dashboard to rule 4's allow-list.
	// Off by default: a user who has not finished onboarding and lands on
	// the dashboard (for example after the welcome timer) is sent back to
	// onboarding.
	AllowDashboardBeforeOnboarding bool
}

// GuardInput is the state the guard reconciles.
type GuardInput struct {
	Initialized        bool
	ShowingWelcome     bool
	View               models.ViewState
	OnboardingComplete bool
}

// GuardDecision is the guard's verdict: the view to show and the rule that matched.
type GuardDecision struct {
	Rule      int
	View      models.ViewState
	Corrected bool
}

// Guard reconciles the requested view against the completion flags.
// Rules are evaluated in order and the first match wins.
type Guard struct {
	policy GuardPolicy
}

// NewGuard creates a guard with the given policy.
func NewGuard(policy GuardPolicy) Guard {
	return Guard{policy: policy}
}

// Evaluate applies the rule list to in.
func (g Guard) Evaluate(in GuardInput) GuardDecision {
	keep := func(rule int) GuardDecision {
		return GuardDecision{Rule: rule, View: in.View}
	}
	force := func(rule int, v models.ViewState) GuardDecision {
		return GuardDecision{Rule: rule, View: v, Corrected: v != in.View}
	}

	switch {
	case !in.Initialized:
		return keep(RuleNotInitialized)
	case in.ShowingWelcome && in.View == models.ViewWelcome:
		return keep(RuleWelcomeLingers)
	case in.OnboardingComplete && in.View == models.ViewOnboarding:
		return force(RuleCompletedOnboarding, models.ViewDashboard)
	case !in.OnboardingComplete && !g.allowedBeforeOnboarding(in.View):
		return force(RuleIncompleteRedirect, models.ViewOnboarding)
	default:
		return keep(RuleNoAction)
	}
}

// allowedBeforeOnboarding lists views reachable before onboarding completes.
// A new view that must be previewable mid-onboarding has to be added here or
// it is redirected to onboarding.
func (g Guard) allowedBeforeOnboarding(v models.ViewState) bool {
	switch v {
	case models.ViewOnboarding, models.ViewSleepPlanPresentation, models.ViewSleepPlan, models.ViewWelcome:
		return true
	case models.ViewDashboard:
		return g.policy.AllowDashboardBeforeOnboarding
	default:
		return false
	}
}
