// Package models defines view and onboarding types shared across SleepPath modules.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// ViewState is the single top-level screen currently shown to the user.
type ViewState string

// View constants. The set is closed: ParseView rejects anything else.
const (
	ViewWelcome               ViewState = "welcome"
	ViewOnboarding            ViewState = "onboarding"
	ViewDashboard             ViewState = "dashboard"
	ViewSOS                   ViewState = "sos"
	ViewSleepPlan             ViewState = "sleep_plan"
	ViewSleepPlanPresentation ViewState = "sleep_plan_presentation"
	ViewAskConsultant         ViewState = "ask_consultant"
	ViewCheckIn               ViewState = "check_in"
	ViewCommunityHome         ViewState = "community_home"
	ViewSleepTwins            ViewState = "sleep_twins"
	ViewSuccessStories        ViewState = "success_stories"
	ViewSettings              ViewState = "settings"
)

// ErrUnknownView is returned when a view name is not part of the closed set.
var ErrUnknownView = errors.New("unknown view")

// AllViews lists every view in declaration order.
func AllViews() []ViewState {
	return []ViewState{
		ViewWelcome,
		ViewOnboarding,
		ViewDashboard,
		ViewSOS,
		ViewSleepPlan,
		ViewSleepPlanPresentation,
		ViewAskConsultant,
		ViewCheckIn,
		ViewCommunityHome,
		ViewSleepTwins,
		ViewSuccessStories,
		ViewSettings,
	}
}

// IsValidView checks if the given view is part of the closed set.
func IsValidView(v ViewState) bool {
	for _, known := range AllViews() {
		if v == known {
			return true
		}
	}
	return false
}

// ParseView converts a client-supplied name into a ViewState.
// Matching is case-insensitive and accepts dashes in place of underscores.
func ParseView(name string) (ViewState, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	v := ViewState(normalized)
	if !IsValidView(v) {
		return "", fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
	return v, nil
}

// String implements fmt.Stringer.
func (v ViewState) String() string {
	return string(v)
}
