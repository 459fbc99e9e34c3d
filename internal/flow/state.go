package flow

import (
	"context"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// Persistence is the durable-storage collaborator the orchestrator calls.
// Writes are issued fire-and-forget through a Persister; loads happen once
// at session startup.
type Persistence interface {
	// PersistProfile stores the user identity and baby profile
	PersistProfile(ctx context.Context, userID string, p models.Profile) error

	// PersistCompletion stores the completion flags
	PersistCompletion(ctx context.Context, userID string, f models.CompletionFlags) error

	// PersistProgress stores the in-progress onboarding session
	PersistProgress(ctx context.Context, userID string, p models.OnboardingProgress) error

	// ClearProgress removes the saved onboarding session
	ClearProgress(ctx context.Context, userID string) error

	// LoadInitialState returns the persisted flags and profile; nil for a new user
	LoadInitialState(ctx context.Context, userID string) (*models.AppState, error)

	// LoadProgress returns the saved onboarding session; nil if none
	LoadProgress(ctx context.Context, userID string) (*models.OnboardingProgress, error)
}
