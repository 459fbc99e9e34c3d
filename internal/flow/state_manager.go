package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SleepPath/internal/models"
	"github.com/BTreeMap/SleepPath/internal/store"
)

// StorePersistence implements Persistence using a Store backend.
type StorePersistence struct {
	store store.Store
}

// NewStorePersistence creates a new Persistence backed by a Store.
func NewStorePersistence(st store.Store) *StorePersistence {
	slog.Debug("Creating StorePersistence")
	return &StorePersistence{store: st}
}

// PersistProfile stores the user identity and baby profile.
func (sp *StorePersistence) PersistProfile(ctx context.Context, userID string, p models.Profile) error {
	if err := sp.store.SaveProfile(ctx, userID, p); err != nil {
		slog.Error("StorePersistence PersistProfile error", "error", err, "userID", userID)
		return err
	}
	slog.Debug("StorePersistence PersistProfile succeeded", "userID", userID)
	return nil
}

// PersistCompletion stores the completion flags.
func (sp *StorePersistence) PersistCompletion(ctx context.Context, userID string, f models.CompletionFlags) error {
	if err := sp.store.SaveCompletion(ctx, userID, f); err != nil {
		slog.Error("StorePersistence PersistCompletion error", "error", err, "userID", userID)
		return err
	}
	slog.Debug("StorePersistence PersistCompletion succeeded", "userID", userID,
		"onboardingComplete", f.OnboardingComplete, "hasActivePlan", f.HasActivePlan)
	return nil
}

// PersistProgress stores the in-progress onboarding session.
func (sp *StorePersistence) PersistProgress(ctx context.Context, userID string, p models.OnboardingProgress) error {
	if err := sp.store.SaveOnboardingProgress(ctx, userID, p); err != nil {
		slog.Error("StorePersistence PersistProgress error", "error", err, "userID", userID, "stepIndex", p.StepIndex)
		return err
	}
	return nil
}

// ClearProgress removes the saved onboarding session.
func (sp *StorePersistence) ClearProgress(ctx context.Context, userID string) error {
	if err := sp.store.DeleteOnboardingProgress(ctx, userID); err != nil {
		slog.Error("StorePersistence ClearProgress error", "error", err, "userID", userID)
		return err
	}
	slog.Debug("StorePersistence ClearProgress succeeded", "userID", userID)
	return nil
}

// LoadInitialState returns the persisted flags and profile.
func (sp *StorePersistence) LoadInitialState(ctx context.Context, userID string) (*models.AppState, error) {
	st, err := sp.store.LoadAppState(ctx, userID)
	if err != nil {
		slog.Error("StorePersistence LoadInitialState error", "error", err, "userID", userID)
		return nil, err
	}
	if st == nil {
		slog.Debug("StorePersistence LoadInitialState: new user", "userID", userID)
	}
	return st, nil
}

// LoadProgress returns the saved onboarding session.
func (sp *StorePersistence) LoadProgress(ctx context.Context, userID string) (*models.OnboardingProgress, error) {
	p, err := sp.store.GetOnboardingProgress(ctx, userID)
	if err != nil {
		slog.Error("StorePersistence LoadProgress error", "error", err, "userID", userID)
		return nil, err
	}
	return p, nil
}
