// Package store provides storage backends for SleepPath.
//
// This file implements a PostgreSQL-backed store for user state and onboarding sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SleepPath/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveProfile upserts the profile columns of a user's state row.
func (s *PostgresStore) SaveProfile(ctx context.Context, userID string, p models.Profile) error {
	query := `
		INSERT INTO user_state (user_id, user_name, phone_number, baby_name, baby_age_months, baby_photo_ref, placeholder, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			user_name = EXCLUDED.user_name,
			phone_number = EXCLUDED.phone_number,
			baby_name = EXCLUDED.baby_name,
			baby_age_months = EXCLUDED.baby_age_months,
			baby_photo_ref = EXCLUDED.baby_photo_ref,
			placeholder = EXCLUDED.placeholder,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query, userID, p.UserName, p.PhoneNumber, p.BabyName,
		p.BabyAgeMonths, p.BabyPhotoRef, p.Placeholder, time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore SaveProfile succeeded", "userID", userID)
	return nil
}

// SaveCompletion upserts the completion flags of a user's state row.
func (s *PostgresStore) SaveCompletion(ctx context.Context, userID string, f models.CompletionFlags) error {
	query := `
		INSERT INTO user_state (user_id, onboarding_complete, has_active_plan, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			onboarding_complete = EXCLUDED.onboarding_complete,
			has_active_plan = EXCLUDED.has_active_plan,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, userID, f.OnboardingComplete, f.HasActivePlan, time.Now()); err != nil {
		slog.Error("PostgresStore SaveCompletion failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save completion flags for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore SaveCompletion succeeded", "userID", userID,
		"onboardingComplete", f.OnboardingComplete, "hasActivePlan", f.HasActivePlan)
	return nil
}

// LoadAppState reads a user's flags and profile.
func (s *PostgresStore) LoadAppState(ctx context.Context, userID string) (*models.AppState, error) {
	query := `SELECT onboarding_complete, has_active_plan, user_name, phone_number, baby_name,
			  baby_age_months, baby_photo_ref, placeholder
			  FROM user_state WHERE user_id = $1`

	var st models.AppState
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&st.Flags.OnboardingComplete, &st.Flags.HasActivePlan,
		&st.Profile.UserName, &st.Profile.PhoneNumber, &st.Profile.BabyName,
		&st.Profile.BabyAgeMonths, &st.Profile.BabyPhotoRef, &st.Profile.Placeholder)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore LoadAppState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadAppState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}
	return &st, nil
}

// SaveOnboardingProgress stores or replaces the in-progress onboarding session.
func (s *PostgresStore) SaveOnboardingProgress(ctx context.Context, userID string, p models.OnboardingProgress) error {
	answersJSON, err := marshalAnswers(p.Answers)
	if err != nil {
		slog.Error("PostgresStore SaveOnboardingProgress JSON marshal failed", "error", err, "userID", userID)
		return err
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO onboarding_progress (user_id, step_index, answers, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			step_index = EXCLUDED.step_index,
			answers = EXCLUDED.answers,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, query, userID, p.StepIndex, answersJSON, updatedAt); err != nil {
		slog.Error("PostgresStore SaveOnboardingProgress failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save onboarding progress for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore SaveOnboardingProgress succeeded", "userID", userID, "stepIndex", p.StepIndex)
	return nil
}

// GetOnboardingProgress retrieves the saved onboarding session.
func (s *PostgresStore) GetOnboardingProgress(ctx context.Context, userID string) (*models.OnboardingProgress, error) {
	query := `SELECT step_index, answers::text, updated_at FROM onboarding_progress WHERE user_id = $1`

	var p models.OnboardingProgress
	var answersJSON string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.StepIndex, &answersJSON, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetOnboardingProgress failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load onboarding progress for %s: %w", userID, err)
	}
	p.Answers = unmarshalAnswers(answersJSON, userID)
	return &p, nil
}

// DeleteOnboardingProgress removes the saved onboarding session.
func (s *PostgresStore) DeleteOnboardingProgress(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM onboarding_progress WHERE user_id = $1`, userID); err != nil {
		slog.Error("PostgresStore DeleteOnboardingProgress failed", "error", err, "userID", userID)
		return err
	}
	slog.Debug("PostgresStore DeleteOnboardingProgress succeeded", "userID", userID)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
