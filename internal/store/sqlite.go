// Package store provides storage backends for SleepPath.
//
// This file implements an SQLite-backed store for user state and onboarding sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/SleepPath/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under the persister.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

// SaveProfile upserts the profile columns of a user's state row.
func (s *SQLiteStore) SaveProfile(ctx context.Context, userID string, p models.Profile) error {
	query := `
		INSERT INTO user_state (user_id, user_name, phone_number, baby_name, baby_age_months, baby_photo_ref, placeholder, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_name = excluded.user_name,
			phone_number = excluded.phone_number,
			baby_name = excluded.baby_name,
			baby_age_months = excluded.baby_age_months,
			baby_photo_ref = excluded.baby_photo_ref,
			placeholder = excluded.placeholder,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, userID, p.UserName, p.PhoneNumber, p.BabyName,
		p.BabyAgeMonths, p.BabyPhotoRef, p.Placeholder, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore SaveProfile succeeded", "userID", userID)
	return nil
}

// SaveCompletion upserts the completion flags of a user's state row.
func (s *SQLiteStore) SaveCompletion(ctx context.Context, userID string, f models.CompletionFlags) error {
	query := `
		INSERT INTO user_state (user_id, onboarding_complete, has_active_plan, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			onboarding_complete = excluded.onboarding_complete,
			has_active_plan = excluded.has_active_plan,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, userID, f.OnboardingComplete, f.HasActivePlan, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveCompletion failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save completion flags for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore SaveCompletion succeeded", "userID", userID,
		"onboardingComplete", f.OnboardingComplete, "hasActivePlan", f.HasActivePlan)
	return nil
}

// LoadAppState reads a user's flags and profile.
func (s *SQLiteStore) LoadAppState(ctx context.Context, userID string) (*models.AppState, error) {
	query := `SELECT onboarding_complete, has_active_plan, user_name, phone_number, baby_name,
			  baby_age_months, baby_photo_ref, placeholder
			  FROM user_state WHERE user_id = ?`

	var st models.AppState
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&st.Flags.OnboardingComplete, &st.Flags.HasActivePlan,
		&st.Profile.UserName, &st.Profile.PhoneNumber, &st.Profile.BabyName,
		&st.Profile.BabyAgeMonths, &st.Profile.BabyPhotoRef, &st.Profile.Placeholder)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore LoadAppState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadAppState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}
	return &st, nil
}

// SaveOnboardingProgress stores or replaces the in-progress onboarding session.
func (s *SQLiteStore) SaveOnboardingProgress(ctx context.Context, userID string, p models.OnboardingProgress) error {
	answersJSON, err := marshalAnswers(p.Answers)
	if err != nil {
		slog.Error("SQLiteStore SaveOnboardingProgress JSON marshal failed", "error", err, "userID", userID)
		return err
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `INSERT OR REPLACE INTO onboarding_progress (user_id, step_index, answers, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, userID, p.StepIndex, answersJSON, updatedAt.UTC()); err != nil {
		slog.Error("SQLiteStore SaveOnboardingProgress failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save onboarding progress for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore SaveOnboardingProgress succeeded", "userID", userID, "stepIndex", p.StepIndex)
	return nil
}

// GetOnboardingProgress retrieves the saved onboarding session.
func (s *SQLiteStore) GetOnboardingProgress(ctx context.Context, userID string) (*models.OnboardingProgress, error) {
	query := `SELECT step_index, answers, updated_at FROM onboarding_progress WHERE user_id = ?`

	var p models.OnboardingProgress
	var answersJSON string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.StepIndex, &answersJSON, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetOnboardingProgress failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load onboarding progress for %s: %w", userID, err)
	}
	p.Answers = unmarshalAnswers(answersJSON, userID)
	return &p, nil
}

// DeleteOnboardingProgress removes the saved onboarding session.
func (s *SQLiteStore) DeleteOnboardingProgress(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM onboarding_progress WHERE user_id = ?`, userID); err != nil {
		slog.Error("SQLiteStore DeleteOnboardingProgress failed", "error", err, "userID", userID)
		return err
	}
	slog.Debug("SQLiteStore DeleteOnboardingProgress succeeded", "userID", userID)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}

func marshalAnswers(a models.Answers) (string, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal answers: %w", err)
	}
	return string(b), nil
}

// unmarshalAnswers decodes stored answers. Corrupt JSON yields an empty map
// rather than failing the whole load.
func unmarshalAnswers(raw, userID string) models.Answers {
	answers := make(models.Answers)
	if raw == "" {
		return answers
	}
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		slog.Error("store: answers JSON unmarshal failed", "error", err, "userID", userID)
		return make(models.Answers)
	}
	return answers
}
