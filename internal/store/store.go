// Package store provides storage backends for SleepPath.
//
// It persists per-user completion flags, profiles and in-progress onboarding
// sessions. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SleepPath/internal/models"
)

// Store is the persistence collaborator behind the orchestrator.
type Store interface {
	// SaveProfile stores or replaces the profile for a user
	SaveProfile(ctx context.Context, userID string, p models.Profile) error
	// SaveCompletion stores or replaces the completion flags for a user
	SaveCompletion(ctx context.Context, userID string, f models.CompletionFlags) error
	// LoadAppState returns the persisted flags and profile; nil if the user is unknown
	LoadAppState(ctx context.Context, userID string) (*models.AppState, error)
	// SaveOnboardingProgress stores the in-progress onboarding session
	SaveOnboardingProgress(ctx context.Context, userID string, p models.OnboardingProgress) error
	// GetOnboardingProgress returns the saved session; nil if none
	GetOnboardingProgress(ctx context.Context, userID string) (*models.OnboardingProgress, error)
	// DeleteOnboardingProgress removes the saved session
	DeleteOnboardingProgress(ctx context.Context, userID string) error
	// Close releases backend resources
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend for the DSN; an empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

type userRecord struct {
	state    models.AppState
	progress *models.OnboardingProgress
}

// InMemoryStore is a simple in-memory store used for tests and DSN-less runs.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]*userRecord)}
}

func (s *InMemoryStore) record(userID string) *userRecord {
	rec, ok := s.users[userID]
	if !ok {
		rec = &userRecord{}
		s.users[userID] = rec
	}
	return rec
}

func (s *InMemoryStore) SaveProfile(_ context.Context, userID string, p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(userID).state.Profile = p
	return nil
}

func (s *InMemoryStore) SaveCompletion(_ context.Context, userID string, f models.CompletionFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(userID).state.Flags = f
	return nil
}

func (s *InMemoryStore) LoadAppState(_ context.Context, userID string) (*models.AppState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	state := rec.state
	return &state, nil
}

func (s *InMemoryStore) SaveOnboardingProgress(_ context.Context, userID string, p models.OnboardingProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Answers = p.Answers.Clone()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.record(userID).progress = &p
	return nil
}

func (s *InMemoryStore) GetOnboardingProgress(_ context.Context, userID string) (*models.OnboardingProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok || rec.progress == nil {
		return nil, nil
	}
	p := *rec.progress
	p.Answers = p.Answers.Clone()
	return &p, nil
}

func (s *InMemoryStore) DeleteOnboardingProgress(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[userID]; ok {
		rec.progress = nil
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
