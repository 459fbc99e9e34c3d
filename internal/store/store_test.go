package store

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/BTreeMap/SleepPath/internal/models"
	"github.com/google/go-cmp/cmp"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	st, err := s.LoadAppState(ctx, "nobody")
	if err != nil {
		t.Fatalf("LoadAppState unknown user: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state for unknown user, got %+v", st)
	}

	profile := models.Profile{UserName: "Dana", PhoneNumber: "+15550001111", BabyName: "Milo", BabyAgeMonths: 5, BabyPhotoRef: "photos/milo.jpg"}
	if err := s.SaveProfile(ctx, "u1", profile); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	flags := models.CompletionFlags{OnboardingComplete: true, HasActivePlan: false}
	if err := s.SaveCompletion(ctx, "u1", flags); err != nil {
		t.Fatalf("SaveCompletion: %v", err)
	}

	st, err = s.LoadAppState(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadAppState: %v", err)
	}
	if st == nil {
		t.Fatal("expected state for u1")
	}
	want := models.AppState{Flags: flags, Profile: profile}
	if diff := cmp.Diff(want, *st); diff != "" {
		t.Errorf("LoadAppState mismatch (-want +got):\n%s", diff)
	}

	// Saving flags must not clobber the profile and vice versa.
	flags.HasActivePlan = true
	if err := s.SaveCompletion(ctx, "u1", flags); err != nil {
		t.Fatalf("SaveCompletion update: %v", err)
	}
	st, _ = s.LoadAppState(ctx, "u1")
	if st.Profile.BabyName != "Milo" || !st.Flags.HasActivePlan {
		t.Errorf("partial update lost data: %+v", st)
	}

	progress, err := s.GetOnboardingProgress(ctx, "u1")
	if err != nil || progress != nil {
		t.Fatalf("expected no progress, got %+v, %v", progress, err)
	}
	answers := models.Answers{models.FieldBabyName: "Milo", "sleepChallenge": "early waking"}
	if err := s.SaveOnboardingProgress(ctx, "u1", models.OnboardingProgress{StepIndex: 4, Answers: answers}); err != nil {
		t.Fatalf("SaveOnboardingProgress: %v", err)
	}
	progress, err = s.GetOnboardingProgress(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOnboardingProgress: %v", err)
	}
	if progress == nil || progress.StepIndex != 4 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if diff := cmp.Diff(answers, progress.Answers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteOnboardingProgress(ctx, "u1"); err != nil {
		t.Fatalf("DeleteOnboardingProgress: %v", err)
	}
	progress, _ = s.GetOnboardingProgress(ctx, "u1")
	if progress != nil {
		t.Errorf("expected progress to be deleted, got %+v", progress)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInMemoryStoreCopiesAnswers(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	answers := models.Answers{"a": "1"}
	_ = s.SaveOnboardingProgress(ctx, "u", models.OnboardingProgress{Answers: answers})
	answers["a"] = "mutated"

	p, _ := s.GetOnboardingProgress(ctx, "u")
	if p.Answers["a"] != "1" {
		t.Errorf("store must not alias caller maps, got %v", p.Answers["a"])
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "sleeppath.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sleeppath.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveCompletion(ctx, "u1", models.CompletionFlags{OnboardingComplete: true}); err != nil {
		t.Fatalf("SaveCompletion: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	st, err := s2.LoadAppState(ctx, "u1")
	if err != nil || st == nil || !st.Flags.OnboardingComplete {
		t.Errorf("state not durable across reopen: %+v, %v", st, err)
	}
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://user:pw@localhost/db": "postgres",
		"postgresql://localhost/db":       "postgres",
		"host=localhost dbname=sleep":     "postgres",
		"/var/lib/sleeppath/sleeppath.db": "sqlite",
		"file.db":                         "sqlite",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenEmptyDSNIsInMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store, got %T", s)
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM user_state")
	pgStore.db.Exec("DELETE FROM onboarding_progress")
	exerciseStore(t, pgStore)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
