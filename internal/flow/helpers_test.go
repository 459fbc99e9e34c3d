package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/BTreeMap/SleepPath/internal/models"
	"github.com/BTreeMap/SleepPath/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualTimer fires callbacks only when the test says so.
type manualTimer struct {
	mu        sync.Mutex
	nextID    int
	fns       map[string]func()
	delays    map[string]time.Duration
	cancelled map[string]bool
}

func newManualTimer() *manualTimer {
	return &manualTimer{
		fns:       make(map[string]func()),
		delays:    make(map[string]time.Duration),
		cancelled: make(map[string]bool),
	}
}

func (m *manualTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("manual_%d", m.nextID)
	m.fns[id] = fn
	m.delays[id] = delay
	return id, nil
}

func (m *manualTimer) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[id] = true
	return nil
}

// FireAll runs every callback that has not been cancelled.
func (m *manualTimer) FireAll() {
	m.fire(false)
}

// FireAllIgnoringCancel runs every callback, simulating a timer that fires
// concurrently with its cancellation.
func (m *manualTimer) FireAllIgnoringCancel() {
	m.fire(true)
}

func (m *manualTimer) fire(ignoreCancel bool) {
	m.mu.Lock()
	var fns []func()
	for id, fn := range m.fns {
		if ignoreCancel || !m.cancelled[id] {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *manualTimer) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualTimer) LastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delays[fmt.Sprintf("manual_%d", m.nextID)]
}

// fakePersistence returns canned loads and counts writes.
type fakePersistence struct {
	mu       sync.Mutex
	state    *models.AppState
	progress *models.OnboardingProgress
	loadErr  error
	writeErr error
	writes   map[string]int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{writes: make(map[string]int)}
}

func (f *fakePersistence) record(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[kind]++
	return f.writeErr
}

func (f *fakePersistence) Writes(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[kind]
}

func (f *fakePersistence) TotalWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.writes {
		n += c
	}
	return n
}

func (f *fakePersistence) PersistProfile(context.Context, string, models.Profile) error {
	return f.record("profile")
}

func (f *fakePersistence) PersistCompletion(context.Context, string, models.CompletionFlags) error {
	return f.record("completion")
}

func (f *fakePersistence) PersistProgress(context.Context, string, models.OnboardingProgress) error {
	return f.record("progress")
}

func (f *fakePersistence) ClearProgress(context.Context, string) error {
	return f.record("progress_clear")
}

func (f *fakePersistence) LoadInitialState(context.Context, string) (*models.AppState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.state, nil
}

func (f *fakePersistence) LoadProgress(context.Context, string) (*models.OnboardingProgress, error) {
	return f.progress, nil
}

// flakyLoad fails the first few state loads, then delegates.
type flakyLoad struct {
	Persistence
	failures atomic.Int32
}

func (f *flakyLoad) LoadInitialState(ctx context.Context, userID string) (*models.AppState, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.Persistence.LoadInitialState(ctx, userID)
}

// startOrchestrator starts a session on a manual timer and stops it on cleanup.
func startOrchestrator(t *testing.T, backend Persistence, opts ...Option) (*Orchestrator, *manualTimer, models.Snapshot) {
	t.Helper()
	timer := newManualTimer()
	o := New("user-1", backend, append([]Option{WithTimer(timer)}, opts...)...)
	snap, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(o.Stop)
	return o, timer, snap
}

func newStoreBackend() (*store.InMemoryStore, Persistence) {
	st := store.NewInMemoryStore()
	return st, NewStorePersistence(st)
}

// onboardedStore returns a store holding a user who finished onboarding.
func onboardedStore(t *testing.T) (*store.InMemoryStore, Persistence) {
	t.Helper()
	st, backend := newStoreBackend()
	ctx := context.Background()
	if err := st.SaveProfile(ctx, "user-1", models.Profile{UserName: "Sam", BabyName: "Mia", BabyAgeMonths: 7}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := st.SaveCompletion(ctx, "user-1", models.CompletionFlags{OnboardingComplete: true}); err != nil {
		t.Fatalf("SaveCompletion failed: %v", err)
	}
	return st, backend
}

func mustSnap(t *testing.T) func(models.Snapshot, error) models.Snapshot {
	return func(snap models.Snapshot, err error) models.Snapshot {
		t.Helper()
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
		return snap
	}
}
