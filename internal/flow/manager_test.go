package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/SleepPath/internal/metrics"
	"github.com/BTreeMap/SleepPath/internal/models"
	"github.com/BTreeMap/SleepPath/internal/store"
)

// gatedLoad blocks state loads for one user until release is closed.
type gatedLoad struct {
	Persistence
	userID  string
	entered chan struct{}
	release chan struct{}
}

func newGatedLoad(backend Persistence, userID string) *gatedLoad {
	return &gatedLoad{
		Persistence: backend,
		userID:      userID,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedLoad) LoadInitialState(ctx context.Context, userID string) (*models.AppState, error) {
	if userID == g.userID {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Persistence.LoadInitialState(ctx, userID)
}

// seedUsers registers each user ID in st as a fresh, not yet onboarded user.
func seedUsers(t *testing.T, st *store.InMemoryStore, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		if err := st.SaveCompletion(context.Background(), id, models.CompletionFlags{}); err != nil {
			t.Fatalf("SaveCompletion(%s) failed: %v", id, err)
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManagerReusesSessions(t *testing.T) {
	_, backend := newStoreBackend()
	m := metrics.New(prometheus.NewRegistry())
	var hooks atomic.Int32
	mgr := NewManager(context.Background(), backend,
		WithManagerMetrics(m),
		WithOrchestratorOptions(WithWelcomeDelay(DefaultWelcomeDelay)),
		WithSessionHook(func(*Orchestrator) { hooks.Add(1) }),
	)
	defer mgr.Close()
	ctx := context.Background()

	a, err := mgr.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	again, err := mgr.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a != again {
		t.Errorf("Get returned a different session for the same user")
	}
	if _, err := mgr.Create(ctx, "bob"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if mgr.Len() != 2 || hooks.Load() != 2 {
		t.Errorf("Len=%d hooks=%d, want 2 and 2", mgr.Len(), hooks.Load())
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 2 {
		t.Errorf("active sessions = %v, want 2", got)
	}
}

func TestManagerRejectsUnknownUsers(t *testing.T) {
	st, backend := newStoreBackend()
	mgr := NewManager(context.Background(), backend)
	defer mgr.Close()

	if _, err := mgr.Get(context.Background(), "carol"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Get error = %v, want ErrUnknownUser", err)
	}
	if mgr.Len() != 0 {
		t.Errorf("unknown user started a session: Len=%d", mgr.Len())
	}
	if state, _ := st.LoadAppState(context.Background(), "carol"); state != nil {
		t.Errorf("unknown user was written to the store: %+v", state)
	}
}

func TestManagerCreateRegistersUser(t *testing.T) {
	st, backend := newStoreBackend()
	mgr := NewManager(context.Background(), backend)
	defer mgr.Close()
	ctx := context.Background()

	o, err := mgr.Create(ctx, "dana")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if snap := o.Current(); snap.StartupMode != models.StartupNormal || snap.Flags.OnboardingComplete {
		t.Errorf("new user should start normally in onboarding: %+v", snap)
	}
	state, err := st.LoadAppState(ctx, "dana")
	if err != nil || state == nil {
		t.Fatalf("Create did not persist the user: %v, %v", state, err)
	}
}

func TestManagerIsolatesUsers(t *testing.T) {
	st, backend := newStoreBackend()
	seedUsers(t, st, "alice", "bob")
	mgr := NewManager(context.Background(), backend)
	defer mgr.Close()
	ctx := context.Background()

	a, err := mgr.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := mgr.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	mustSnap(t)(a.Advance(ctx, models.Answers{models.FieldUserName: "Alice"}))

	if snap := mustSnap(t)(b.Snapshot(ctx)); snap.Progress.StepIndex != 0 || snap.Profile.UserName != "" {
		t.Errorf("bob's session saw alice's progress: %+v", snap)
	}
}

func TestManagerReplacesStoppedSession(t *testing.T) {
	st, backend := newStoreBackend()
	seedUsers(t, st, "alice")
	mgr := NewManager(context.Background(), backend)
	defer mgr.Close()
	ctx := context.Background()

	first, err := mgr.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	first.Stop()
	second, err := mgr.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if first == second {
		t.Errorf("stopped session was returned")
	}
}

func TestManagerStopsStaleSessionBeforeReplacing(t *testing.T) {
	_, backend := onboardedStore(t)
	mgr := NewManager(context.Background(), backend)
	defer mgr.Close()
	ctx := context.Background()

	sessionCtx, cancel := context.WithCancel(ctx)
	stale := New("user-1", backend, WithTimer(newManualTimer()))
	if _, err := stale.Start(sessionCtx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()
	<-stale.Done()
	mgr.mu.Lock()
	mgr.sessions["user-1"] = &session{o: stale, lastUsed: time.Now()}
	mgr.mu.Unlock()

	fresh, err := mgr.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh == stale {
		t.Fatal("ended session was returned")
	}
	select {
	case <-stale.persister.done:
	default:
		t.Error("ended session's writer was left running")
	}
}

func TestManagerStartsDoNotBlockOtherUsers(t *testing.T) {
	st, backend := newStoreBackend()
	seedUsers(t, st, "slow", "fast")
	gated := newGatedLoad(backend, "slow")
	var hooks atomic.Int32
	mgr := NewManager(context.Background(), gated,
		WithSessionHook(func(*Orchestrator) { hooks.Add(1) }))
	defer mgr.Close()

	type result struct {
		o   *Orchestrator
		err error
	}
	slow := make(chan result, 1)
	go func() {
		o, err := mgr.Get(context.Background(), "slow")
		slow <- result{o, err}
	}()
	<-gated.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := mgr.Get(ctx, "fast"); err != nil {
		t.Fatalf("Get for another user blocked behind a slow start: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := mgr.Get(short, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiting Get error = %v, want DeadlineExceeded", err)
	}

	close(gated.release)
	first := <-slow
	if first.err != nil {
		t.Fatalf("slow Get failed: %v", first.err)
	}
	again, err := mgr.Get(context.Background(), "slow")
	if err != nil || again != first.o {
		t.Errorf("Get after start = %p, %v; want %p", again, err, first.o)
	}
	if got := hooks.Load(); got != 2 {
		t.Errorf("hooks = %d, want 2", got)
	}
}

func TestManagerConcurrentGetsShareOneSession(t *testing.T) {
	st, backend := newStoreBackend()
	seedUsers(t, st, "alice")
	var hooks atomic.Int32
	mgr := NewManager(context.Background(), backend,
		WithSessionHook(func(*Orchestrator) { hooks.Add(1) }))
	defer mgr.Close()

	const callers = 8
	got := make([]*Orchestrator, callers)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := mgr.Get(context.Background(), "alice")
			if err != nil {
				t.Errorf("Get failed: %v", err)
			}
			got[i] = o
		}(i)
	}
	wg.Wait()

	for i, o := range got {
		if o != got[0] {
			t.Errorf("caller %d got a different session", i)
		}
	}
	if hooks.Load() != 1 || mgr.Len() != 1 {
		t.Errorf("hooks=%d Len=%d, want one session", hooks.Load(), mgr.Len())
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	st, backend := newStoreBackend()
	seedUsers(t, st, "alice", "bob")
	clock := &fakeClock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	mgr := NewManager(context.Background(), backend,
		WithIdleTimeout(time.Minute),
		withManagerClock(clock.Now),
	)
	defer mgr.Close()
	ctx := context.Background()

	alice, _ := mgr.Get(ctx, "alice")
	bob, err := mgr.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	mustSnap(t)(bob.SetUserName(ctx, "Bob"))

	clock.Advance(40 * time.Second)
	if _, err := mgr.Get(ctx, "alice"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	clock.Advance(30 * time.Second)

	if n := mgr.evictIdle(clock.Now()); n != 1 {
		t.Fatalf("evicted %d sessions, want 1", n)
	}
	select {
	case <-bob.Done():
	default:
		t.Error("idle session still running")
	}
	if mgr.Len() != 1 {
		t.Errorf("Len = %d, want 1", mgr.Len())
	}
	if state, _ := st.LoadAppState(ctx, "bob"); state == nil || state.Profile.UserName != "Bob" {
		t.Errorf("evicted session did not flush its writes: %+v", state)
	}

	revived, err := mgr.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("Get after eviction failed: %v", err)
	}
	if revived == bob {
		t.Error("evicted session was returned")
	}
	if snap := revived.Current(); snap.Profile.UserName != "Bob" {
		t.Errorf("revived session lost state: %+v", snap.Profile)
	}
	if again, _ := mgr.Get(ctx, "alice"); again != alice {
		t.Error("recently used session was evicted")
	}
}

func TestManagerClose(t *testing.T) {
	_, backend := newStoreBackend()
	mgr := NewManager(context.Background(), backend)
	ctx := context.Background()

	o, err := mgr.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mgr.Close()
	mgr.Close()

	select {
	case <-o.Done():
	default:
		t.Errorf("session still running after Close")
	}
	if _, err := mgr.Get(ctx, "alice"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Get after Close error = %v, want ErrManagerClosed", err)
	}
	if _, err := mgr.Create(ctx, "bob"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Create after Close error = %v, want ErrManagerClosed", err)
	}
}

func TestManagerRejectsGetAfterContextEnds(t *testing.T) {
	_, backend := onboardedStore(t)
	m := metrics.New(prometheus.NewRegistry())
	parent, cancel := context.WithCancel(context.Background())
	mgr := NewManager(parent, backend, WithManagerMetrics(m))
	defer mgr.Close()
	cancel()

	if _, err := mgr.Get(context.Background(), "user-1"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Get error = %v, want ErrManagerClosed", err)
	}
	if mgr.Len() != 0 {
		t.Errorf("Len = %d, want 0", mgr.Len())
	}
	if got := testutil.ToFloat64(m.DegradedStartups.WithLabelValues(DegradedLoadError)); got != 0 {
		t.Errorf("degraded startups = %v, want 0", got)
	}
}

func TestManagerRequiresUserID(t *testing.T) {
	mgr := NewManager(context.Background(), newFakePersistence())
	defer mgr.Close()
	if _, err := mgr.Get(context.Background(), ""); !errors.Is(err, models.ErrUserIDRequired) {
		t.Errorf("Get error = %v, want ErrUserIDRequired", err)
	}
	if _, err := mgr.Create(context.Background(), ""); !errors.Is(err, models.ErrUserIDRequired) {
		t.Errorf("Create error = %v, want ErrUserIDRequired", err)
	}
}
