// Package flow provides the per-user session registry.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SleepPath/internal/metrics"
	"github.com/BTreeMap/SleepPath/internal/models"
)

var (
	// ErrManagerClosed is returned once the manager is closed or its context ends.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrUnknownUser is returned by Get for a user ID the store has never seen.
	ErrUnknownUser = errors.New("unknown user")
)

// DefaultIdleTimeout is how long an unused session stays in memory.
const DefaultIdleTimeout = 30 * time.Minute

// SessionHook is called once for each newly started session.
type SessionHook func(o *Orchestrator)

// ManagerOpts holds configuration for a Manager.
type ManagerOpts struct {
	Orchestrator []Option
	Hooks        []SessionHook
	Metrics      *metrics.Metrics
	// IdleTimeout evicts sessions not fetched for this long. Zero disables eviction.
	IdleTimeout time.Duration

	clock func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*ManagerOpts)

// WithOrchestratorOptions applies opts to every session the manager starts.
func WithOrchestratorOptions(opts ...Option) ManagerOption {
	return func(m *ManagerOpts) { m.Orchestrator = append(m.Orchestrator, opts...) }
}

// WithSessionHook registers a hook run after each session starts.
func WithSessionHook(h SessionHook) ManagerOption {
	return func(m *ManagerOpts) { m.Hooks = append(m.Hooks, h) }
}

// WithManagerMetrics attaches telemetry to every session.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *ManagerOpts) { m.Metrics = mt }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *ManagerOpts) { m.IdleTimeout = d }
}

func withManagerClock(now func() time.Time) ManagerOption {
	return func(m *ManagerOpts) { m.clock = now }
}

type session struct {
	o        *Orchestrator
	lastUsed time.Time
}

// pendingStart is a session start in flight. o and err are set before done closes.
type pendingStart struct {
	done chan struct{}
	o    *Orchestrator
	err  error
}

// Manager maps user IDs to running orchestrators, starting them on first use
// and stopping them once idle.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	backend Persistence
	timer   *SimpleTimer
	opts    ManagerOpts

	mu       sync.Mutex
	sessions map[string]*session
	starting map[string]*pendingStart
	closed   bool

	inflight    sync.WaitGroup
	janitorDone chan struct{}
}

// NewManager creates a manager whose sessions live until ctx is cancelled or
// Close is called. All sessions share one SimpleTimer.
func NewManager(ctx context.Context, backend Persistence, opts ...ManagerOption) *Manager {
	cfg := ManagerOpts{IdleTimeout: DefaultIdleTimeout, clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:         ctx,
		cancel:      cancel,
		backend:     backend,
		timer:       NewSimpleTimer(),
		opts:        cfg,
		sessions:    make(map[string]*session),
		starting:    make(map[string]*pendingStart),
		janitorDone: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go m.janitor(sweepInterval(cfg.IdleTimeout))
	} else {
		close(m.janitorDone)
	}
	return m
}

// Create records userID as a new user and starts its session. userID must
// not belong to an existing user.
func (m *Manager) Create(ctx context.Context, userID string) (*Orchestrator, error) {
	if userID == "" {
		return nil, models.ErrUserIDRequired
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := m.backend.PersistCompletion(ctx, userID, models.CompletionFlags{}); err != nil {
		return nil, fmt.Errorf("failed to register user %s: %w", userID, err)
	}
	slog.Info("Manager.Create: user registered", "userID", userID)
	return m.acquire(ctx, userID, true)
}

// Get returns the running session for userID, starting it if the user is
// known to the store. Startup loads persisted state, so the first call for a
// user may block for up to the orchestrator's load timeout; ctx bounds only
// the caller's wait, and starts for other users proceed in parallel.
func (m *Manager) Get(ctx context.Context, userID string) (*Orchestrator, error) {
	if userID == "" {
		return nil, models.ErrUserIDRequired
	}
	return m.acquire(ctx, userID, false)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.ctx.Err() != nil {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, userID string, known bool) (*Orchestrator, error) {
	for {
		m.mu.Lock()
		if m.closed || m.ctx.Err() != nil {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if s, ok := m.sessions[userID]; ok {
			select {
			case <-s.o.Done():
				delete(m.sessions, userID)
				m.mu.Unlock()
				slog.Debug("Manager.Get: replacing stopped session", "userID", userID)
				s.o.Stop()
				continue
			default:
				s.lastUsed = m.opts.clock()
				m.mu.Unlock()
				return s.o, nil
			}
		}
		p, ok := m.starting[userID]
		if !ok {
			if err := ctx.Err(); err != nil {
				m.mu.Unlock()
				return nil, err
			}
			p = &pendingStart{done: make(chan struct{})}
			m.starting[userID] = p
			m.inflight.Add(1)
			go m.start(userID, known, p)
		}
		m.mu.Unlock()

		select {
		case <-p.done:
			return p.o, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// start brings up userID's session outside the registry lock and publishes
// the result to every caller waiting on p.
func (m *Manager) start(userID string, known bool, p *pendingStart) {
	defer m.inflight.Done()

	o, err := m.startSession(userID, known)
	if err == nil {
		for _, h := range m.opts.Hooks {
			h(o)
		}
	}

	m.mu.Lock()
	delete(m.starting, userID)
	if err == nil && (m.closed || m.ctx.Err() != nil) {
		err = ErrManagerClosed
	}
	if err == nil {
		m.sessions[userID] = &session{o: o, lastUsed: m.opts.clock()}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if err != nil {
		if o != nil {
			o.Stop()
			o = nil
		}
		slog.Debug("Manager.Get: session not started", "userID", userID, "error", err)
	} else {
		slog.Info("Manager.Get: session started", "userID", userID, "sessions", count)
	}
	p.o, p.err = o, err
	close(p.done)
}

func (m *Manager) startSession(userID string, known bool) (*Orchestrator, error) {
	if !known {
		if err := m.checkKnown(userID); err != nil {
			return nil, err
		}
	}
	opts := append([]Option{WithTimer(m.timer), WithMetrics(m.opts.Metrics)}, m.opts.Orchestrator...)
	o := New(userID, m.backend, opts...)
	if _, err := o.Start(m.ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// checkKnown rejects user IDs the store has no record of. A failed lookup is
// let through so that startup can degrade the session.
func (m *Manager) checkKnown(userID string) error {
	ctx, cancel := context.WithTimeout(m.ctx, DefaultLoadTimeout)
	defer cancel()
	state, err := m.backend.LoadInitialState(ctx, userID)
	if err != nil {
		slog.Warn("Manager.Get: could not confirm user exists, starting anyway", "userID", userID, "error", err)
		return nil
	}
	if state == nil {
		return ErrUnknownUser
	}
	return nil
}

// Len returns the number of running sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func sweepInterval(idle time.Duration) time.Duration {
	if d := idle / 2; d > time.Second {
		return d
	}
	return time.Second
}

func (m *Manager) janitor(interval time.Duration) {
	defer close(m.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle(m.opts.clock())
		}
	}
}

// evictIdle stops sessions last fetched before now minus the idle timeout and
// returns how many it stopped. Their pending writes are flushed.
func (m *Manager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTimeout)
	m.mu.Lock()
	var idle []*Orchestrator
	for userID, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, s.o)
			delete(m.sessions, userID)
		}
	}
	m.mu.Unlock()

	for _, o := range idle {
		o.Stop()
	}
	if len(idle) > 0 {
		slog.Info("Manager.evictIdle: stopped idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Close stops every session and flushes their pending writes. Starts still in
// flight finish first and are stopped with the rest.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.inflight.Wait()

	m.mu.Lock()
	sessions := make([]*Orchestrator, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.o)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range sessions {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.Stop()
		}(o)
	}
	wg.Wait()
	m.cancel()
	<-m.janitorDone
	m.timer.Stop()
	slog.Info("Manager.Close: all sessions stopped", "count", len(sessions))
}
