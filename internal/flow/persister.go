package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SleepPath/internal/metrics"
	"github.com/BTreeMap/SleepPath/internal/models"
)

// DefaultPersistTimeout bounds each fire-and-forget write.
const DefaultPersistTimeout = 5 * time.Second

type progressOp struct {
	clear    bool
	progress models.OnboardingProgress
}

// Persister performs fire-and-forget writes for one session on its own
// goroutine. Each kind of record keeps only its latest pending value, so
// enqueueing never blocks the orchestrator and a slow backend only ever
// writes the newest state.
type Persister struct {
	userID  string
	backend Persistence
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.Mutex
	profile  *models.Profile
	flags    *models.CompletionFlags
	progress *progressOp
	patch    *models.StatePatch

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPersister starts the write loop for userID.
func NewPersister(userID string, backend Persistence, m *metrics.Metrics) *Persister {
	p := &Persister{
		userID:  userID,
		backend: backend,
		metrics: m,
		timeout: DefaultPersistTimeout,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Profile queues a profile write.
func (p *Persister) Profile(profile models.Profile) {
	p.mu.Lock()
	p.profile = &profile
	p.mu.Unlock()
	p.signal()
}

// Completion queues a completion-flags write.
func (p *Persister) Completion(flags models.CompletionFlags) {
	p.mu.Lock()
	p.flags = &flags
	p.mu.Unlock()
	p.signal()
}

// Patch queues edits to be applied onto whatever the backend currently holds.
// patch must be cumulative: it replaces any patch still pending.
func (p *Persister) Patch(patch models.StatePatch) {
	p.mu.Lock()
	p.patch = &patch
	p.mu.Unlock()
	p.signal()
}

// Progress queues an onboarding-session write, replacing any pending clear.
func (p *Persister) Progress(progress models.OnboardingProgress) {
	p.mu.Lock()
	p.progress = &progressOp{progress: progress}
	p.mu.Unlock()
	p.signal()
}

// ClearProgress queues removal of the saved session, replacing any pending write.
func (p *Persister) ClearProgress() {
	p.mu.Lock()
	p.progress = &progressOp{clear: true}
	p.mu.Unlock()
	p.signal()
}

// Close flushes pending writes and stops the loop. Safe to call more than once.
func (p *Persister) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.quit:
			p.flush()
			return
		}
	}
}

func (p *Persister) flush() {
	p.mu.Lock()
	profile, flags, progress, patch := p.profile, p.flags, p.progress, p.patch
	p.profile, p.flags, p.progress, p.patch = nil, nil, nil, nil
	p.mu.Unlock()

	if patch != nil {
		p.write("patch", func(ctx context.Context) error {
			return p.applyPatch(ctx, *patch)
		})
	}
	if flags != nil {
		p.write("completion", func(ctx context.Context) error {
			return p.backend.PersistCompletion(ctx, p.userID, *flags)
		})
	}
	if profile != nil {
		p.write("profile", func(ctx context.Context) error {
			return p.backend.PersistProfile(ctx, p.userID, *profile)
		})
	}
	if progress != nil {
		if progress.clear {
			p.write("progress_clear", func(ctx context.Context) error {
				return p.backend.ClearProgress(ctx, p.userID)
			})
		} else {
			p.write("progress", func(ctx context.Context) error {
				return p.backend.PersistProgress(ctx, p.userID, progress.progress)
			})
		}
	}
}

func (p *Persister) write(kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Error("Persister.write: persistence failed", "kind", kind, "userID", p.userID, "error", err)
		p.metrics.IncPersistFailure(kind)
		return
	}
	slog.Debug("Persister.write: persisted", "kind", kind, "userID", p.userID)
}

// applyPatch reads the stored state, applies patch and writes back only the
// halves that changed. Nothing is written when the read fails.
func (p *Persister) applyPatch(ctx context.Context, patch models.StatePatch) error {
	state, err := p.backend.LoadInitialState(ctx, p.userID)
	if err != nil {
		return fmt.Errorf("failed to load state before patch: %w", err)
	}
	if state == nil {
		state = &models.AppState{}
	}
	profileChanged, flagsChanged := patch.Apply(state)
	if flagsChanged {
		if err := p.backend.PersistCompletion(ctx, p.userID, state.Flags); err != nil {
			return err
		}
	}
	if profileChanged {
		if err := p.backend.PersistProfile(ctx, p.userID, state.Profile); err != nil {
			return err
		}
	}
	return nil
}
