// Package flow implements the view and onboarding orchestrator.
//
// Each user session is owned by one Orchestrator goroutine. Every mutation is
// a command applied in arrival order; after each command the guard re-checks
// the view against the completion flags before the resulting snapshot is
// published, so readers never observe an inconsistent view.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/SleepPath/internal/metrics"
	"github.com/BTreeMap/SleepPath/internal/models"
)

// DefaultLoadTimeout bounds the startup load of persisted state.
const DefaultLoadTimeout = 5 * time.Second

// Errors returned by orchestrator operations.
var (
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
	ErrAlreadyStarted      = errors.New("orchestrator already started")
)

// Degraded startup reasons.
const (
	DegradedLoadError    = "load_error"
	DegradedInconsistent = "inconsistent_state"
)

// PlaceholderBabyName is shown when a degraded startup has no real baby profile.
const PlaceholderBabyName = "your little one"

// Completion paths, as recorded in logs and metrics.
const (
	completionTerminal = "terminal"
	completionOverrun  = "overrun"
	completionExplicit = "explicit"
)

type sessionState struct {
	view           models.ViewState
	showingWelcome bool
	initialized    bool
	flags          models.CompletionFlags
	profile        models.Profile
	seq            *Sequencer
	startupMode    models.StartupMode
	degradedReason string
	patch          models.StatePatch
	lastCorrection *models.ViewCorrection
	version        uint64
}

type command struct {
	name  string
	apply func(st *sessionState) Topic
	reply chan models.Snapshot
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimer sets the timer used for the welcome auto-advance.
func WithTimer(t Timer) Option {
	return func(o *Orchestrator) { o.timer = t }
}

// WithWelcomeDelay overrides DefaultWelcomeDelay.
func WithWelcomeDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.welcomeDelay = d }
}

// WithGuardPolicy sets the guard's product switches.
func WithGuardPolicy(p GuardPolicy) Option {
	return func(o *Orchestrator) { o.guard = NewGuard(p) }
}

// WithMetrics attaches Prometheus telemetry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLoadTimeout overrides DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.loadTimeout = d }
}

// Orchestrator owns one user session's view, onboarding progress and
// completion flags.
type Orchestrator struct {
	userID       string
	backend      Persistence
	timer        Timer
	guard        Guard
	metrics      *metrics.Metrics
	now          func() time.Time
	welcomeDelay time.Duration
	loadTimeout  time.Duration

	welcome   *WelcomeTimer
	persister *Persister
	hub       *hub
	latest    atomic.Pointer[models.Snapshot]

	// state is touched only by the owning goroutine once Start returns.
	state *sessionState

	cmds      chan command
	quit      chan struct{}
	stopped   chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
	startedAt time.Time
}

// New creates an orchestrator for userID. Call Start before any other operation.
func New(userID string, backend Persistence, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		userID:       userID,
		backend:      backend,
		guard:        NewGuard(GuardPolicy{}),
		now:          time.Now,
		welcomeDelay: DefaultWelcomeDelay,
		loadTimeout:  DefaultLoadTimeout,
		hub:          newHub(),
		state:        &sessionState{startupMode: models.StartupPending},
		cmds:         make(chan command),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timer == nil {
		o.timer = NewSimpleTimer()
	}
	o.welcome = NewWelcomeTimer(o.timer)
	return o
}

// UserID returns the session's user ID.
func (o *Orchestrator) UserID() string {
	return o.userID
}

// Start runs the startup sequence (welcome view, persisted-state load,
// degraded-mode fallback, welcome timer) and launches the owning goroutine.
// The session ends when ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) (models.Snapshot, error) {
	if !o.started.CompareAndSwap(false, true) {
		return models.Snapshot{}, ErrAlreadyStarted
	}
	o.startedAt = o.now()
	o.persister = NewPersister(o.userID, o.backend, o.metrics)
	o.metrics.SessionStarted()

	snap := o.startup(ctx)
	go o.run(ctx)
	return snap, nil
}

// Stop ends the session, cancels the welcome timer and flushes pending writes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.quit) })
	if !o.started.Load() {
		return
	}
	<-o.stopped
	o.persister.Close()
}

// Done is closed once the owning goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopped
}

// Current returns the most recently published snapshot without a round trip.
func (o *Orchestrator) Current() models.Snapshot {
	if snap := o.latest.Load(); snap != nil {
		return *snap
	}
	return models.Snapshot{UserID: o.userID, StartupMode: models.StartupPending}
}

// Subscribe delivers snapshots that change any of topics. The current
// snapshot is delivered first.
func (o *Orchestrator) Subscribe(topics Topic) *Subscription {
	return o.hub.add(topics, o.latest.Load())
}

// SetView requests a view. The request is applied unconditionally and then
// reconciled by the guard, which may override it.
func (o *Orchestrator) SetView(ctx context.Context, v models.ViewState) (models.Snapshot, error) {
	return o.do(ctx, "set_view", func(st *sessionState) Topic {
		return o.setView(st, v)
	})
}

// ContinueFromWelcome is the user's explicit "continue" on the welcome screen.
func (o *Orchestrator) ContinueFromWelcome(ctx context.Context) (models.Snapshot, error) {
	return o.do(ctx, "continue_from_welcome", func(st *sessionState) Topic {
		trigger := "user"
		if !o.welcome.Claim() {
			// The timer claimed the token first; its transition may still be queued.
			trigger = "timer"
		}
		return o.dismissWelcome(st, trigger)
	})
}

// Advance merges a screen's partial answer and moves onboarding forward one step.
func (o *Orchestrator) Advance(ctx context.Context, partial models.Answers) (models.Snapshot, error) {
	return o.do(ctx, "advance", func(st *sessionState) Topic {
		if st.seq == nil {
			slog.Warn("Orchestrator.Advance: no onboarding session active, ignoring", "userID", o.userID)
			return 0
		}
		res := st.seq.Advance(partial)
		changed := TopicProgress
		changed |= o.applyProfileAnswers(st, partial)

		switch {
		case res.Overrun:
			slog.Warn("Orchestrator.Advance: step index beyond last step, completing onboarding",
				"userID", o.userID, "stepIndex", res.Index)
			o.metrics.IncSequencerOverrun()
			return changed | o.completeOnboarding(st, res.Answers, completionOverrun)
		case res.Terminal:
			slog.Info("Orchestrator.Advance: terminal step reached", "userID", o.userID, "fields", len(res.Answers))
			return changed | o.completeOnboarding(st, res.Answers, completionTerminal)
		}

		o.persister.Progress(st.seq.Progress(o.now()))
		slog.Debug("Orchestrator.Advance: advanced", "userID", o.userID, "stepIndex", res.Index)
		return changed
	})
}

// Retreat moves onboarding back one step, clamped at the first step.
func (o *Orchestrator) Retreat(ctx context.Context) (models.Snapshot, error) {
	return o.do(ctx, "retreat", func(st *sessionState) Topic {
		if st.seq == nil {
			return 0
		}
		before := st.seq.CurrentStep()
		if st.seq.Retreat() == before {
			return 0
		}
		o.persister.Progress(st.seq.Progress(o.now()))
		return TopicProgress
	})
}

// RestartOnboarding begins a fresh questionnaire (the "retake" flow). The
// completion flag is cleared so the guard keeps the user in onboarding.
func (o *Orchestrator) RestartOnboarding(ctx context.Context) (models.Snapshot, error) {
	return o.do(ctx, "restart_onboarding", func(st *sessionState) Topic {
		st.seq = NewSequencer()
		changed := TopicProgress
		if st.flags.OnboardingComplete {
			st.flags.OnboardingComplete = false
			incomplete := false
			o.saveFlags(st, models.StatePatch{OnboardingComplete: &incomplete})
			changed |= TopicFlags
		}
		o.persister.Progress(st.seq.Progress(o.now()))
		slog.Info("Orchestrator.RestartOnboarding: onboarding restarted", "userID", o.userID)
		return changed | o.setView(st, models.ViewOnboarding)
	})
}

// CompleteOnboarding marks onboarding complete with finalAnswers and moves to the dashboard.
func (o *Orchestrator) CompleteOnboarding(ctx context.Context, finalAnswers models.Answers) (models.Snapshot, error) {
	return o.do(ctx, "complete_onboarding", func(st *sessionState) Topic {
		answers := finalAnswers.Clone()
		if st.seq != nil {
			merged := st.seq.Answers()
			for k, v := range finalAnswers {
				merged[k] = v
			}
			answers = merged
		}
		return o.completeOnboarding(st, answers, completionExplicit)
	})
}

// SetHasActivePlan records whether the user has an active (paid) plan.
func (o *Orchestrator) SetHasActivePlan(ctx context.Context, active bool) (models.Snapshot, error) {
	return o.do(ctx, "set_has_active_plan", func(st *sessionState) Topic {
		if st.flags.HasActivePlan == active {
			if st.startupMode == models.StartupDegraded {
				// The forced flag can match while the stored one does not.
				o.recordPatch(st, models.StatePatch{HasActivePlan: &active})
			}
			return 0
		}
		st.flags.HasActivePlan = active
		o.saveFlags(st, models.StatePatch{HasActivePlan: &active})
		return TopicFlags
	})
}

// SetUserName updates the parent's name.
func (o *Orchestrator) SetUserName(ctx context.Context, name string) (models.Snapshot, error) {
	return o.do(ctx, "set_user_name", func(st *sessionState) Topic {
		return o.applyProfileAnswers(st, models.Answers{models.FieldUserName: name})
	})
}

// SetBabyProfile updates the baby's name, age and photo reference.
func (o *Orchestrator) SetBabyProfile(ctx context.Context, name string, ageMonths int, photoRef string) (models.Snapshot, error) {
	return o.do(ctx, "set_baby_profile", func(st *sessionState) Topic {
		answers := models.Answers{
			models.FieldBabyName:      name,
			models.FieldBabyAgeMonths: ageMonths,
		}
		if photoRef != "" {
			answers[models.FieldBabyPhotoRef] = photoRef
		}
		return o.applyProfileAnswers(st, answers)
	})
}

// Snapshot round-trips through the owning goroutine and returns the state
// after every previously issued command has been applied.
func (o *Orchestrator) Snapshot(ctx context.Context) (models.Snapshot, error) {
	return o.do(ctx, "snapshot", func(*sessionState) Topic { return 0 })
}

func (o *Orchestrator) do(ctx context.Context, name string, apply func(st *sessionState) Topic) (models.Snapshot, error) {
	if !o.started.Load() {
		return models.Snapshot{}, ErrOrchestratorStopped
	}
	cmd := command{name: name, apply: apply, reply: make(chan models.Snapshot, 1)}
	select {
	case o.cmds <- cmd:
	case <-o.stopped:
		return models.Snapshot{}, ErrOrchestratorStopped
	case <-ctx.Done():
		return models.Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-o.stopped:
		select {
		case snap := <-cmd.reply:
			return snap, nil
		default:
			return models.Snapshot{}, ErrOrchestratorStopped
		}
	case <-ctx.Done():
		return models.Snapshot{}, ctx.Err()
	}
}

// post enqueues a command from a non-caller goroutine (timer callbacks).
// It gives up once the session has stopped.
func (o *Orchestrator) post(name string, apply func(st *sessionState) Topic) {
	select {
	case o.cmds <- command{name: name, apply: apply}:
	case <-o.stopped:
		slog.Debug("Orchestrator.post: session stopped, dropping command", "userID", o.userID, "command", name)
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.stopped)
	defer o.metrics.SessionStopped()
	defer o.hub.close()
	defer o.welcome.Cancel()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Orchestrator.run: context done", "userID", o.userID)
			return
		case <-o.quit:
			slog.Debug("Orchestrator.run: stopping", "userID", o.userID)
			return
		case cmd := <-o.cmds:
			snap := o.apply(cmd.name, cmd.apply)
			if cmd.reply != nil {
				cmd.reply <- snap
			}
		}
	}
}

// apply runs one mutation, reconciles the view and publishes the result.
func (o *Orchestrator) apply(name string, fn func(st *sessionState) Topic) models.Snapshot {
	st := o.state
	changed := fn(st)
	changed |= o.reconcile(st)
	if changed != 0 {
		st.version++
	}
	snap := o.snapshot(st)
	o.latest.Store(&snap)
	o.hub.publish(snap, changed)
	slog.Debug("Orchestrator.apply: command applied", "userID", o.userID, "command", name,
		"view", snap.View, "stepIndex", snap.Progress.StepIndex, "version", snap.Version)
	return snap
}

func (o *Orchestrator) startup(ctx context.Context) models.Snapshot {
	st := o.state
	st.view = models.ViewWelcome
	st.showingWelcome = true
	o.reconcile(st)

	loadCtx, cancel := context.WithTimeout(ctx, o.loadTimeout)
	defer cancel()

	loaded, err := o.backend.LoadInitialState(loadCtx, o.userID)
	switch {
	case err != nil:
		o.enterDegraded(st, DegradedLoadError, err, nil)
	case loaded == nil:
		st.startupMode = models.StartupNormal
	default:
		if verr := loaded.Validate(); verr != nil {
			o.enterDegraded(st, DegradedInconsistent, verr, loaded)
		} else {
			st.startupMode = models.StartupNormal
			st.flags = loaded.Flags
			st.profile = loaded.Profile
		}
	}

	if !st.flags.OnboardingComplete {
		st.seq = o.resumeOnboarding(loadCtx)
	}

	st.initialized = true
	if err := o.welcome.Arm(o.welcomeDelay, func() {
		o.post("welcome_timer", func(st *sessionState) Topic {
			return o.dismissWelcome(st, "timer")
		})
	}); err != nil {
		slog.Error("Orchestrator.startup: failed to arm welcome timer", "userID", o.userID, "error", err)
	}

	if st.seq != nil && st.seq.Overrun() {
		slog.Warn("Orchestrator.startup: saved step index beyond last step, completing onboarding",
			"userID", o.userID, "stepIndex", st.seq.CurrentStep())
		o.metrics.IncSequencerOverrun()
		o.completeOnboarding(st, st.seq.Answers(), completionOverrun)
	}

	slog.Info("Orchestrator.startup: session started", "userID", o.userID, "mode", st.startupMode,
		"onboardingComplete", st.flags.OnboardingComplete, "hasActivePlan", st.flags.HasActivePlan)
	return o.apply("startup", func(*sessionState) Topic { return TopicAll })
}

func (o *Orchestrator) resumeOnboarding(ctx context.Context) *Sequencer {
	saved, err := o.backend.LoadProgress(ctx, o.userID)
	if err != nil {
		slog.Warn("Orchestrator.startup: could not load onboarding progress, starting fresh", "userID", o.userID, "error", err)
		return NewSequencer()
	}
	if saved == nil {
		return NewSequencer()
	}
	slog.Info("Orchestrator.startup: resuming onboarding", "userID", o.userID, "stepIndex", saved.StepIndex)
	return RestoreSequencer(*saved)
}

// enterDegraded keeps the user off a broken screen by treating the session as
// onboarded, with a placeholder baby profile when none is known. The state is
// marked degraded; from here on only the user's own edits reach storage, as a
// patch over whatever the backend holds.
func (o *Orchestrator) enterDegraded(st *sessionState, reason string, cause error, loaded *models.AppState) {
	st.startupMode = models.StartupDegraded
	st.degradedReason = reason
	if loaded != nil {
		st.profile = loaded.Profile
	}
	st.flags = models.CompletionFlags{OnboardingComplete: true, HasActivePlan: true}
	if st.profile.BabyName == "" {
		st.profile.BabyName = PlaceholderBabyName
		st.profile.Placeholder = true
	}
	o.metrics.IncDegradedStartup(reason)
	slog.Warn("Orchestrator.startup: degraded startup, forcing completion flags",
		"userID", o.userID, "reason", reason, "error", cause, "placeholderProfile", st.profile.Placeholder)
}

func (o *Orchestrator) setView(st *sessionState, v models.ViewState) Topic {
	if st.showingWelcome && v != models.ViewWelcome {
		// Leaving the welcome screen by any other route tears the timer down.
		o.welcome.Cancel()
		st.showingWelcome = false
	}
	if st.view == v {
		return 0
	}
	st.view = v
	return TopicView
}

func (o *Orchestrator) dismissWelcome(st *sessionState, trigger string) Topic {
	if !st.showingWelcome {
		return 0
	}
	st.showingWelcome = false
	o.metrics.IncWelcomeTransition(trigger)
	slog.Info("Orchestrator.dismissWelcome: leaving welcome screen", "userID", o.userID, "trigger", trigger)
	return TopicView | o.setView(st, models.ViewDashboard)
}

func (o *Orchestrator) completeOnboarding(st *sessionState, answers models.Answers, path string) Topic {
	changed := TopicFlags | TopicProgress
	st.flags.OnboardingComplete = true
	st.seq = nil
	if st.profile.ApplyAnswers(answers) {
		changed |= TopicProfile
	}
	complete := true
	o.saveFlags(st, models.StatePatch{OnboardingComplete: &complete})
	o.saveProfile(st, answers)
	o.persister.ClearProgress()
	o.metrics.IncOnboardingCompletion(path)
	slog.Info("Orchestrator.completeOnboarding: onboarding complete", "userID", o.userID, "path", path, "fields", len(answers))

	if st.showingWelcome {
		// The welcome screen lingers; its transition lands on the dashboard.
		return changed
	}
	return changed | o.setView(st, models.ViewDashboard)
}

func (o *Orchestrator) applyProfileAnswers(st *sessionState, answers models.Answers) Topic {
	if !st.profile.ApplyAnswers(answers) {
		return 0
	}
	o.saveProfile(st, answers)
	return TopicProfile
}

// saveFlags persists the completion flags. Degraded flags are forced, so a
// degraded session records only change.
func (o *Orchestrator) saveFlags(st *sessionState, change models.StatePatch) {
	if st.startupMode == models.StartupDegraded {
		o.recordPatch(st, change)
		return
	}
	o.persister.Completion(st.flags)
}

// saveProfile persists the profile. A degraded profile may hold a placeholder,
// so a degraded session records only the profile fields in answers.
func (o *Orchestrator) saveProfile(st *sessionState, answers models.Answers) {
	if st.startupMode == models.StartupDegraded {
		o.recordPatch(st, models.StatePatch{Answers: models.ProfileAnswers(answers)})
		return
	}
	o.persister.Profile(st.profile)
}

func (o *Orchestrator) recordPatch(st *sessionState, change models.StatePatch) {
	if change.IsEmpty() {
		return
	}
	st.patch.Merge(change)
	o.persister.Patch(st.patch.Clone())
	slog.Debug("Orchestrator.recordPatch: degraded edit queued", "userID", o.userID)
}

func (o *Orchestrator) reconcile(st *sessionState) Topic {
	requested := st.view
	d := o.guard.Evaluate(GuardInput{
		Initialized:        st.initialized,
		ShowingWelcome:     st.showingWelcome,
		View:               st.view,
		OnboardingComplete: st.flags.OnboardingComplete,
	})
	if !d.Corrected {
		return 0
	}
	st.view = d.View
	st.lastCorrection = &models.ViewCorrection{Requested: requested, Applied: d.View, Rule: d.Rule, At: o.now()}
	o.metrics.IncGuardCorrection(d.Rule, string(d.View))
	slog.Info("Orchestrator.reconcile: view corrected by guard", "userID", o.userID,
		"requested", requested, "applied", d.View, "rule", d.Rule)
	return TopicView
}

func (o *Orchestrator) snapshot(st *sessionState) models.Snapshot {
	snap := models.Snapshot{
		UserID:         o.userID,
		View:           st.view,
		ShowingWelcome: st.showingWelcome,
		Initialized:    st.initialized,
		Flags:          st.flags,
		Profile:        st.profile,
		StartupMode:    st.startupMode,
		DegradedReason: st.degradedReason,
		Version:        st.version,
		Progress:       models.OnboardingProgress{Answers: models.Answers{}},
	}
	if st.seq != nil {
		snap.Progress = st.seq.Progress(o.now())
	}
	if st.lastCorrection != nil {
		c := *st.lastCorrection
		snap.LastCorrection = &c
	}
	return snap
}
