// Package metrics provides Prometheus telemetry for the view and onboarding orchestrator.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups orchestrator counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Guard overrides by rule number and the view that was applied
	GuardCorrections *prometheus.CounterVec

	// Step index found beyond the step table and treated as implicit completion
	SequencerOverruns prometheus.Counter

	// Sessions started from untrusted persisted state, by reason
	DegradedStartups *prometheus.CounterVec

	// Which trigger won the welcome transition: "timer" or "user"
	WelcomeTransitions *prometheus.CounterVec

	// Onboarding completions by path: "terminal", "overrun" or "explicit"
	OnboardingCompletions *prometheus.CounterVec

	// Persistence writes that failed, by kind
	PersistFailures *prometheus.CounterVec

	// Live orchestrator sessions
	ActiveSessions prometheus.Gauge
}

// New creates the orchestrator metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GuardCorrections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sleeppath_guard_corrections_total",
			Help: "View requests overridden by the guard evaluator",
		}, []string{"rule", "applied"}),

		SequencerOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "sleeppath_sequencer_overruns_total",
			Help: "Onboarding step index found beyond the last known step",
		}),

		DegradedStartups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sleeppath_degraded_startups_total",
			Help: "Sessions started in degraded mode because persisted state could not be trusted",
		}, []string{"reason"}),

		WelcomeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sleeppath_welcome_transitions_total",
			Help: "Welcome screen dismissals by winning trigger",
		}, []string{"trigger"}),

		OnboardingCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sleeppath_onboarding_completions_total",
			Help: "Onboarding completions by path",
		}, []string{"path"}),

		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sleeppath_persist_failures_total",
			Help: "Failed fire-and-forget persistence writes by kind",
		}, []string{"kind"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sleeppath_active_sessions",
			Help: "Orchestrator sessions currently running",
		}),
	}
}

// IncGuardCorrection records a guard override.
func (m *Metrics) IncGuardCorrection(rule int, applied string) {
	if m != nil {
		m.GuardCorrections.WithLabelValues(strconv.Itoa(rule), applied).Inc()
	}
}

// IncSequencerOverrun records an overrun treated as implicit completion.
func (m *Metrics) IncSequencerOverrun() {
	if m != nil {
		m.SequencerOverruns.Inc()
	}
}

// IncDegradedStartup records a degraded startup.
func (m *Metrics) IncDegradedStartup(reason string) {
	if m != nil {
		m.DegradedStartups.WithLabelValues(reason).Inc()
	}
}

// IncWelcomeTransition records which trigger dismissed the welcome screen.
func (m *Metrics) IncWelcomeTransition(trigger string) {
	if m != nil {
		m.WelcomeTransitions.WithLabelValues(trigger).Inc()
	}
}

// IncOnboardingCompletion records a completion and the path that produced it.
func (m *Metrics) IncOnboardingCompletion(path string) {
	if m != nil {
		m.OnboardingCompletions.WithLabelValues(path).Inc()
	}
}

// IncPersistFailure records a failed persistence write.
func (m *Metrics) IncPersistFailure(kind string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(kind).Inc()
	}
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

// SessionStopped decrements the live session gauge.
func (m *Metrics) SessionStopped() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}
