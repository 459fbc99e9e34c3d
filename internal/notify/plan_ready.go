package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SleepPath/internal/flow"
	"github.com/BTreeMap/SleepPath/internal/models"
)

// DefaultSendTimeout bounds a single notification send.
const DefaultSendTimeout = 10 * time.Second

// PlanReadyNotifier texts the parent once per session when onboarding
// completes and the profile has a phone number.
type PlanReadyNotifier struct {
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewPlanReadyNotifier creates a notifier that sends through sender.
func NewPlanReadyNotifier(sender Sender) *PlanReadyNotifier {
	return &PlanReadyNotifier{sender: sender, timeout: DefaultSendTimeout}
}

// Watch follows the started session o until it stops. It matches
// flow.SessionHook so it can be registered with a Manager.
func (n *PlanReadyNotifier) Watch(o *flow.Orchestrator) {
	sub := o.Subscribe(flow.TopicFlags)
	initial, ok := <-sub.C
	if !ok {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Close()
		n.follow(o.UserID(), initial.Flags.OnboardingComplete, sub.C)
	}()
}

// Wait blocks until every watched session has stopped.
func (n *PlanReadyNotifier) Wait() {
	n.wg.Wait()
}

func (n *PlanReadyNotifier) follow(userID string, wasComplete bool, snaps <-chan models.Snapshot) {
	sent := false
	for snap := range snaps {
		complete := snap.Flags.OnboardingComplete
		becameComplete := complete && !wasComplete
		wasComplete = complete
		if !becameComplete || sent {
			continue
		}
		if snap.Profile.PhoneNumber == "" {
			slog.Debug("PlanReadyNotifier: onboarding complete but no phone number", "userID", userID)
			continue
		}
		if err := models.ValidatePhoneNumber(snap.Profile.PhoneNumber); err != nil {
			slog.Warn("PlanReadyNotifier: skipping invalid phone number", "userID", userID, "error", err)
			continue
		}
		if err := n.send(snap.Profile); err != nil {
			slog.Error("PlanReadyNotifier: send failed", "userID", userID, "error", err)
			continue
		}
		sent = true
		slog.Info("PlanReadyNotifier: plan-ready message sent", "userID", userID)
	}
}

func (n *PlanReadyNotifier) send(p models.Profile) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return n.sender.SendMessage(ctx, p.PhoneNumber, PlanReadyMessage(p))
}

// PlanReadyMessage renders the SMS body for p.
func PlanReadyMessage(p models.Profile) string {
	greeting := "Hi"
	if p.UserName != "" {
		greeting = "Hi " + p.UserName
	}
	baby := "Your baby"
	if p.BabyName != "" && !p.Placeholder {
		baby = p.BabyName
	}
	return fmt.Sprintf("%s! %s's personalised sleep plan is ready. Open SleepPath to see tonight's routine.", greeting, baby)
}
