package presence

import (
	"context"
	"fmt"
	"time"

	"presencebot/internal/eventbus"
	"presencebot/internal/metrics"
	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

// Previous is the status cache of a linked account.
type Previous struct {
	State      storage.PresenceState
	ActivityID string
}

// Outcome is the result of comparing an observation with the status cache.
type Outcome struct {
	State        storage.PresenceState
	ActivityID   string
	Transitioned bool
}

// Evaluate applies the transition rule: an observation is material when it
// is Active and either the previous state was not Active or the activity
// changed. Staying in the same activity never fires.
func Evaluate(prev Previous, snap upstream.Snapshot) Outcome {
	out := Outcome{State: snap.State, ActivityID: snap.ActivityID}
	if snap.State != storage.StateActive {
		return out
	}
	out.Transitioned = prev.State != storage.StateActive || prev.ActivityID != snap.ActivityID
	return out
}

// StatusWriter persists the status cache.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, externalID string, state storage.PresenceState, activityID string) error
}

// Transition is the payload of eventbus.TopicAccountTransition.
type Transition struct {
	ExternalID string
	From       storage.PresenceState
	To         storage.PresenceState
	ActivityID string
}

// Tracker evaluates observations and writes every one of them back to the
// status cache, transitioned or not.
type Tracker struct {
	store   StatusWriter
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

func NewTracker(store StatusWriter, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Tracker {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Tracker{store: store, bus: bus, metrics: m, log: log}
}

// Observe evaluates snap against the account's cache and persists the new
// observation. A failed write is returned alongside the outcome.
func (t *Tracker) Observe(ctx context.Context, account storage.LinkedAccount, snap upstream.Snapshot) (Outcome, error) {
	prev := Previous{State: account.LastState, ActivityID: account.LastActivityID}
	out := Evaluate(prev, snap)

	if err := t.store.UpdateStatus(ctx, account.ExternalID, out.State, out.ActivityID); err != nil {
		return out, fmt.Errorf("update status cache: %w", err)
	}
	if out.State != prev.State {
		t.log.Debug("state changed",
			logx.String("external_id", account.ExternalID),
			logx.String("from", string(prev.State)),
			logx.String("to", string(out.State)),
		)
	}
	if out.Transitioned {
		t.metrics.Transition()
		t.bus.Publish(eventbus.Event{
			Type: eventbus.TopicAccountTransition,
			Time: time.Now(),
			Data: Transition{
				ExternalID: account.ExternalID,
				From:       prev.State,
				To:         out.State,
				ActivityID: out.ActivityID,
			},
		})
	}
	return out, nil
}
