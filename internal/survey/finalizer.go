// Package survey persists the outcome of a finished conversation: the
// response row, the final attempt and contact states, and the domain event,
// all in one ledger transaction.
package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/dialogue"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/pkg/logger"
)

type Store interface {
	FinalizeCompleted(ctx context.Context, callID string, answers [3]calls.Answer, now time.Time) (calls.SurveyResponse, error)
	FinalizeRefused(ctx context.Context, callID string, now time.Time) error
}

// Notifier is told that a domain event was committed (the event relay).
type Notifier interface {
	Kick()
}

type Finalizer struct {
	store Store
	relay Notifier
	clock func() time.Time
	log   *slog.Logger
}

var _ dialogue.Finalizer = (*Finalizer)(nil)

func NewFinalizer(store Store, relay Notifier, log *slog.Logger) *Finalizer {
	return &Finalizer{store: store, relay: relay, clock: time.Now, log: logger.Component(log, "survey")}
}

// Complete stores the three answers. A second completion for the same
// contact and campaign is rejected by the ledger and only logged.
func (f *Finalizer) Complete(ctx context.Context, s dialogue.Session) error {
	log := logger.ForCall(f.log, s.CallID, s.ContactID, s.CampaignID)
	resp, err := f.store.FinalizeCompleted(context.WithoutCancel(ctx), s.CallID, s.Answers, f.clock())
	if errors.Is(err, ledger.ErrAlreadyCompleted) {
		log.Warn("duplicate survey completion rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("survey: finalize completed %s: %w", s.CallID, err)
	}
	log.Info("survey response stored", "response_id", resp.ID)
	f.kick()
	return nil
}

// Refuse records the refusal. Repeating it for the same call is a no-op.
func (f *Finalizer) Refuse(ctx context.Context, s dialogue.Session) error {
	if err := f.store.FinalizeRefused(context.WithoutCancel(ctx), s.CallID, f.clock()); err != nil {
		return fmt.Errorf("survey: finalize refused %s: %w", s.CallID, err)
	}
	logger.ForCall(f.log, s.CallID, s.ContactID, s.CampaignID).Info("survey refusal stored")
	f.kick()
	return nil
}

func (f *Finalizer) kick() {
	if f.relay != nil {
		f.relay.Kick()
	}
}
