// Package webhook applies normalized provider callbacks to the ledger and
// keeps the dialogue in step with the call.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/telephony"
	"voice-survey-agent/pkg/logger"
)

// AnomalyUnknownCall is audited when a callback names a call_id the ledger
// has never issued.
const AnomalyUnknownCall = "unknown_call_id"

type Store interface {
	ApplyEvent(ctx context.Context, ev calls.Event) (ledger.Applied, error)
}

// Dialogue is the dialogue machine as seen from the webhook path.
type Dialogue interface {
	Start(ctx context.Context, callID string) (telephony.Prompt, error)
	Abort(ctx context.Context, callID, reason string) error
}

type Auditor interface {
	LogAnomaly(ctx context.Context, campaignID, contactID, callID, kind string)
}

// Result describes what Handle did with one event.
type Result struct {
	Duplicate bool
	// Ignored names why the event had no effect (see calls.Ignored*).
	Ignored    string
	Transition calls.Transition
}

type Processor struct {
	store    Store
	dialogue Dialogue
	audit    Auditor
	log      *slog.Logger
}

func NewProcessor(store Store, dialogue Dialogue, audit Auditor, log *slog.Logger) *Processor {
	return &Processor{store: store, dialogue: dialogue, audit: audit, log: logger.Component(log, "webhook")}
}

// Handle applies ev once. Duplicates, unknown calls and out-of-order events
// are not errors: the provider must not retry them.
func (p *Processor) Handle(ctx context.Context, ev calls.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	log := logger.ForCall(p.log, ev.CallID, "", "").With("event_type", ev.Type)

	applied, err := p.store.ApplyEvent(ctx, ev)
	if errors.Is(err, ledger.ErrUnknownCall) {
		log.Warn("callback for unknown call discarded", "provider_call_id", ev.ProviderCallID)
		p.anomaly(ctx, "", "", ev.CallID, AnomalyUnknownCall)
		return Result{Ignored: AnomalyUnknownCall}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("apply %s for call %s: %w", ev.Type, ev.CallID, err)
	}
	if applied.Duplicate {
		log.Debug("duplicate callback ignored")
		return Result{Duplicate: true}, nil
	}

	tr := applied.Transition
	log = logger.ForCall(log, "", tr.Contact.ID, tr.Attempt.CampaignID)
	res := Result{Ignored: tr.Ignored, Transition: tr}
	if tr.Ignored != "" {
		log.Debug("callback had no effect", "reason", tr.Ignored)
	}

	if tr.Anomaly != "" {
		log.Warn("call data anomaly", "anomaly", tr.Anomaly, "outcome", outcomeOf(tr.Attempt))
		p.anomaly(ctx, tr.Attempt.CampaignID, tr.Contact.ID, ev.CallID, tr.Anomaly)
	}
	if tr.NotReached {
		log.Info("contact not reached after final attempt", "attempts", tr.Contact.AttemptsCount)
	}

	if p.dialogue == nil {
		return res, nil
	}
	if tr.StartDialogue {
		if _, err := p.dialogue.Start(ctx, ev.CallID); err != nil {
			// The voice webhook retries the start; stale recovery covers the rest.
			log.Error("dialogue start failed", "error", err)
		}
	}
	if tr.EndDialogue {
		if err := p.dialogue.Abort(ctx, ev.CallID, "provider_"+string(ev.Type)); err != nil {
			log.Error("dialogue abort failed", "error", err)
		}
	}
	return res, nil
}

// Accept satisfies telephony.EventSink.
func (p *Processor) Accept(ctx context.Context, ev calls.Event) error {
	_, err := p.Handle(ctx, ev)
	return err
}

func (p *Processor) anomaly(ctx context.Context, campaignID, contactID, callID, kind string) {
	if p.audit != nil {
		p.audit.LogAnomaly(ctx, campaignID, contactID, callID, kind)
	}
}

func outcomeOf(a calls.CallAttempt) string {
	if a.Outcome == nil {
		return ""
	}
	return string(*a.Outcome)
}
