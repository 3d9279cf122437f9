// Package ledger is the durable Call Attempt Ledger: contacts, attempts,
// survey responses, provider event dedup and the domain event outbox.
package ledger

import (
	"context"
	"errors"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/events"
)

var (
	ErrNotFound         = errors.New("ledger: not found")
	ErrUnknownCall      = errors.New("ledger: unknown call id")
	ErrAlreadyCompleted = errors.New("ledger: survey already completed")
	// ErrAttemptClosed is returned when a dialogue tries to finalize an
	// attempt that already has an outcome other than its own.
	ErrAttemptClosed = errors.New("ledger: attempt already closed")
	// ErrNotAnswered is returned when a completion arrives for an attempt the
	// provider never reported as answered.
	ErrNotAnswered     = errors.New("ledger: attempt was never answered")
	ErrInvalidArgument = errors.New("ledger: invalid argument")
)

// Candidate is a contact the selector believes is eligible.
type Candidate struct {
	Contact  calls.Contact
	Campaign campaigns.Campaign
}

// Claim is the result of a successful claim: the contact is in_progress and a
// fresh attempt with a new CallID exists.
type Claim struct {
	Attempt  calls.CallAttempt
	Contact  calls.Contact
	Campaign campaigns.Campaign
}

// Applied describes what ApplyEvent did with one provider event.
type Applied struct {
	// Duplicate is set when the (call_id, event_type) pair was already seen.
	Duplicate  bool
	Transition calls.Transition
	Campaign   campaigns.Campaign
}

// Recovered is one in_progress contact swept by stale recovery.
type Recovered struct {
	ContactID  string
	CampaignID string
	CallID     string
	State      calls.ContactState
	Exhausted  bool
}

// Store is the ledger contract shared by the scheduler, the webhook
// processor, response persistence and the event relay.
type Store interface {
	ListEligible(ctx context.Context, now time.Time, limit int) ([]Candidate, error)
	CountInFlight(ctx context.Context) (int, error)
	// Claim returns ok=false when the contact is locked by another claimer or
	// no longer eligible.
	Claim(ctx context.Context, contactID string, now time.Time) (Claim, bool, error)
	AttachProviderCall(ctx context.Context, callID, providerCallID string) error
	// ReleaseClaim compensates a dispatch that failed synchronously. The
	// attempt row is kept, closed as failed with calls.ErrorCodeDispatch, and
	// the contact returns to the pool as if it had never been claimed.
	ReleaseClaim(ctx context.Context, callID string, now time.Time) error

	ApplyEvent(ctx context.Context, ev calls.Event) (Applied, error)
	FinalizeCompleted(ctx context.Context, callID string, answers [3]calls.Answer, now time.Time) (calls.SurveyResponse, error)
	FinalizeRefused(ctx context.Context, callID string, now time.Time) error
	RecoverStale(ctx context.Context, staleBefore, now time.Time) ([]Recovered, error)

	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status campaigns.Status, now time.Time) (campaigns.Campaign, error)
	CountContactsByState(ctx context.Context, campaignID string) (map[calls.ContactState]int, error)

	GetAttemptByCallID(ctx context.Context, callID string) (calls.CallAttempt, error)
	GetContact(ctx context.Context, id string) (calls.Contact, error)
	Attempts(ctx context.Context, contactID string) ([]calls.CallAttempt, error)

	events.OutboxRepo
}

// recoveredState is where stale recovery puts a contact whose open attempt
// it closed.
func recoveredState(c calls.Contact) calls.ContactState {
	if c.AttemptsCount <= 1 {
		return calls.ContactPending
	}
	return calls.ContactNotReached
}

// checkPause enforces the operator status transitions: only running and
// paused campaigns can be paused or resumed.
func checkPause(from, to campaigns.Status) error {
	switch {
	case to == campaigns.StatusPaused && from == campaigns.StatusRunning:
	case to == campaigns.StatusRunning && from == campaigns.StatusPaused:
	case to == from:
	default:
		return errors.Join(ErrInvalidArgument, errors.New("cannot move campaign from "+string(from)+" to "+string(to)))
	}
	return nil
}
