package calls

import "time"

// Contact is one person to be surveyed within one campaign.
//
// Invariants:
// - AttemptsCount equals the number of CallAttempt rows for the contact.
// - At most one attempt per contact has a nil Outcome at any time.
type Contact struct {
	ID          string       `json:"id" db:"id"`
	CampaignID  string       `json:"campaign_id" db:"campaign_id"`
	PhoneNumber string       `json:"phone_number" db:"phone_number"`
	State       ContactState `json:"state" db:"state"`

	AttemptsCount int        `json:"attempts_count" db:"attempts_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastOutcome   *Outcome   `json:"last_outcome,omitempty" db:"last_outcome"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ContactState string

const (
	ContactPending    ContactState = "pending"
	ContactInProgress ContactState = "in_progress"
	ContactCompleted  ContactState = "completed"
	ContactRefused    ContactState = "refused"
	ContactNotReached ContactState = "not_reached"
	ContactExcluded   ContactState = "excluded"
)

// AllContactStates lists every state, in lifecycle order.
var AllContactStates = []ContactState{
	ContactPending,
	ContactInProgress,
	ContactCompleted,
	ContactRefused,
	ContactNotReached,
	ContactExcluded,
}

// IsExhausted reports whether the contact has used all of its attempts.
func IsExhausted(c Contact, maxAttempts int) bool {
	return c.AttemptsCount >= maxAttempts
}

// IsTerminal reports whether no further attempts will ever be made.
func IsTerminal(c Contact, maxAttempts int) bool {
	switch c.State {
	case ContactCompleted, ContactRefused, ContactExcluded:
		return true
	case ContactNotReached:
		return IsExhausted(c, maxAttempts)
	default:
		return false
	}
}

// CallAttempt is one dial of one contact.
//
// CallID is generated before dispatch and sent to the provider as the
// idempotency key; provider callbacks correlate on it. ProviderCallID is
// metadata recorded once the provider answers the dispatch request.
// The record is immutable once Outcome is set, except for metadata
// (ProviderCallID, EndedAt).
type CallAttempt struct {
	ID            string `json:"id" db:"id"`
	ContactID     string `json:"contact_id" db:"contact_id"`
	CampaignID    string `json:"campaign_id" db:"campaign_id"`
	AttemptNumber int    `json:"attempt_number" db:"attempt_number"`

	CallID         string `json:"call_id" db:"call_id"`
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Outcome   *Outcome `json:"outcome,omitempty" db:"outcome"`
	ErrorCode string   `json:"error_code,omitempty" db:"error_code"`

	// Version increases on every persisted change.
	Version int `json:"version" db:"version"`
}

// Open reports whether the attempt is still in flight.
func (a CallAttempt) Open() bool { return a.Outcome == nil }

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRefused   Outcome = "refused"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Ptr is a convenience for optional outcome fields.
func (o Outcome) Ptr() *Outcome { return &o }

// Error codes recorded on failed attempts by the core itself.
const (
	ErrorCodeDispatch      = "dispatch_failed"
	ErrorCodeStaleRecovery = "stale_recovery"
)

// SurveyResponse holds the three answers of a completed survey.
// One per (ContactID, CampaignID).
type SurveyResponse struct {
	ID            string    `json:"id" db:"id"`
	ContactID     string    `json:"contact_id" db:"contact_id"`
	CampaignID    string    `json:"campaign_id" db:"campaign_id"`
	CallAttemptID string    `json:"call_attempt_id" db:"call_attempt_id"`
	Answers       [3]Answer `json:"answers"`
	CompletedAt   time.Time `json:"completed_at" db:"completed_at"`
}

type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}
