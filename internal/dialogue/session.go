package dialogue

import (
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
)

type Phase string

const (
	PhaseAwaitingConsent Phase = "awaiting_consent"
	PhaseQuestion1       Phase = "question_1"
	PhaseQuestion2       Phase = "question_2"
	PhaseQuestion3       Phase = "question_3"
	PhaseCompletion      Phase = "completion"
	PhaseRefused         Phase = "refused"
	PhaseAborted         Phase = "aborted"
)

var questionPhases = [3]Phase{PhaseQuestion1, PhaseQuestion2, PhaseQuestion3}

// Terminal reports whether no further turns are accepted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompletion, PhaseRefused, PhaseAborted:
		return true
	default:
		return false
	}
}

// questionIndex returns 0..2 for question phases and -1 otherwise.
func (p Phase) questionIndex() int {
	for i, q := range questionPhases {
		if p == q {
			return i
		}
	}
	return -1
}

// Session is the live state of one survey conversation. It exists only
// while the call is up and is never resumed after loss.
type Session struct {
	CallID         string `json:"call_id"`
	CampaignID     string `json:"campaign_id"`
	ContactID      string `json:"contact_id"`
	AttemptID      string `json:"attempt_id"`
	ProviderCallID string `json:"provider_call_id,omitempty"`

	Phase    Phase  `json:"phase"`
	Language string `json:"language"`
	Intro    string `json:"intro"`
	Closing  string `json:"closing,omitempty"`

	Questions [3]campaigns.Question `json:"questions"`
	Answers   [3]calls.Answer       `json:"answers"`

	// Per-question budgets: one repeat and one re-prompt each.
	Repeats   [3]bool `json:"repeats"`
	Reprompts [3]bool `json:"reprompts"`

	// ConsentRetries counts non-decisive replies to the consent question.
	ConsentRetries int        `json:"consent_retries"`
	ConsentAt      *time.Time `json:"consent_at,omitempty"`
	EngineFailures int        `json:"engine_failures"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) turnContext() TurnContext {
	tc := TurnContext{Phase: s.Phase, Language: s.Language, Intro: s.Intro, QuestionIndex: -1}
	if i := s.Phase.questionIndex(); i >= 0 {
		tc.Question = s.Questions[i]
		tc.QuestionIndex = i
	}
	return tc
}
