// Package dialogue runs the survey conversation for one answered call:
// consent, three questions, completion. Each webhook turn loads the
// session, asks the conversation engine to interpret the caller, and
// returns the next prompt.
package dialogue

import (
	"context"

	"voice-survey-agent/internal/campaigns"
)

// Signal is the conversation engine's reading of one caller utterance.
type Signal string

const (
	SignalConsentAccepted Signal = "consent_accepted"
	SignalConsentRefused  Signal = "consent_refused"
	SignalAnswerCaptured  Signal = "answer_captured"
	SignalRepeatRequested Signal = "repeat_requested"
	SignalUnclear         Signal = "unclear"
	SignalOffTopic        Signal = "off_topic"
	SignalComplete        Signal = "complete"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalConsentAccepted, SignalConsentRefused, SignalAnswerCaptured,
		SignalRepeatRequested, SignalUnclear, SignalOffTopic, SignalComplete:
		return true
	default:
		return false
	}
}

// TurnContext is what the engine knows about the conversation.
type TurnContext struct {
	Phase    Phase
	Language string
	Intro    string
	// Question is set in the question phases.
	Question      campaigns.Question
	QuestionIndex int
}

// Turn is the engine's interpretation of one utterance.
type Turn struct {
	// Utterance is an optional engine-suggested reply for re-prompts.
	Utterance  string
	Signal     Signal
	Answer     string
	Confidence float64
}

// ConversationEngine interprets caller speech. Implementations must honour
// ctx; the machine bounds every call with the configured engine timeout.
type ConversationEngine interface {
	NextTurn(ctx context.Context, tc TurnContext, utterance string) (Turn, error)
}
