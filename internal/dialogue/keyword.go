package dialogue

import (
	"context"
	"strings"
)

// KeywordEngine is a deterministic engine used by tests and dry runs. It
// recognises yes/no and repeat requests in English and Italian and takes any
// other non-empty reply to a question as the answer.
type KeywordEngine struct{}

var (
	yesWords    = []string{"yes", "sure", "ok", "okay", "sì", "si", "certo", "va bene"}
	noWords     = []string{"no", "not now", "stop", "non ho tempo", "non mi interessa"}
	repeatWords = []string{"repeat", "again", "ripeta", "ripetere", "come scusi"}
)

func (KeywordEngine) NextTurn(ctx context.Context, tc TurnContext, utterance string) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, err
	}
	u := strings.ToLower(strings.TrimSpace(utterance))
	switch {
	case u == "":
		return Turn{Signal: SignalUnclear}, nil
	case containsAny(u, repeatWords):
		return Turn{Signal: SignalRepeatRequested}, nil
	}

	if tc.Phase == PhaseAwaitingConsent {
		switch {
		case containsAny(u, noWords):
			return Turn{Signal: SignalConsentRefused, Confidence: 1}, nil
		case containsAny(u, yesWords):
			return Turn{Signal: SignalConsentAccepted, Confidence: 1}, nil
		default:
			return Turn{Signal: SignalUnclear}, nil
		}
	}
	return Turn{Signal: SignalAnswerCaptured, Answer: strings.TrimSpace(utterance), Confidence: 1}, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,!?")
		for _, k := range words {
			if w == k {
				return true
			}
		}
	}
	for _, k := range words {
		if strings.Contains(k, " ") && strings.Contains(s, k) {
			return true
		}
	}
	return false
}
