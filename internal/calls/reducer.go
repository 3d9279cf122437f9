package calls

// Ignore reasons reported by Reduce.
const (
	IgnoredTerminal   = "attempt_terminal"
	IgnoredRegression = "regression"
	IgnoredAnswered   = "already_answered"
	IgnoredUnknown    = "unknown_event"
)

// AnomalyCompletedWithoutDialogue is reported when the provider says a call
// completed but the dialogue never produced an outcome.
const AnomalyCompletedWithoutDialogue = "completed_without_dialogue_outcome"

// Transition is the result of applying one provider event.
type Transition struct {
	Attempt CallAttempt
	Contact Contact

	// Changed is true when Attempt or Contact must be written back.
	Changed bool
	// Ignored names why the event had no effect on call state.
	Ignored string
	// Anomaly is set for events that imply a data inconsistency.
	Anomaly string

	// StartDialogue asks the caller to open a dialogue session.
	StartDialogue bool
	// EndDialogue asks the caller to close any live dialogue session.
	EndDialogue bool
	// NotReached is set when this event exhausted the contact's attempts.
	NotReached bool
}

// Reduce applies ev to the attempt and its contact. It is total: every
// (state, event) pair yields a Transition, and unexpected combinations are
// reported through Ignored instead of an error.
func Reduce(a CallAttempt, c Contact, maxAttempts int, ev Event) Transition {
	tr := Transition{Attempt: a, Contact: c}

	if ev.ProviderCallID != "" && tr.Attempt.ProviderCallID == "" {
		tr.Attempt.ProviderCallID = ev.ProviderCallID
		tr.Changed = true
	}

	if !a.Open() {
		// Late terminal callbacks still carry the call end time.
		if ev.Type.Terminal() && tr.Attempt.EndedAt == nil {
			at := ev.OccurredAt
			tr.Attempt.EndedAt = &at
			tr.Changed = true
		}
		tr.Ignored = IgnoredTerminal
		return tr
	}

	switch ev.Type {
	case EventInitiated, EventRinging:
		if a.AnsweredAt != nil {
			tr.Ignored = IgnoredRegression
		}
		return tr

	case EventAnswered:
		if a.AnsweredAt != nil {
			tr.Ignored = IgnoredAnswered
			return tr
		}
		at := ev.OccurredAt
		tr.Attempt.AnsweredAt = &at
		tr.Changed = true
		tr.StartDialogue = true
		return tr

	case EventNoAnswer, EventBusy, EventFailed, EventCompleted:
		return closeAttempt(tr, maxAttempts, ev)

	default:
		tr.Ignored = IgnoredUnknown
		return tr
	}
}

func closeAttempt(tr Transition, maxAttempts int, ev Event) Transition {
	var outcome Outcome
	switch ev.Type {
	case EventBusy:
		outcome = OutcomeBusy
	case EventFailed:
		outcome = OutcomeFailed
		tr.Attempt.ErrorCode = ev.ErrorCode
	case EventCompleted:
		// The dialogue records completed/refused before hanging up, so a
		// provider completion on an open attempt means the conversation
		// never finished. Treat it as not reached.
		outcome = OutcomeNoAnswer
		tr.Anomaly = AnomalyCompletedWithoutDialogue
	default:
		outcome = OutcomeNoAnswer
	}

	at := ev.OccurredAt
	tr.Attempt.Outcome = outcome.Ptr()
	tr.Attempt.EndedAt = &at
	tr.Changed = true
	tr.EndDialogue = true

	// Only the contact's current attempt may move the contact.
	if tr.Contact.State == ContactInProgress && tr.Attempt.AttemptNumber == tr.Contact.AttemptsCount {
		tr.Contact.State = ContactNotReached
		tr.Contact.LastOutcome = outcome.Ptr()
		tr.NotReached = IsExhausted(tr.Contact, maxAttempts)
	}
	return tr
}
