package events

import (
	"encoding/json"
	"fmt"
	"time"

	"voice-survey-agent/internal/calls"
)

// Type names a domain event emitted to downstream consumers.
type Type string

const (
	SurveyCompleted  Type = "survey.completed"
	SurveyRefused    Type = "survey.refused"
	SurveyNotReached Type = "survey.not_reached"
)

// Message is what consumers receive. DedupKey is stable across redeliveries.
type Message struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	DedupKey   string          `json:"dedup_key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// CompletedPayload is the body of survey.completed.
type CompletedPayload struct {
	ContactID     string         `json:"contact_id"`
	CampaignID    string         `json:"campaign_id"`
	CallAttemptID string         `json:"call_attempt_id"`
	Answers       []calls.Answer `json:"answers"`
}

// AttemptsPayload is the body of survey.refused and survey.not_reached.
type AttemptsPayload struct {
	ContactID     string `json:"contact_id"`
	CampaignID    string `json:"campaign_id"`
	CallAttemptID string `json:"call_attempt_id"`
	Attempts      int    `json:"attempts"`
}

// Draft is an event ready to be written to the outbox.
type Draft struct {
	Type     Type
	DedupKey string
	Payload  []byte
}

// DedupKey identifies one event per attempt: "<type>:<call_attempt_id>".
func DedupKey(t Type, callAttemptID string) string {
	return string(t) + ":" + callAttemptID
}

// Completed builds the survey.completed draft for resp.
func Completed(resp calls.SurveyResponse) (Draft, error) {
	return draft(SurveyCompleted, resp.CallAttemptID, CompletedPayload{
		ContactID:     resp.ContactID,
		CampaignID:    resp.CampaignID,
		CallAttemptID: resp.CallAttemptID,
		Answers:       resp.Answers[:],
	})
}

// Refused builds the survey.refused draft.
func Refused(a calls.CallAttempt, attempts int) (Draft, error) {
	return draft(SurveyRefused, a.ID, attemptsPayload(a, attempts))
}

// NotReached builds the survey.not_reached draft.
func NotReached(a calls.CallAttempt, attempts int) (Draft, error) {
	return draft(SurveyNotReached, a.ID, attemptsPayload(a, attempts))
}

func attemptsPayload(a calls.CallAttempt, attempts int) AttemptsPayload {
	return AttemptsPayload{
		ContactID:     a.ContactID,
		CampaignID:    a.CampaignID,
		CallAttemptID: a.ID,
		Attempts:      attempts,
	}
}

func draft(t Type, attemptID string, payload any) (Draft, error) {
	if attemptID == "" {
		return Draft{}, fmt.Errorf("events: %s requires a call attempt id", t)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Draft{}, fmt.Errorf("events: encode %s: %w", t, err)
	}
	return Draft{Type: t, DedupKey: DedupKey(t, attemptID), Payload: b}, nil
}
