package calls

import (
	"fmt"
	"time"
)

// EventType is the normalized provider call lifecycle event.
type EventType string

const (
	EventInitiated EventType = "initiated"
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventCompleted EventType = "completed"
	EventNoAnswer  EventType = "no_answer"
	EventBusy      EventType = "busy"
	EventFailed    EventType = "failed"
)

// Terminal reports whether the provider considers the call over.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventNoAnswer, EventBusy, EventFailed:
		return true
	default:
		return false
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventInitiated, EventRinging, EventAnswered, EventCompleted, EventNoAnswer, EventBusy, EventFailed:
		return true
	default:
		return false
	}
}

// Event is a provider callback normalized by the telephony adapter.
type Event struct {
	CallID          string    `json:"call_id"`
	Type            EventType `json:"event_type"`
	OccurredAt      time.Time `json:"occurred_at"`
	ProviderCallID  string    `json:"provider_call_id,omitempty"`
	ProviderStatus  string    `json:"provider_status,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

func (e Event) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("%w: call_id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEvent)
	}
	return nil
}
