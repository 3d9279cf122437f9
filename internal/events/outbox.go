package events

import (
	"context"
	"encoding/json"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	OutboxQueued    OutboxStatus = "queued"
	OutboxSending   OutboxStatus = "sending"
	OutboxPublished OutboxStatus = "published"
)

// OutboxMessage is a durable, not yet acknowledged domain event.
// Rows are written in the same transaction as the state change they describe.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Type          Type         `json:"type"`
	DedupKey      string       `json:"dedup_key"`
	Payload       []byte       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Message converts the row into its published form.
func (m OutboxMessage) Message() Message {
	return Message{
		ID:         m.ID,
		Type:       m.Type,
		DedupKey:   m.DedupKey,
		OccurredAt: m.CreatedAt,
		Payload:    json.RawMessage(m.Payload),
	}
}

// OutboxRepo is the relay's view of the outbox table.
type OutboxRepo interface {
	// ClaimDueEvents marks up to limit queued rows whose next_attempt_at has
	// passed as sending and returns them.
	ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkEventPublished(ctx context.Context, id string, now time.Time) error
	// FailEvent requeues the row for another try at nextAttemptAt.
	FailEvent(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	// RequeueStaleEvents resets rows stuck in sending since before staleBefore.
	RequeueStaleEvents(ctx context.Context, staleBefore time.Time) (int, error)
}
