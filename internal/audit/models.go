package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names at least one target (campaign or call).
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
//
// Storage (Postgres): table audit_events, INSERT only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`

	// ActorUserID is the operator causing the event, empty for system events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeDataAnomaly     EventType = "data_anomaly"
	EventTypeCampaignPaused  EventType = "campaign_paused"
	EventTypeCampaignResumed EventType = "campaign_resumed"
	EventTypeStaleRecovered  EventType = "stale_recovered"
)
