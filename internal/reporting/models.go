package reporting

import (
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
)

// CampaignProgress is the operator view of one campaign: how many contacts
// sit in each state and how the finished ones ended.
type CampaignProgress struct {
	CampaignID string           `json:"campaign_id"`
	Name       string           `json:"name"`
	Status     campaigns.Status `json:"status"`

	TotalContacts int                        `json:"total_contacts"`
	ByState       map[calls.ContactState]int `json:"by_state"`

	// Reached counts contacts who answered and got as far as the consent
	// question: completed plus refused.
	Reached int `json:"reached"`

	// CompletionRate is completed / (total - excluded). Excluded contacts are
	// never dialed.
	CompletionRate float64 `json:"completion_rate"`
	// ResponseRate is completed / reached.
	ResponseRate float64 `json:"response_rate"`

	GeneratedAt time.Time `json:"generated_at"`
}
