package calls

import (
	"time"

	"voice-survey-agent/internal/campaigns"
)

// Reason explains why a contact is not eligible for a call right now.
type Reason string

const (
	ReasonEligible           Reason = ""
	ReasonState              Reason = "state"
	ReasonAttemptsExhausted  Reason = "attempts_exhausted"
	ReasonCampaignNotRunning Reason = "campaign_not_running"
	ReasonOutsideWindow      Reason = "outside_call_window"
	ReasonExcluded           Reason = "excluded"
	ReasonRetryInterval      Reason = "retry_interval"
	ReasonCampaignMismatch   Reason = "campaign_mismatch"
)

// Eligible decides whether contact may be dialled for campaign at now.
// The same predicate runs in the selector query and again under the row lock
// at claim time.
func Eligible(c Contact, camp campaigns.Campaign, now time.Time, excluded bool) (bool, Reason) {
	if c.CampaignID != camp.ID {
		return false, ReasonCampaignMismatch
	}
	if c.State != ContactPending && c.State != ContactNotReached {
		return false, ReasonState
	}
	if excluded {
		return false, ReasonExcluded
	}
	if IsExhausted(c, camp.MaxAttempts) {
		return false, ReasonAttemptsExhausted
	}
	if !camp.Running() {
		return false, ReasonCampaignNotRunning
	}
	if !camp.Window.Contains(now) {
		return false, ReasonOutsideWindow
	}
	if c.LastAttemptAt != nil && now.Sub(*c.LastAttemptAt) < camp.RetryInterval {
		return false, ReasonRetryInterval
	}
	return true, ReasonEligible
}
