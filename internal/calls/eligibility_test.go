package calls

import (
	"testing"
	"time"

	"voice-survey-agent/internal/campaigns"
)

func runningCampaign() campaigns.Campaign {
	return campaigns.Campaign{
		ID:            "cp1",
		Status:        campaigns.StatusRunning,
		MaxAttempts:   3,
		RetryInterval: time.Hour,
		Window:        campaigns.CallWindow{Start: campaigns.LocalTime{Hour: 9}, End: campaigns.LocalTime{Hour: 18}},
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)

	cases := []struct {
		name     string
		contact  Contact
		mutate   func(*campaigns.Campaign)
		excluded bool
		want     Reason
	}{
		{name: "fresh pending", contact: Contact{CampaignID: "cp1", State: ContactPending}, want: ReasonEligible},
		{name: "retry after interval", contact: Contact{CampaignID: "cp1", State: ContactNotReached, AttemptsCount: 1, LastAttemptAt: &old}, want: ReasonEligible},
		{name: "retry too soon", contact: Contact{CampaignID: "cp1", State: ContactNotReached, AttemptsCount: 1, LastAttemptAt: &recent}, want: ReasonRetryInterval},
		{name: "in progress", contact: Contact{CampaignID: "cp1", State: ContactInProgress, AttemptsCount: 1}, want: ReasonState},
		{name: "completed", contact: Contact{CampaignID: "cp1", State: ContactCompleted, AttemptsCount: 1}, want: ReasonState},
		{name: "exhausted", contact: Contact{CampaignID: "cp1", State: ContactNotReached, AttemptsCount: 3, LastAttemptAt: &old}, want: ReasonAttemptsExhausted},
		{name: "excluded", contact: Contact{CampaignID: "cp1", State: ContactPending}, excluded: true, want: ReasonExcluded},
		{name: "paused", contact: Contact{CampaignID: "cp1", State: ContactPending}, mutate: func(c *campaigns.Campaign) { c.Status = campaigns.StatusPaused }, want: ReasonCampaignNotRunning},
		{name: "outside window", contact: Contact{CampaignID: "cp1", State: ContactPending}, mutate: func(c *campaigns.Campaign) { c.Window.End = campaigns.LocalTime{Hour: 11} }, want: ReasonOutsideWindow},
		{name: "other campaign", contact: Contact{CampaignID: "cp2", State: ContactPending}, want: ReasonCampaignMismatch},
	}
	for _, tc := range cases {
		camp := runningCampaign()
		if tc.mutate != nil {
			tc.mutate(&camp)
		}
		ok, reason := Eligible(tc.contact, camp, now, tc.excluded)
		if reason != tc.want || ok != (tc.want == ReasonEligible) {
			t.Fatalf("%s: got (%v, %q), want %q", tc.name, ok, reason, tc.want)
		}
	}
}

func TestEventValidate(t *testing.T) {
	good := Event{CallID: "c", Type: EventAnswered, OccurredAt: time.Now()}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []Event{
		{Type: EventAnswered, OccurredAt: time.Now()},
		{CallID: "c", Type: "hold", OccurredAt: time.Now()},
		{CallID: "c", Type: EventAnswered},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected error for %+v", bad)
		}
	}
}
