package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts the ledger reads reporting needs.
type Repository interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	CountContactsByState(ctx context.Context, campaignID string) (map[calls.ContactState]int, error)
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, now: time.Now} }

func (s *Service) CampaignProgress(ctx context.Context, campaignID string) (CampaignProgress, error) {
	if campaignID == "" {
		return CampaignProgress{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CampaignProgress{}, errors.New("reporting: repository not configured")
	}

	camp, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignProgress{}, fmt.Errorf("campaign progress: %w", err)
	}
	counts, err := s.repo.CountContactsByState(ctx, campaignID)
	if err != nil {
		return CampaignProgress{}, fmt.Errorf("campaign progress: %w", err)
	}

	out := CampaignProgress{
		CampaignID:  camp.ID,
		Name:        camp.Name,
		Status:      camp.Status,
		ByState:     make(map[calls.ContactState]int, len(calls.AllContactStates)),
		GeneratedAt: s.now().UTC(),
	}
	// Every state is present in the output, zero or not.
	for _, st := range calls.AllContactStates {
		n := counts[st]
		out.ByState[st] = n
		out.TotalContacts += n
	}

	completed := out.ByState[calls.ContactCompleted]
	out.Reached = completed + out.ByState[calls.ContactRefused]

	if dialable := out.TotalContacts - out.ByState[calls.ContactExcluded]; dialable > 0 {
		out.CompletionRate = float64(completed) / float64(dialable)
	}
	if out.Reached > 0 {
		out.ResponseRate = float64(completed) / float64(out.Reached)
	}
	return out, nil
}
