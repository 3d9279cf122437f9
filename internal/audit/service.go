package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"voice-survey-agent/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is best-effort: the Log* helpers log a failed append and return.
// A nil *Service is valid and records nothing.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, clock: time.Now, log: logger.Component(log, "audit")}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.CampaignID == "" && e.CallID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(context.WithoutCancel(ctx), e); err != nil {
		s.log.Error("audit append failed", "type", e.Type, "campaign_id", e.CampaignID, "call_id", e.CallID, "error", err)
	}
}

// LogAnomaly records a data inconsistency, e.g. a callback for an unknown
// call or a completed call without a dialogue outcome.
func (s *Service) LogAnomaly(ctx context.Context, campaignID, contactID, callID, kind string) {
	s.record(ctx, Event{
		Type:       EventTypeDataAnomaly,
		CampaignID: campaignID,
		ContactID:  contactID,
		CallID:     callID,
		Message:    kind,
	})
}

// LogCampaignControl records an operator pause or resume.
func (s *Service) LogCampaignControl(ctx context.Context, campaignID, actorUserID, actorRole, ip string, paused bool) {
	typ, msg := EventTypeCampaignResumed, "campaign resumed"
	if paused {
		typ, msg = EventTypeCampaignPaused, "campaign paused"
	}
	s.record(ctx, Event{
		Type:        typ,
		CampaignID:  campaignID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     msg,
	})
}

// LogStaleRecovery records an attempt closed by the stale sweep.
func (s *Service) LogStaleRecovery(ctx context.Context, campaignID, contactID, callID, state string) {
	meta, _ := json.Marshal(map[string]string{"contact_state": state})
	s.record(ctx, Event{
		Type:       EventTypeStaleRecovered,
		CampaignID: campaignID,
		ContactID:  contactID,
		CallID:     callID,
		Message:    "open attempt closed by stale recovery",
		Metadata:   string(meta),
	})
}
