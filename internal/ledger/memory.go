package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/events"
)

// MemoryStore is an in-memory Store with the same semantics as
// PostgresStore. A single mutex stands in for row locks. It is used by tests
// and by `surveyd serve --dry-run`.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]campaigns.Campaign
	contacts  map[string]calls.Contact
	attempts  map[string]calls.CallAttempt // by call id
	byContact map[string][]string          // contact id -> call ids, attempt order
	responses map[string]calls.SurveyResponse
	excluded  map[string]struct{}
	dedup     map[string]struct{}
	outbox    []*events.OutboxMessage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]campaigns.Campaign{},
		contacts:  map[string]calls.Contact{},
		attempts:  map[string]calls.CallAttempt{},
		byContact: map[string][]string{},
		responses: map[string]calls.SurveyResponse{},
		excluded:  map[string]struct{}{},
		dedup:     map[string]struct{}{},
	}
}

// PutCampaign inserts or replaces a campaign.
func (s *MemoryStore) PutCampaign(c campaigns.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// PutContact inserts or replaces a contact.
func (s *MemoryStore) PutContact(c calls.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.State == "" {
		c.State = calls.ContactPending
	}
	s.contacts[c.ID] = c
}

// Exclude adds a phone number to the exclusion list.
func (s *MemoryStore) Exclude(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[phone] = struct{}{}
}

// Outbox returns a snapshot of every outbox row in insertion order.
func (s *MemoryStore) Outbox() []events.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	return out
}

// Response returns the stored survey response for a contact.
func (s *MemoryStore) Response(contactID, campaignID string) (calls.SurveyResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[responseKey(contactID, campaignID)]
	return r, ok
}

func responseKey(contactID, campaignID string) string { return contactID + "|" + campaignID }

func dedupKey(callID string, t calls.EventType) string { return callID + "|" + string(t) }

func (s *MemoryStore) isExcluded(phone string) bool {
	_, ok := s.excluded[phone]
	return ok
}

func (s *MemoryStore) ListEligible(_ context.Context, now time.Time, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Candidate
	for _, c := range s.contacts {
		camp, ok := s.campaigns[c.CampaignID]
		if !ok {
			continue
		}
		if ok, _ := calls.Eligible(c, camp, now, s.isExcluded(c.PhoneNumber)); ok {
			out = append(out, Candidate{Contact: c, Campaign: camp})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Contact, out[j].Contact
		switch {
		case a.LastAttemptAt == nil && b.LastAttemptAt != nil:
			return true
		case a.LastAttemptAt != nil && b.LastAttemptAt == nil:
			return false
		case a.LastAttemptAt != nil && !a.LastAttemptAt.Equal(*b.LastAttemptAt):
			return a.LastAttemptAt.Before(*b.LastAttemptAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.ID < b.ID
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.Open() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Claim(_ context.Context, contactID string, now time.Time) (Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[contactID]
	if !ok {
		return Claim{}, false, fmt.Errorf("claim contact %s: %w", contactID, ErrNotFound)
	}
	camp, ok := s.campaigns[c.CampaignID]
	if !ok {
		return Claim{}, false, fmt.Errorf("claim contact %s: campaign %s: %w", contactID, c.CampaignID, ErrNotFound)
	}
	if ok, _ := calls.Eligible(c, camp, now, s.isExcluded(c.PhoneNumber)); !ok {
		return Claim{}, false, nil
	}

	c.AttemptsCount++
	c.State = calls.ContactInProgress
	at := now
	c.LastAttemptAt = &at
	c.UpdatedAt = now

	a := calls.CallAttempt{
		ID:            uuid.NewString(),
		ContactID:     c.ID,
		CampaignID:    c.CampaignID,
		AttemptNumber: c.AttemptsCount,
		CallID:        uuid.NewString(),
		StartedAt:     now,
		Version:       1,
	}
	s.contacts[c.ID] = c
	s.attempts[a.CallID] = a
	s.byContact[c.ID] = append(s.byContact[c.ID], a.CallID)

	return Claim{Attempt: a, Contact: c, Campaign: camp}, true, nil
}

func (s *MemoryStore) AttachProviderCall(_ context.Context, callID, providerCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[callID]
	if !ok {
		return fmt.Errorf("attach provider call %s: %w", callID, ErrUnknownCall)
	}
	if a.ProviderCallID == "" {
		a.ProviderCallID = providerCallID
		a.Version++
		s.attempts[callID] = a
	}
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[callID]
	if !ok {
		return fmt.Errorf("release claim %s: %w", callID, ErrUnknownCall)
	}
	if !a.Open() {
		return nil
	}

	a.Outcome = calls.OutcomeFailed.Ptr()
	a.ErrorCode = calls.ErrorCodeDispatch
	a.EndedAt = &now
	a.Version++
	s.attempts[callID] = a

	c := s.contacts[a.ContactID]
	if c.State != calls.ContactInProgress {
		return nil
	}
	var prev *calls.CallAttempt
	for _, id := range s.byContact[c.ID] {
		p := s.attempts[id]
		if p.ID == a.ID || p.ErrorCode == calls.ErrorCodeDispatch {
			continue
		}
		if prev == nil || p.StartedAt.After(prev.StartedAt) {
			prev = &p
		}
	}
	if c.AttemptsCount > 0 {
		c.AttemptsCount--
	}
	c.LastAttemptAt, c.LastOutcome = nil, nil
	if prev != nil {
		at := prev.StartedAt
		c.LastAttemptAt = &at
		c.LastOutcome = prev.Outcome
	}
	c.State = recoveredState(c)
	c.UpdatedAt = now
	s.contacts[c.ID] = c
	return nil
}

// revertContact returns an in_progress contact to the pool after its open
// attempt was closed by the core. Caller holds s.mu.
func (s *MemoryStore) revertContact(c calls.Contact, camp campaigns.Campaign, a calls.CallAttempt, now time.Time) error {
	if c.State != calls.ContactInProgress {
		return nil
	}
	c.LastOutcome = a.Outcome
	c.UpdatedAt = now
	if calls.IsExhausted(c, camp.MaxAttempts) {
		c.State = calls.ContactNotReached
		d, err := events.NotReached(a, c.AttemptsCount)
		if err != nil {
			return err
		}
		s.enqueue(d, now)
	} else {
		c.State = recoveredState(c)
	}
	s.contacts[c.ID] = c
	return nil
}

func (s *MemoryStore) enqueue(d events.Draft, now time.Time) {
	for _, m := range s.outbox {
		if m.DedupKey == d.DedupKey {
			return
		}
	}
	s.outbox = append(s.outbox, &events.OutboxMessage{
		ID:        uuid.NewString(),
		Type:      d.Type,
		DedupKey:  d.DedupKey,
		Payload:   d.Payload,
		Status:    events.OutboxQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *MemoryStore) ApplyEvent(_ context.Context, ev calls.Event) (Applied, error) {
	if err := ev.Validate(); err != nil {
		return Applied{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[ev.CallID]
	if !ok {
		return Applied{}, fmt.Errorf("apply %s: %w", ev.CallID, ErrUnknownCall)
	}
	key := dedupKey(ev.CallID, ev.Type)
	if _, seen := s.dedup[key]; seen {
		return Applied{Duplicate: true}, nil
	}
	s.dedup[key] = struct{}{}

	c := s.contacts[a.ContactID]
	camp := s.campaigns[a.CampaignID]
	tr := calls.Reduce(a, c, camp.MaxAttempts, ev)
	if tr.Changed {
		tr.Attempt.Version++
		s.attempts[ev.CallID] = tr.Attempt
		if tr.Contact != c {
			tr.Contact.UpdatedAt = ev.OccurredAt
			s.contacts[c.ID] = tr.Contact
		}
	}
	if tr.NotReached {
		d, err := events.NotReached(tr.Attempt, tr.Contact.AttemptsCount)
		if err != nil {
			return Applied{}, err
		}
		s.enqueue(d, ev.OccurredAt)
	}
	return Applied{Transition: tr, Campaign: camp}, nil
}

func (s *MemoryStore) FinalizeCompleted(_ context.Context, callID string, answers [3]calls.Answer, now time.Time) (calls.SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[callID]
	if !ok {
		return calls.SurveyResponse{}, fmt.Errorf("finalize %s: %w", callID, ErrUnknownCall)
	}
	if err := finalizable(a, calls.OutcomeCompleted); err != nil {
		return calls.SurveyResponse{}, err
	}
	rk := responseKey(a.ContactID, a.CampaignID)
	if _, exists := s.responses[rk]; exists {
		return calls.SurveyResponse{}, fmt.Errorf("finalize %s: %w", callID, ErrAlreadyCompleted)
	}

	resp := calls.SurveyResponse{
		ID:            uuid.NewString(),
		ContactID:     a.ContactID,
		CampaignID:    a.CampaignID,
		CallAttemptID: a.ID,
		Answers:       answers,
		CompletedAt:   now,
	}
	d, err := events.Completed(resp)
	if err != nil {
		return calls.SurveyResponse{}, err
	}

	a.Outcome = calls.OutcomeCompleted.Ptr()
	a.Version++
	c := s.contacts[a.ContactID]
	c.State = calls.ContactCompleted
	c.LastOutcome = calls.OutcomeCompleted.Ptr()
	c.UpdatedAt = now

	s.responses[rk] = resp
	s.attempts[callID] = a
	s.contacts[c.ID] = c
	s.enqueue(d, now)
	return resp, nil
}

func (s *MemoryStore) FinalizeRefused(_ context.Context, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[callID]
	if !ok {
		return fmt.Errorf("refuse %s: %w", callID, ErrUnknownCall)
	}
	if a.Outcome != nil && *a.Outcome == calls.OutcomeRefused {
		return nil
	}
	if err := finalizable(a, calls.OutcomeRefused); err != nil {
		return err
	}

	c := s.contacts[a.ContactID]
	a.Outcome = calls.OutcomeRefused.Ptr()
	a.Version++
	d, err := events.Refused(a, c.AttemptsCount)
	if err != nil {
		return err
	}
	c.State = calls.ContactRefused
	c.LastOutcome = calls.OutcomeRefused.Ptr()
	c.UpdatedAt = now

	s.attempts[callID] = a
	s.contacts[c.ID] = c
	s.enqueue(d, now)
	return nil
}

// finalizable checks that a dialogue outcome may be recorded on a.
func finalizable(a calls.CallAttempt, want calls.Outcome) error {
	if a.Outcome != nil {
		if *a.Outcome == calls.OutcomeCompleted && want == calls.OutcomeCompleted {
			return fmt.Errorf("finalize %s: %w", a.CallID, ErrAlreadyCompleted)
		}
		return fmt.Errorf("finalize %s as %s: outcome is %s: %w", a.CallID, want, *a.Outcome, ErrAttemptClosed)
	}
	if a.AnsweredAt == nil {
		return fmt.Errorf("finalize %s: %w", a.CallID, ErrNotAnswered)
	}
	return nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, staleBefore, now time.Time) ([]Recovered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Recovered
	for _, c := range s.contacts {
		if c.State != calls.ContactInProgress || c.LastAttemptAt == nil || !c.LastAttemptAt.Before(staleBefore) {
			continue
		}
		a, ok := s.openAttempt(c.ID)
		if !ok {
			continue
		}
		camp := s.campaigns[c.CampaignID]

		closed := a
		closed.Outcome = calls.OutcomeFailed.Ptr()
		closed.ErrorCode = calls.ErrorCodeStaleRecovery
		closed.EndedAt = &now
		closed.Version++
		if err := s.revertContact(c, camp, closed, now); err != nil {
			continue
		}
		s.attempts[a.CallID] = closed

		after := s.contacts[c.ID]
		out = append(out, Recovered{
			ContactID:  c.ID,
			CampaignID: c.CampaignID,
			CallID:     a.CallID,
			State:      after.State,
			Exhausted:  calls.IsExhausted(after, camp.MaxAttempts),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out, nil
}

// openAttempt returns the contact's in-flight attempt. Caller holds s.mu.
func (s *MemoryStore) openAttempt(contactID string) (calls.CallAttempt, bool) {
	for _, callID := range s.byContact[contactID] {
		if a := s.attempts[callID]; a.Open() {
			return a, true
		}
	}
	return calls.CallAttempt{}, false
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (campaigns.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaigns.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) SetCampaignStatus(_ context.Context, id string, status campaigns.Status, now time.Time) (campaigns.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaigns.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err := checkPause(c.Status, status); err != nil {
		return campaigns.Campaign{}, err
	}
	c.Status = status
	c.UpdatedAt = now
	s.campaigns[id] = c
	return c, nil
}

func (s *MemoryStore) CountContactsByState(_ context.Context, campaignID string) (map[calls.ContactState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	out := map[calls.ContactState]int{}
	for _, c := range s.contacts {
		if c.CampaignID == campaignID {
			out[c.State]++
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAttemptByCallID(_ context.Context, callID string) (calls.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[callID]
	if !ok {
		return calls.CallAttempt{}, fmt.Errorf("attempt %s: %w", callID, ErrUnknownCall)
	}
	return a, nil
}

func (s *MemoryStore) GetContact(_ context.Context, id string) (calls.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return calls.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) Attempts(_ context.Context, contactID string) ([]calls.CallAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byContact[contactID]
	out := make([]calls.CallAttempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.attempts[id])
	}
	return out, nil
}

func (s *MemoryStore) ClaimDueEvents(_ context.Context, now time.Time, limit int) ([]events.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.OutboxMessage
	for _, m := range s.outbox {
		if len(out) >= limit {
			break
		}
		if m.Status != events.OutboxQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		at := now
		m.Status = events.OutboxSending
		m.LockedAt = &at
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) outboxRow(id string) (*events.OutboxMessage, error) {
	for _, m := range s.outbox {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("outbox %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) MarkEventPublished(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.outboxRow(id)
	if err != nil {
		return err
	}
	m.Status = events.OutboxPublished
	m.LockedAt = nil
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailEvent(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.outboxRow(id)
	if err != nil {
		return err
	}
	m.Status = events.OutboxQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	return nil
}

func (s *MemoryStore) RequeueStaleEvents(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == events.OutboxSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = events.OutboxQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}
