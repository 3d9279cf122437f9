package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/events"
)

var now0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, maxAttempts int, contacts ...string) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.PutCampaign(campaigns.Campaign{
		ID:            "cp1",
		Status:        campaigns.StatusRunning,
		Language:      "en",
		IntroScript:   "hi",
		MaxAttempts:   maxAttempts,
		RetryInterval: time.Hour,
		Window:        campaigns.CallWindow{Start: campaigns.LocalTime{Hour: 8}, End: campaigns.LocalTime{Hour: 20}},
	})
	for i, id := range contacts {
		s.PutContact(calls.Contact{
			ID:          id,
			CampaignID:  "cp1",
			PhoneNumber: fmt.Sprintf("+3900000%04d", i),
			CreatedAt:   now0.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func mustClaim(t *testing.T, s Store, contactID string, at time.Time) Claim {
	t.Helper()
	cl, ok, err := s.Claim(context.Background(), contactID, at)
	if err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", contactID, ok, err)
	}
	return cl
}

func apply(t *testing.T, s Store, callID string, typ calls.EventType, at time.Time) Applied {
	t.Helper()
	res, err := s.ApplyEvent(context.Background(), calls.Event{CallID: callID, Type: typ, OccurredAt: at})
	if err != nil {
		t.Fatalf("apply %s: %v", typ, err)
	}
	return res
}

func TestClaim_ConcurrentClaimersGetOneAttempt(t *testing.T) {
	s := seed(t, 3, "ct1")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(context.Background(), "ct1", now0)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", won)
	}
	attempts, _ := s.Attempts(context.Background(), "ct1")
	c, _ := s.GetContact(context.Background(), "ct1")
	if len(attempts) != 1 || c.AttemptsCount != 1 || c.State != calls.ContactInProgress {
		t.Fatalf("unexpected ledger state: attempts=%d contact=%+v", len(attempts), c)
	}
	if attempts[0].CallID == "" || attempts[0].AttemptNumber != 1 {
		t.Fatalf("unexpected attempt: %+v", attempts[0])
	}
}

func TestListEligible_OrdersAndFilters(t *testing.T) {
	s := seed(t, 3, "ct1", "ct2", "ct3")
	s.Exclude("+39000000002")

	old := now0.Add(-2 * time.Hour)
	c1, _ := s.GetContact(context.Background(), "ct1")
	c1.State, c1.AttemptsCount, c1.LastAttemptAt = calls.ContactNotReached, 1, &old
	s.PutContact(c1)

	got, err := s.ListEligible(context.Background(), now0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Contact.ID != "ct2" || got[1].Contact.ID != "ct1" {
		t.Fatalf("expected never-attempted first and excluded dropped, got %+v", got)
	}

	got, _ = s.ListEligible(context.Background(), now0, 1)
	if len(got) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(got))
	}
}

func TestApplyEvent_DuplicateIsNoOp(t *testing.T) {
	s := seed(t, 3, "ct1")
	cl := mustClaim(t, s, "ct1", now0)

	first := apply(t, s, cl.Attempt.CallID, calls.EventAnswered, now0.Add(5*time.Second))
	if !first.Transition.StartDialogue {
		t.Fatalf("expected first answered to start dialogue")
	}
	second := apply(t, s, cl.Attempt.CallID, calls.EventAnswered, now0.Add(6*time.Second))
	if !second.Duplicate || second.Transition.StartDialogue {
		t.Fatalf("expected duplicate no-op, got %+v", second)
	}

	a, _ := s.GetAttemptByCallID(context.Background(), cl.Attempt.CallID)
	if !a.AnsweredAt.Equal(now0.Add(5 * time.Second)) {
		t.Fatalf("duplicate must not move answered_at: %v", a.AnsweredAt)
	}
}

func TestApplyEvent_UnknownCall(t *testing.T) {
	s := seed(t, 3)
	_, err := s.ApplyEvent(context.Background(), calls.Event{CallID: "nope", Type: calls.EventRinging, OccurredAt: now0})
	if !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected ErrUnknownCall, got %v", err)
	}
}

func TestApplyEvent_ExhaustionEmitsNotReachedOnce(t *testing.T) {
	s := seed(t, 1, "ct1")
	cl := mustClaim(t, s, "ct1", now0)

	res := apply(t, s, cl.Attempt.CallID, calls.EventBusy, now0.Add(20*time.Second))
	if !res.Transition.NotReached {
		t.Fatalf("expected not_reached with max_attempts=1")
	}
	apply(t, s, cl.Attempt.CallID, calls.EventFailed, now0.Add(21*time.Second))

	out := s.Outbox()
	if len(out) != 1 || out[0].Type != events.SurveyNotReached || out[0].DedupKey != "survey.not_reached:"+cl.Attempt.ID {
		t.Fatalf("expected one not_reached event, got %+v", out)
	}
	if _, ok, _ := s.Claim(context.Background(), "ct1", now0.Add(3*time.Hour)); ok {
		t.Fatalf("exhausted contact must not be claimable")
	}
}

func answeredClaim(t *testing.T, s *MemoryStore) Claim {
	t.Helper()
	cl := mustClaim(t, s, "ct1", now0)
	apply(t, s, cl.Attempt.CallID, calls.EventAnswered, now0.Add(time.Second))
	return cl
}

func TestFinalizeCompleted_OnceOnly(t *testing.T) {
	s := seed(t, 3, "ct1")
	cl := answeredClaim(t, s)
	answers := [3]calls.Answer{{Text: "9", Confidence: 0.9}, {Text: "2", Confidence: 0.8}, {Text: "ok", Confidence: 0.7}}

	resp, err := s.FinalizeCompleted(context.Background(), cl.Attempt.CallID, answers, now0.Add(time.Minute))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if resp.CallAttemptID != cl.Attempt.ID || resp.Answers != answers {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, err = s.FinalizeCompleted(context.Background(), cl.Attempt.CallID, answers, now0.Add(2*time.Minute))
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	c, _ := s.GetContact(context.Background(), "ct1")
	if c.State != calls.ContactCompleted {
		t.Fatalf("expected completed contact, got %s", c.State)
	}
	if out := s.Outbox(); len(out) != 1 || out[0].Type != events.SurveyCompleted {
		t.Fatalf("expected exactly one completed event, got %+v", out)
	}

	// Provider completion after dialogue completion keeps the outcome.
	res := apply(t, s, cl.Attempt.CallID, calls.EventCompleted, now0.Add(2*time.Minute))
	if res.Transition.Ignored != calls.IgnoredTerminal || res.Transition.Anomaly != "" {
		t.Fatalf("expected terminal ignore, got %+v", res.Transition)
	}
	a, _ := s.GetAttemptByCallID(context.Background(), cl.Attempt.CallID)
	if *a.Outcome != calls.OutcomeCompleted || a.EndedAt == nil {
		t.Fatalf("expected completed attempt with ended_at, got %+v", a)
	}
}

func TestFinalizeCompleted_RequiresAnsweredOpenAttempt(t *testing.T) {
	s := seed(t, 3, "ct1")
	cl := mustClaim(t, s, "ct1", now0)

	_, err := s.FinalizeCompleted(context.Background(), cl.Attempt.CallID, [3]calls.Answer{}, now0)
	if !errors.Is(err, ErrNotAnswered) {
		t.Fatalf("expected ErrNotAnswered, got %v", err)
	}

	apply(t, s, cl.Attempt.CallID, calls.EventAnswered, now0.Add(time.Second))
	apply(t, s, cl.Attempt.CallID, calls.EventFailed, now0.Add(2*time.Second))
	_, err = s.FinalizeCompleted(context.Background(), cl.Attempt.CallID, [3]calls.Answer{}, now0)
	if !errors.Is(err, ErrAttemptClosed) {
		t.Fatalf("expected ErrAttemptClosed, got %v", err)
	}
}

func TestFinalizeRefused_Idempotent(t *testing.T) {
	s := seed(t, 3, "ct1")
	cl := answeredClaim(t, s)

	for i := 0; i < 2; i++ {
		if err := s.FinalizeRefused(context.Background(), cl.Attempt.CallID, now0.Add(time.Minute)); err != nil {
			t.Fatalf("refuse #%d: %v", i, err)
		}
	}
	c, _ := s.GetContact(context.Background(), "ct1")
	if c.State != calls.ContactRefused || *c.LastOutcome != calls.OutcomeRefused {
		t.Fatalf("expected refused contact, got %+v", c)
	}
	out := s.Outbox()
	if len(out) != 1 || out[0].Type != events.SurveyRefused {
		t.Fatalf("expected one refused event, got %+v", out)
	}
	if _, ok, _ := s.Claim(context.Background(), "ct1", now0.Add(5*time.Hour)); ok {
		t.Fatalf("refused contact must never be claimed again")
	}
}

func TestReleaseClaim_FirstAttemptUnclaimsContact(t *testing.T) {
	s := seed(t, 3, "ct1")
	ctx := context.Background()
	cl := mustClaim(t, s, "ct1", now0)

	if err := s.ReleaseClaim(ctx, cl.Attempt.CallID, now0); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, _ := s.GetContact(ctx, "ct1")
	if c.State != calls.ContactPending || c.AttemptsCount != 0 || c.LastAttemptAt != nil || c.LastOutcome != nil {
		t.Fatalf("expected contact as before the claim, got %+v", c)
	}
	a, _ := s.GetAttemptByCallID(ctx, cl.Attempt.CallID)
	if a.Outcome == nil || *a.Outcome != calls.OutcomeFailed || a.ErrorCode != calls.ErrorCodeDispatch {
		t.Fatalf("expected failed attempt row kept, got %+v", a)
	}
	if n, _ := s.CountInFlight(ctx); n != 0 {
		t.Fatalf("expected no in-flight attempts, got %d", n)
	}

	// Eligible again at the next tick, not after the retry interval.
	cl2 := mustClaim(t, s, "ct1", now0.Add(time.Minute))
	if cl2.Attempt.AttemptNumber != 1 || cl2.Contact.AttemptsCount != 1 {
		t.Fatalf("expected attempt number 1 reused, got %+v", cl2.Attempt)
	}
	attempts, _ := s.Attempts(ctx, "ct1")
	if len(attempts) != 2 {
		t.Fatalf("expected both attempt rows kept, got %d", len(attempts))
	}
}

func TestReleaseClaim_RestoresPreviousAttempt(t *testing.T) {
	s := seed(t, 3, "ct1")
	ctx := context.Background()
	first := mustClaim(t, s, "ct1", now0)
	apply(t, s, first.Attempt.CallID, calls.EventNoAnswer, now0.Add(time.Minute))

	second := mustClaim(t, s, "ct1", now0.Add(2*time.Hour))
	if err := s.ReleaseClaim(ctx, second.Attempt.CallID, now0.Add(2*time.Hour)); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, _ := s.GetContact(ctx, "ct1")
	if c.State != calls.ContactNotReached || c.AttemptsCount != 1 {
		t.Fatalf("expected not_reached with one placed attempt, got %+v", c)
	}
	if c.LastAttemptAt == nil || !c.LastAttemptAt.Equal(now0) {
		t.Fatalf("expected last attempt restored to the first claim, got %v", c.LastAttemptAt)
	}
	if c.LastOutcome == nil || *c.LastOutcome != calls.OutcomeNoAnswer {
		t.Fatalf("expected last outcome no_answer, got %v", c.LastOutcome)
	}
	cl := mustClaim(t, s, "ct1", now0.Add(2*time.Hour+time.Minute))
	if cl.Attempt.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2, got %d", cl.Attempt.AttemptNumber)
	}
}

func TestReleaseClaim_NeverExhaustsContact(t *testing.T) {
	s := seed(t, 1, "ct1")
	ctx := context.Background()
	cl := mustClaim(t, s, "ct1", now0)

	if err := s.ReleaseClaim(ctx, cl.Attempt.CallID, now0); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, _ := s.GetContact(ctx, "ct1")
	if c.State != calls.ContactPending || calls.IsTerminal(c, 1) {
		t.Fatalf("a call never placed must not end the contact, got %+v", c)
	}
	if out := s.Outbox(); len(out) != 0 {
		t.Fatalf("expected no events, got %+v", out)
	}
	mustClaim(t, s, "ct1", now0.Add(time.Minute))
}

func TestRecoverStale(t *testing.T) {
	s := seed(t, 2, "ct1", "ct2", "ct3")
	stale1 := mustClaim(t, s, "ct1", now0)
	fresh := mustClaim(t, s, "ct2", now0.Add(50*time.Minute))

	// ct3 is on its last attempt.
	first := mustClaim(t, s, "ct3", now0.Add(-2*time.Hour))
	apply(t, s, first.Attempt.CallID, calls.EventNoAnswer, now0.Add(-2*time.Hour))
	last := mustClaim(t, s, "ct3", now0.Add(-time.Hour))

	rec, err := s.RecoverStale(context.Background(), now0.Add(30*time.Minute), now0.Add(time.Hour))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rec) != 2 {
		t.Fatalf("expected 2 recovered contacts, got %+v", rec)
	}
	byID := map[string]Recovered{}
	for _, r := range rec {
		byID[r.ContactID] = r
	}
	if r := byID["ct1"]; r.State != calls.ContactPending || r.CallID != stale1.Attempt.CallID || r.Exhausted {
		t.Fatalf("unexpected ct1 recovery %+v", r)
	}
	if r := byID["ct3"]; r.State != calls.ContactNotReached || !r.Exhausted || r.CallID != last.Attempt.CallID {
		t.Fatalf("unexpected ct3 recovery %+v", r)
	}

	a, _ := s.GetAttemptByCallID(context.Background(), stale1.Attempt.CallID)
	if a.ErrorCode != calls.ErrorCodeStaleRecovery {
		t.Fatalf("expected stale_recovery error code, got %+v", a)
	}
	if a, _ := s.GetAttemptByCallID(context.Background(), fresh.Attempt.CallID); !a.Open() {
		t.Fatalf("fresh attempt must stay open")
	}
	out := s.Outbox()
	if len(out) != 1 || out[0].Type != events.SurveyNotReached {
		t.Fatalf("expected not_reached for exhausted contact, got %+v", out)
	}

	// A late callback for the recovered attempt is ignored.
	res := apply(t, s, stale1.Attempt.CallID, calls.EventAnswered, now0.Add(2*time.Hour))
	if res.Transition.StartDialogue {
		t.Fatalf("late answered on recovered attempt must not start a dialogue")
	}
}

func TestRecoverStale_SkipsContactWithoutOpenAttempt(t *testing.T) {
	s := seed(t, 2, "ct1")
	last := now0.Add(-2 * time.Hour)
	s.PutContact(calls.Contact{ID: "orphan", CampaignID: "cp1", PhoneNumber: "+390000009999", State: calls.ContactInProgress, LastAttemptAt: &last})
	stale := mustClaim(t, s, "ct1", now0.Add(-time.Hour))

	rec, err := s.RecoverStale(context.Background(), now0.Add(-30*time.Minute), now0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(rec) != 1 || rec[0].ContactID != "ct1" || rec[0].CallID != stale.Attempt.CallID {
		t.Fatalf("expected only ct1 recovered, got %+v", rec)
	}
	c, _ := s.GetContact(context.Background(), "orphan")
	if c.State != calls.ContactInProgress {
		t.Fatalf("contact without an open attempt must be left alone, got %s", c.State)
	}
}

func TestSetCampaignStatus_PauseStopsClaims(t *testing.T) {
	s := seed(t, 3, "ct1")
	ctx := context.Background()

	if _, err := s.SetCampaignStatus(ctx, "cp1", campaigns.StatusPaused, now0); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok, _ := s.Claim(ctx, "ct1", now0); ok {
		t.Fatalf("paused campaign must not be claimable")
	}
	if got, _ := s.ListEligible(ctx, now0, 10); len(got) != 0 {
		t.Fatalf("paused campaign must have no eligible contacts")
	}
	if _, err := s.SetCampaignStatus(ctx, "cp1", campaigns.StatusCompleted, now0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := s.SetCampaignStatus(ctx, "cp1", campaigns.StatusRunning, now0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	mustClaim(t, s, "ct1", now0)

	if _, err := s.SetCampaignStatus(ctx, "missing", campaigns.StatusPaused, now0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountContactsByState(t *testing.T) {
	s := seed(t, 3, "ct1", "ct2")
	mustClaim(t, s, "ct1", now0)

	got, err := s.CountContactsByState(context.Background(), "cp1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got[calls.ContactInProgress] != 1 || got[calls.ContactPending] != 1 {
		t.Fatalf("unexpected counts %v", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := seed(t, 3, "ct1")
	cl := answeredClaim(t, s)
	if err := s.FinalizeRefused(context.Background(), cl.Attempt.CallID, now0); err != nil {
		t.Fatalf("refuse: %v", err)
	}
	ctx := context.Background()

	due, _ := s.ClaimDueEvents(ctx, now0, 10)
	if len(due) != 1 {
		t.Fatalf("expected one due event, got %d", len(due))
	}
	if again, _ := s.ClaimDueEvents(ctx, now0, 10); len(again) != 0 {
		t.Fatalf("claimed event must not be claimed twice")
	}
	if err := s.FailEvent(ctx, due[0].ID, "boom", now0.Add(10*time.Second)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if early, _ := s.ClaimDueEvents(ctx, now0.Add(5*time.Second), 10); len(early) != 0 {
		t.Fatalf("event must wait for its backoff")
	}
	due, _ = s.ClaimDueEvents(ctx, now0.Add(10*time.Second), 10)
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("expected retried event, got %+v", due)
	}
	if n, _ := s.RequeueStaleEvents(ctx, now0.Add(time.Hour)); n != 1 {
		t.Fatalf("expected stale sending row requeued, got %d", n)
	}
	due, _ = s.ClaimDueEvents(ctx, now0.Add(time.Hour), 10)
	if err := s.MarkEventPublished(ctx, due[0].ID, now0.Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if out := s.Outbox(); out[0].Status != events.OutboxPublished {
		t.Fatalf("expected published status, got %s", out[0].Status)
	}
}
