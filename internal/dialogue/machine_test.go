package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/telephony"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type recordingFinalizer struct {
	mu        sync.Mutex
	completed []Session
	refused   []Session
}

func (f *recordingFinalizer) Complete(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, s)
	return nil
}

func (f *recordingFinalizer) Refuse(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refused = append(f.refused, s)
	return nil
}

type scriptedEngine struct {
	turns []Turn
	errs  []error
	calls int
}

func (e *scriptedEngine) NextTurn(ctx context.Context, _ TurnContext, _ string) (Turn, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return Turn{}, e.errs[i]
	}
	if i < len(e.turns) {
		return e.turns[i], nil
	}
	return Turn{Signal: SignalUnclear}, nil
}

type slowEngine struct{}

func (slowEngine) NextTurn(ctx context.Context, _ TurnContext, _ string) (Turn, error) {
	<-ctx.Done()
	return Turn{}, ctx.Err()
}

type anomalyLog struct {
	mu    sync.Mutex
	kinds []string
}

func (a *anomalyLog) LogAnomaly(_ context.Context, _, _, _, kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

type fixture struct {
	store     *ledger.MemoryStore
	sessions  *MemorySessionStore
	finalizer *recordingFinalizer
	gateway   *telephony.FakeGateway
	callID    string
}

func newFixture(t *testing.T, answered bool) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.PutCampaign(campaigns.Campaign{
		ID:            "cp1",
		Status:        campaigns.StatusRunning,
		Language:      "en",
		IntroScript:   "Hello, this is the city council.",
		ClosingScript: "Thanks, bye.",
		Questions: [3]campaigns.Question{
			{Text: "How satisfied are you from 1 to 5?", Type: campaigns.QuestionScale},
			{Text: "How many visits this year?", Type: campaigns.QuestionNumeric},
			{Text: "What should we improve?", Type: campaigns.QuestionFreeText},
		},
		MaxAttempts:   3,
		RetryInterval: time.Hour,
		Window:        campaigns.CallWindow{Start: campaigns.LocalTime{Hour: 8}, End: campaigns.LocalTime{Hour: 20}},
	})
	store.PutContact(calls.Contact{ID: "ct1", CampaignID: "cp1", PhoneNumber: "+390001", CreatedAt: t0})
	cl, ok, err := store.Claim(context.Background(), "ct1", t0)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if answered {
		if _, err := store.ApplyEvent(context.Background(), calls.Event{
			CallID: cl.Attempt.CallID, Type: calls.EventAnswered, OccurredAt: t0, ProviderCallID: "CA1",
		}); err != nil {
			t.Fatalf("answered: %v", err)
		}
	}
	return &fixture{
		store:     store,
		sessions:  NewMemorySessionStore(),
		finalizer: &recordingFinalizer{},
		gateway:   telephony.NewFakeGateway(),
		callID:    cl.Attempt.CallID,
	}
}

func (f *fixture) machine(engine ConversationEngine, cfg Config, opts ...Option) *Machine {
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewMachine(f.sessions, engine, f.finalizer, f.gateway, f.store, cfg, nil, opts...)
}

func (f *fixture) say(t *testing.T, m *Machine, utterance string) telephony.Prompt {
	t.Helper()
	p, err := m.Handle(context.Background(), f.callID, utterance)
	if err != nil {
		t.Fatalf("handle %q: %v", utterance, err)
	}
	return p
}

func TestMachine_CompletesSurvey(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	p, err := m.Start(context.Background(), f.callID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !p.ExpectReply || !strings.HasPrefix(p.Say, "Hello, this is the city council.") || !strings.Contains(p.Say, "three short questions") {
		t.Fatalf("unexpected opening prompt %+v", p)
	}

	if p := f.say(t, m, "yes, go ahead"); p.Say != "How satisfied are you from 1 to 5?" {
		t.Fatalf("expected question 1, got %+v", p)
	}
	if p := f.say(t, m, "4"); p.Say != "How many visits this year?" {
		t.Fatalf("expected question 2, got %+v", p)
	}
	if p := f.say(t, m, "two"); p.Say != "What should we improve?" {
		t.Fatalf("expected question 3, got %+v", p)
	}
	p = f.say(t, m, "more parking")
	if !p.Hangup || p.Say != "Thanks, bye." {
		t.Fatalf("expected closing hangup, got %+v", p)
	}

	if len(f.finalizer.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(f.finalizer.completed))
	}
	s := f.finalizer.completed[0]
	want := [3]calls.Answer{{Text: "4", Confidence: 1}, {Text: "two", Confidence: 1}, {Text: "more parking", Confidence: 1}}
	if diff := cmp.Diff(want, s.Answers); diff != "" {
		t.Fatalf("answers mismatch (-want +got):\n%s", diff)
	}
	if s.ConsentAt == nil || s.Phase != PhaseCompletion {
		t.Fatalf("expected consent record and completion phase: %+v", s)
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("expected session discarded")
	}
}

func TestMachine_StartIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	first, _ := m.Start(context.Background(), f.callID)
	f.say(t, m, "yes")
	again, err := m.Resume(context.Background(), f.callID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.Say == first.Say || again.Say != "How satisfied are you from 1 to 5?" {
		t.Fatalf("resume must return the current prompt, got %+v", again)
	}
}

func TestMachine_StartRequiresAnsweredCall(t *testing.T) {
	f := newFixture(t, false)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	if _, err := m.Start(context.Background(), f.callID); !errors.Is(err, ErrCallNotLive) {
		t.Fatalf("expected ErrCallNotLive, got %v", err)
	}
	if _, err := m.Start(context.Background(), "unknown"); err == nil {
		t.Fatalf("expected error for unknown call")
	}
}

func TestMachine_RefusalHangsUpWithinGrace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{RefusalGrace: 20 * time.Millisecond})
	defer m.Close()

	if _, err := m.Start(context.Background(), f.callID); err != nil {
		t.Fatalf("start: %v", err)
	}
	p := f.say(t, m, "no thanks")
	if !p.Hangup || !strings.Contains(p.Say, "No problem") {
		t.Fatalf("expected refusal hangup, got %+v", p)
	}
	if len(f.finalizer.refused) != 1 {
		t.Fatalf("expected one refusal, got %d", len(f.finalizer.refused))
	}

	// The provider never reported the end of the call: the watchdog hangs up.
	deadline := time.Now().Add(time.Second)
	for len(f.gateway.Hangups()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if diff := cmp.Diff([]string{"CA1"}, f.gateway.Hangups()); diff != "" {
		t.Fatalf("hangups mismatch (-want +got):\n%s", diff)
	}
}

func TestMachine_NoHangupWhenProviderEndedCall(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{RefusalGrace: 10 * time.Millisecond})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	f.say(t, m, "no")
	if _, err := f.store.ApplyEvent(context.Background(), calls.Event{
		CallID: f.callID, Type: calls.EventCompleted, OccurredAt: t0.Add(time.Second),
	}); err != nil {
		t.Fatalf("completed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(f.gateway.Hangups()); n != 0 {
		t.Fatalf("expected no forced hangup, got %d", n)
	}
}

func TestMachine_SecondUnclearConsentIsRefusal(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	p := f.say(t, m, "who is this?")
	if p.Hangup || !strings.Contains(p.Say, "yes or no") {
		t.Fatalf("expected consent re-ask, got %+v", p)
	}
	p = f.say(t, m, "hmm")
	if !p.Hangup || len(f.finalizer.refused) != 1 {
		t.Fatalf("expected refusal after second unclear reply, got %+v", p)
	}
}

func TestMachine_QuestionBudgets(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	f.say(t, m, "yes")

	p := f.say(t, m, "")
	if !strings.HasPrefix(p.Say, "Sorry, I did not catch that.") {
		t.Fatalf("expected re-prompt, got %+v", p)
	}
	p = f.say(t, m, "")
	if !strings.HasPrefix(p.Say, "Of course, here is the question again.") {
		t.Fatalf("expected repeat, got %+v", p)
	}
	p = f.say(t, m, "")
	if p.Say != "How many visits this year?" {
		t.Fatalf("expected to move on to question 2, got %+v", p)
	}

	s, err := f.sessions.Get(context.Background(), f.callID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.Answers[0] != (calls.Answer{}) || s.Phase != PhaseQuestion2 {
		t.Fatalf("expected empty low-confidence answer for question 1: %+v", s)
	}
}

func TestMachine_RepeatOnlyOncePerQuestion(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	f.say(t, m, "yes")

	if p := f.say(t, m, "can you repeat"); !strings.HasPrefix(p.Say, "Of course") {
		t.Fatalf("expected repeat, got %+v", p)
	}
	if p := f.say(t, m, "repeat please"); !strings.HasPrefix(p.Say, "Sorry, I did not catch that.") {
		t.Fatalf("second repeat must be treated as unclear, got %+v", p)
	}
	if p := f.say(t, m, "again"); p.Say != "How many visits this year?" {
		t.Fatalf("expected to move on once both budgets are spent, got %+v", p)
	}
}

func TestMachine_EngineFailures(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("upstream 503")
	engine := &scriptedEngine{
		turns: []Turn{{Signal: SignalConsentAccepted}},
		errs:  []error{nil, boom, nil, boom, boom},
	}
	m := f.machine(engine, Config{})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	f.say(t, m, "yes")

	// One failure is a re-prompt, a success resets the count.
	if p := f.say(t, m, "uh"); p.Hangup {
		t.Fatalf("single engine failure must re-prompt, got %+v", p)
	}
	if p := f.say(t, m, "uh"); p.Hangup {
		t.Fatalf("unclear turn must not hang up, got %+v", p)
	}
	if p := f.say(t, m, "uh"); p.Hangup {
		t.Fatalf("first failure after success must re-prompt, got %+v", p)
	}
	p := f.say(t, m, "uh")
	if !p.Hangup || !strings.Contains(p.Say, "technical difficulties") {
		t.Fatalf("second consecutive failure must abort, got %+v", p)
	}
	if len(f.finalizer.completed)+len(f.finalizer.refused) != 0 {
		t.Fatalf("aborted dialogue must not finalize")
	}
	if _, err := f.sessions.Get(context.Background(), f.callID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session discarded, got %v", err)
	}
}

func TestMachine_EngineTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(slowEngine{}, Config{EngineTimeout: 10 * time.Millisecond})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	if p := f.say(t, m, "hello?"); p.Hangup || !strings.Contains(p.Say, "yes or no") {
		t.Fatalf("expected consent re-ask after timeout, got %+v", p)
	}
	s, _ := f.sessions.Get(context.Background(), f.callID)
	if s.EngineFailures != 1 {
		t.Fatalf("expected one engine failure recorded, got %d", s.EngineFailures)
	}
}

func TestMachine_EarlyCompletionSignalIsAnomaly(t *testing.T) {
	f := newFixture(t, true)
	engine := &scriptedEngine{turns: []Turn{
		{Signal: SignalConsentAccepted},
		{Signal: SignalComplete},
	}}
	anomalies := &anomalyLog{}
	m := f.machine(engine, Config{}, WithAuditor(anomalies))
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	f.say(t, m, "yes")
	p := f.say(t, m, "done")
	if p.Hangup {
		t.Fatalf("early completion must not end the survey, got %+v", p)
	}
	if diff := cmp.Diff([]string{AnomalyEarlyCompletion}, anomalies.kinds); diff != "" {
		t.Fatalf("anomalies mismatch (-want +got):\n%s", diff)
	}
	if len(f.finalizer.completed) != 0 {
		t.Fatalf("survey must not be marked completed")
	}
}

func TestMachine_AbortDiscardsSession(t *testing.T) {
	f := newFixture(t, true)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	_, _ = m.Start(context.Background(), f.callID)
	if err := m.Abort(context.Background(), f.callID, "provider_completed"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := m.Handle(context.Background(), f.callID, "yes"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := m.Abort(context.Background(), f.callID, "again"); err != nil {
		t.Fatalf("second abort must be a no-op, got %v", err)
	}
}

// endingSessions deletes the session right after a read, the way another
// worker handling the provider's completed callback would.
type endingSessions struct {
	*MemorySessionStore
	armed bool
}

func (e *endingSessions) Get(ctx context.Context, callID string) (Session, error) {
	s, err := e.MemorySessionStore.Get(ctx, callID)
	if err == nil && e.armed {
		_ = e.MemorySessionStore.Delete(ctx, callID)
	}
	return s, err
}

func TestMachine_SessionEndedDuringTurnHangsUp(t *testing.T) {
	f := newFixture(t, true)
	sessions := &endingSessions{MemorySessionStore: f.sessions}
	m := NewMachine(sessions, KeywordEngine{}, f.finalizer, f.gateway, f.store, Config{}, nil,
		WithClock(func() time.Time { return t0 }))
	defer m.Close()

	if _, err := m.Start(context.Background(), f.callID); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessions.armed = true

	p, err := m.Handle(context.Background(), f.callID, "yes, go ahead")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !p.Hangup {
		t.Fatalf("expected hangup once the session is gone, got %+v", p)
	}
	if f.sessions.Len() != 0 {
		t.Fatalf("ended session was written back")
	}
	if len(f.finalizer.completed) != 0 || len(f.finalizer.refused) != 0 {
		t.Fatalf("no outcome may be recorded for an ended call")
	}
}

func TestMachine_ItalianScripts(t *testing.T) {
	f := newFixture(t, true)
	camp, _ := f.store.GetCampaign(context.Background(), "cp1")
	camp.Language = "it"
	f.store.PutCampaign(camp)
	m := f.machine(KeywordEngine{}, Config{})
	defer m.Close()

	p, err := m.Start(context.Background(), f.callID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.Language != "it" || !strings.Contains(p.Say, "tre brevi domande") {
		t.Fatalf("expected italian consent prompt, got %+v", p)
	}
	if p := f.say(t, m, "sì certo"); p.Say != "How satisfied are you from 1 to 5?" {
		t.Fatalf("expected question 1, got %+v", p)
	}
}
