package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/telephony"
	"voice-survey-agent/pkg/logger"
)

// Ledger is the read side of the call ledger the machine needs.
type Ledger interface {
	GetAttemptByCallID(ctx context.Context, callID string) (calls.CallAttempt, error)
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
}

// Finalizer persists the outcome of a finished conversation.
type Finalizer interface {
	Complete(ctx context.Context, s Session) error
	Refuse(ctx context.Context, s Session) error
}

type Hanger interface {
	Hangup(ctx context.Context, providerCallID string) error
}

type Auditor interface {
	LogAnomaly(ctx context.Context, campaignID, contactID, callID, kind string)
}

// ErrCallNotLive is returned by Start when the attempt is closed or was
// never answered.
var ErrCallNotLive = errors.New("dialogue: call is not live")

const (
	AnomalyCompletionWithoutConsent = "completion_without_consent"
	AnomalyEarlyCompletion          = "completion_before_final_question"

	maxConsentRetries = 2
	maxEngineFailures = 2
)

type Config struct {
	EngineTimeout time.Duration
	RefusalGrace  time.Duration
}

// Machine drives sessions through their phases. Turns for one call are
// serialized in-process; the session store's insert-if-absent covers
// concurrent starts across processes.
type Machine struct {
	sessions  SessionStore
	engine    ConversationEngine
	finalizer Finalizer
	hanger    Hanger
	ledger    Ledger
	audit     Auditor
	cfg       Config
	clock     func() time.Time
	log       *slog.Logger

	locks callLocks

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

type Option func(*Machine)

func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

func WithAuditor(a Auditor) Option {
	return func(m *Machine) { m.audit = a }
}

func NewMachine(sessions SessionStore, engine ConversationEngine, finalizer Finalizer, hanger Hanger, ledger Ledger, cfg Config, log *slog.Logger, opts ...Option) *Machine {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 8 * time.Second
	}
	if cfg.RefusalGrace <= 0 {
		cfg.RefusalGrace = 10 * time.Second
	}
	m := &Machine{
		sessions:  sessions,
		engine:    engine,
		finalizer: finalizer,
		hanger:    hanger,
		ledger:    ledger,
		cfg:       cfg,
		clock:     time.Now,
		log:       logger.Component(log, "dialogue"),
		timers:    map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the session for an answered call and returns the opening
// prompt. Calling it again returns the current prompt.
func (m *Machine) Start(ctx context.Context, callID string) (telephony.Prompt, error) {
	unlock := m.locks.lock(callID)
	defer unlock()

	s, err := m.startLocked(ctx, callID)
	if err != nil {
		return telephony.Prompt{}, err
	}
	return currentPrompt(s), nil
}

// Resume returns the prompt for the current phase, starting the session if
// the answered callback has not done so yet.
func (m *Machine) Resume(ctx context.Context, callID string) (telephony.Prompt, error) {
	return m.Start(ctx, callID)
}

func (m *Machine) startLocked(ctx context.Context, callID string) (Session, error) {
	s, err := m.sessions.Get(ctx, callID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, err
	}

	a, err := m.ledger.GetAttemptByCallID(ctx, callID)
	if err != nil {
		return Session{}, fmt.Errorf("dialogue: load attempt %s: %w", callID, err)
	}
	if !a.Open() || a.AnsweredAt == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrCallNotLive, callID)
	}
	camp, err := m.ledger.GetCampaign(ctx, a.CampaignID)
	if err != nil {
		return Session{}, fmt.Errorf("dialogue: load campaign %s: %w", a.CampaignID, err)
	}

	now := m.clock()
	s = Session{
		CallID:         callID,
		CampaignID:     camp.ID,
		ContactID:      a.ContactID,
		AttemptID:      a.ID,
		ProviderCallID: a.ProviderCallID,
		Phase:          PhaseAwaitingConsent,
		Language:       camp.Language,
		Intro:          camp.IntroScript,
		Closing:        camp.ClosingScript,
		Questions:      camp.Questions,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	created, err := m.sessions.Create(ctx, s)
	if err != nil {
		return Session{}, err
	}
	if !created {
		return m.sessions.Get(ctx, callID)
	}
	logger.ForCall(m.log, callID, s.ContactID, s.CampaignID).Info("dialogue started", "language", s.Language)
	return s, nil
}

// Handle runs one turn on the caller's utterance. An empty utterance is
// silence.
func (m *Machine) Handle(ctx context.Context, callID, utterance string) (telephony.Prompt, error) {
	unlock := m.locks.lock(callID)
	defer unlock()

	s, err := m.sessions.Get(ctx, callID)
	if err != nil {
		return telephony.Prompt{}, err
	}
	log := logger.ForCall(m.log, callID, s.ContactID, s.CampaignID).With("phase", s.Phase)
	if s.Phase.Terminal() {
		return hangupPrompt(s, ""), nil
	}

	turn, err := m.interpret(ctx, s, utterance)
	if err != nil {
		s.EngineFailures++
		if s.EngineFailures >= maxEngineFailures {
			log.Error("conversation engine failed again, aborting dialogue", "error", err)
			m.discard(ctx, s, log)
			return hangupPrompt(s, scriptFor(s.Language).failure), nil
		}
		log.Warn("conversation engine failed, re-prompting", "error", err)
		turn = Turn{Signal: SignalUnclear}
	} else {
		s.EngineFailures = 0
	}
	log.Debug("turn interpreted", "signal", turn.Signal, "confidence", turn.Confidence)

	s.UpdatedAt = m.clock()
	var p telephony.Prompt
	if s.Phase == PhaseAwaitingConsent {
		p = m.consentTurn(ctx, &s, turn, log)
	} else {
		p = m.questionTurn(ctx, &s, turn, log)
	}
	if s.Phase.Terminal() {
		return p, nil
	}
	err = m.sessions.Put(ctx, s)
	if errors.Is(err, ErrSessionNotFound) {
		log.Info("session ended during turn, hanging up")
		return hangupPrompt(s, ""), nil
	}
	if err != nil {
		return telephony.Prompt{}, err
	}
	return p, nil
}

// Abort discards the session after a transport failure. The ledger is left
// to the provider callback that reported the failure.
func (m *Machine) Abort(ctx context.Context, callID, reason string) error {
	unlock := m.locks.lock(callID)
	defer unlock()

	s, err := m.sessions.Get(ctx, callID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.ForCall(m.log, callID, s.ContactID, s.CampaignID).Info("dialogue aborted", "reason", reason, "phase", s.Phase)
	return m.sessions.Delete(ctx, callID)
}

// Close stops pending hangup watchdogs.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Machine) interpret(ctx context.Context, s Session, utterance string) (Turn, error) {
	ectx, cancel := context.WithTimeout(ctx, m.cfg.EngineTimeout)
	defer cancel()
	turn, err := m.engine.NextTurn(ectx, s.turnContext(), utterance)
	if err != nil {
		return Turn{}, err
	}
	if !turn.Signal.Valid() {
		turn.Signal = SignalUnclear
	}
	return turn, nil
}

func (m *Machine) consentTurn(ctx context.Context, s *Session, turn Turn, log *slog.Logger) telephony.Prompt {
	sc := scriptFor(s.Language)
	switch turn.Signal {
	case SignalConsentAccepted:
		now := m.clock()
		s.ConsentAt = &now
		s.Phase = PhaseQuestion1
		log.Info("consent given")
		return ask(*s, s.Questions[0].Text)
	case SignalConsentRefused:
		return m.refuse(ctx, s, log)
	case SignalComplete:
		log.Warn("completion signal before consent")
		m.anomaly(ctx, *s, AnomalyCompletionWithoutConsent)
	}

	s.ConsentRetries++
	if s.ConsentRetries >= maxConsentRetries {
		log.Info("no clear consent, treating as refusal", "replies", s.ConsentRetries)
		return m.refuse(ctx, s, log)
	}
	if turn.Signal == SignalRepeatRequested {
		return ask(*s, joinSay(s.Intro, sc.consent))
	}
	return ask(*s, sc.consentAgain)
}

func (m *Machine) questionTurn(ctx context.Context, s *Session, turn Turn, log *slog.Logger) telephony.Prompt {
	i := s.Phase.questionIndex()
	q := s.Questions[i]
	sc := scriptFor(s.Language)

	sig := turn.Signal
	if sig == SignalComplete {
		if i == len(s.Questions)-1 && turn.Answer != "" {
			sig = SignalAnswerCaptured
		} else {
			log.Warn("completion signal before final answer", "question", i+1)
			m.anomaly(ctx, *s, AnomalyEarlyCompletion)
			sig = SignalUnclear
		}
	}

	switch sig {
	case SignalAnswerCaptured:
		if turn.Answer != "" {
			s.Answers[i] = calls.Answer{Text: turn.Answer, Confidence: turn.Confidence}
			return m.advance(ctx, s, log)
		}
	case SignalRepeatRequested:
		if !s.Repeats[i] {
			s.Repeats[i] = true
			return ask(*s, joinSay(sc.repeat, q.Text))
		}
	}

	// Unclear, off topic, or a second repeat request.
	switch {
	case !s.Reprompts[i]:
		s.Reprompts[i] = true
		lead := turn.Utterance
		if lead == "" {
			lead = sc.reprompt
		}
		return ask(*s, joinSay(lead, q.Text))
	case !s.Repeats[i]:
		s.Repeats[i] = true
		return ask(*s, joinSay(sc.repeat, q.Text))
	default:
		log.Info("question left unanswered, moving on", "question", i+1)
		s.Answers[i] = calls.Answer{}
		return m.advance(ctx, s, log)
	}
}

func (m *Machine) advance(ctx context.Context, s *Session, log *slog.Logger) telephony.Prompt {
	i := s.Phase.questionIndex()
	if i+1 < len(questionPhases) {
		s.Phase = questionPhases[i+1]
		return ask(*s, s.Questions[i+1].Text)
	}
	return m.complete(ctx, s, log)
}

func (m *Machine) complete(ctx context.Context, s *Session, log *slog.Logger) telephony.Prompt {
	sc := scriptFor(s.Language)
	if s.ConsentAt == nil {
		log.Error("completion without a consent record, answers discarded")
		m.anomaly(ctx, *s, AnomalyCompletionWithoutConsent)
		s.Phase = PhaseAborted
		m.discard(ctx, *s, log)
		return hangupPrompt(*s, sc.failure)
	}

	s.Phase = PhaseCompletion
	if err := m.finalizer.Complete(ctx, *s); err != nil {
		log.Error("persist survey response failed", "error", err)
	} else {
		log.Info("survey completed")
	}
	m.discard(ctx, *s, log)
	closing := s.Closing
	if closing == "" {
		closing = sc.closing
	}
	return hangupPrompt(*s, closing)
}

func (m *Machine) refuse(ctx context.Context, s *Session, log *slog.Logger) telephony.Prompt {
	s.Phase = PhaseRefused
	if err := m.finalizer.Refuse(ctx, *s); err != nil {
		log.Error("record refusal failed", "error", err)
	} else {
		log.Info("survey refused")
	}
	m.discard(ctx, *s, log)
	m.armHangupWatchdog(*s)
	return hangupPrompt(*s, scriptFor(s.Language).refused)
}

func (m *Machine) discard(ctx context.Context, s Session, log *slog.Logger) {
	if err := m.sessions.Delete(context.WithoutCancel(ctx), s.CallID); err != nil {
		log.Warn("session delete failed", "error", err)
	}
}

func (m *Machine) anomaly(ctx context.Context, s Session, kind string) {
	if m.audit != nil {
		m.audit.LogAnomaly(ctx, s.CampaignID, s.ContactID, s.CallID, kind)
	}
}

// armHangupWatchdog makes sure a refused call is over within RefusalGrace.
// The TwiML already ends with <Hangup/>; the watchdog only acts when the
// provider has not reported the end of the call by then.
func (m *Machine) armHangupWatchdog(s Session) {
	if m.hanger == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[s.CallID]; ok {
		t.Stop()
	}
	m.timers[s.CallID] = time.AfterFunc(m.cfg.RefusalGrace, func() { m.enforceHangup(s) })
}

func (m *Machine) enforceHangup(s Session) {
	m.mu.Lock()
	delete(m.timers, s.CallID)
	m.mu.Unlock()

	log := logger.ForCall(m.log, s.CallID, s.ContactID, s.CampaignID)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefusalGrace)
	defer cancel()

	providerCallID := s.ProviderCallID
	a, err := m.ledger.GetAttemptByCallID(ctx, s.CallID)
	if err == nil {
		if a.EndedAt != nil {
			return
		}
		if a.ProviderCallID != "" {
			providerCallID = a.ProviderCallID
		}
	}
	log.Error("refused call still up after grace period, forcing hangup", "grace", m.cfg.RefusalGrace)
	if providerCallID == "" {
		log.Error("forced hangup impossible, no provider call id")
		return
	}
	if err := m.hanger.Hangup(ctx, providerCallID); err != nil {
		log.Error("forced hangup failed", "error", err, "provider_call_id", providerCallID)
	}
}

func currentPrompt(s Session) telephony.Prompt {
	sc := scriptFor(s.Language)
	switch {
	case s.Phase == PhaseAwaitingConsent && s.ConsentRetries == 0:
		return ask(s, joinSay(s.Intro, sc.consent))
	case s.Phase == PhaseAwaitingConsent:
		return ask(s, sc.consentAgain)
	case s.Phase.questionIndex() >= 0:
		return ask(s, s.Questions[s.Phase.questionIndex()].Text)
	default:
		return hangupPrompt(s, "")
	}
}

func ask(s Session, say string) telephony.Prompt {
	return telephony.Prompt{Say: say, Language: s.Language, ExpectReply: true}
}

func hangupPrompt(s Session, say string) telephony.Prompt {
	return telephony.Prompt{Say: say, Language: s.Language, Hangup: true}
}

// callLocks is a keyed mutex with reference counting so idle keys are freed.
type callLocks struct {
	mu sync.Mutex
	m  map[string]*callLock
}

type callLock struct {
	sync.Mutex
	refs int
}

func (l *callLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*callLock{}
	}
	cl, ok := l.m[key]
	if !ok {
		cl = &callLock{}
		l.m[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
