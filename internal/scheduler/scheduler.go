// Package scheduler runs the leader-elected claim/dispatch loop and the
// stale attempt sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/telephony"
	"voice-survey-agent/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Store is the part of the ledger the scheduler needs.
type Store interface {
	ListEligible(ctx context.Context, now time.Time, limit int) ([]ledger.Candidate, error)
	CountInFlight(ctx context.Context) (int, error)
	Claim(ctx context.Context, contactID string, now time.Time) (ledger.Claim, bool, error)
	AttachProviderCall(ctx context.Context, callID, providerCallID string) error
	ReleaseClaim(ctx context.Context, callID string, now time.Time) error
	RecoverStale(ctx context.Context, staleBefore, now time.Time) ([]ledger.Recovered, error)
}

// Auditor records swept attempts. Implemented by audit.Service.
type Auditor interface {
	LogStaleRecovery(ctx context.Context, campaignID, contactID, callID, state string)
}

type Config struct {
	Interval            time.Duration
	BatchSize           int
	MaxConcurrentCalls  int
	StaleAfter          time.Duration
	DispatchConcurrency int
	DispatchTimeout     time.Duration
	DefaultCallerID     string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 10
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = 5
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	return c
}

// TickResult summarizes one scheduling pass.
type TickResult struct {
	Recovered      int
	Claimed        int
	Dispatched     int
	DispatchFailed int
	Skipped        int
}

type Scheduler struct {
	store     Store
	gateway   telephony.Gateway
	lease     Lease
	callbacks telephony.Callbacks
	audit     Auditor
	cfg       Config
	clock     func() time.Time
	log       *slog.Logger

	leader atomic.Bool
}

type Option func(*Scheduler)

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithAuditor(a Auditor) Option {
	return func(s *Scheduler) { s.audit = a }
}

func New(store Store, gateway telephony.Gateway, lease Lease, callbacks telephony.Callbacks, cfg Config, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		gateway:   gateway,
		lease:     lease,
		callbacks: callbacks,
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
		log:       logger.Component(log, "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsLeader reports whether this process held the lease at its last renewal.
func (s *Scheduler) IsLeader() bool { return s.leader.Load() }

// LeaseTTL is the lease lifetime for a scheduling interval. Every instance
// heartbeats each third of an interval, so after a leader dies a standby holds
// the lease no later than one interval after the last renewal.
func LeaseTTL(interval time.Duration) time.Duration {
	return interval * 2 / 3
}

// Run renews the lease every third of an interval and runs a Tick every
// interval while leader. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting",
		"holder", s.lease.Holder(),
		"interval", s.cfg.Interval,
		"max_concurrent_calls", s.cfg.MaxConcurrentCalls,
	)
	defer s.resign(ctx)

	renew := s.cfg.Interval / 3
	if renew <= 0 {
		renew = s.cfg.Interval
	}
	ticker := time.NewTicker(renew)
	defer ticker.Stop()

	var lastTick time.Time
	for {
		if s.heartbeat(ctx) && (lastTick.IsZero() || time.Since(lastTick) >= s.cfg.Interval) {
			lastTick = time.Now()
			res := s.Tick(ctx)
			s.log.Info("scheduler tick",
				"recovered", res.Recovered,
				"claimed", res.Claimed,
				"dispatched", res.Dispatched,
				"dispatch_failed", res.DispatchFailed,
				"skipped", res.Skipped,
			)
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// heartbeat acquires or renews the lease and logs leadership changes.
func (s *Scheduler) heartbeat(ctx context.Context) bool {
	ok, err := s.lease.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("lease renewal failed", "error", err)
		}
		ok = false
	}
	if was := s.leader.Swap(ok); was != ok {
		if ok {
			s.log.Info("became leader", "holder", s.lease.Holder())
		} else {
			s.log.Warn("lost leadership, standing by", "holder", s.lease.Holder())
		}
	}
	return ok
}

func (s *Scheduler) resign(ctx context.Context) {
	if !s.leader.Swap(false) {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.lease.Release(rctx); err != nil {
		s.log.Warn("lease release failed", "error", err)
	}
}

// Tick runs one scheduling pass: stale recovery, capacity check, selection,
// claims and a bounded dispatch fan-out. Per-contact failures are logged and
// never abort the pass.
func (s *Scheduler) Tick(ctx context.Context) (res TickResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	now := s.clock()
	recovered, err := s.recoverStale(ctx, now)
	if err != nil {
		s.log.Error("stale recovery failed", "error", err)
	}
	res.Recovered = len(recovered)

	inFlight, err := s.store.CountInFlight(ctx)
	if err != nil {
		s.log.Error("count in-flight failed", "error", err)
		return res
	}
	capacity := s.cfg.MaxConcurrentCalls - inFlight
	if capacity <= 0 {
		s.log.Debug("at concurrency cap", "in_flight", inFlight)
		return res
	}

	candidates, err := s.store.ListEligible(ctx, now, min(s.cfg.BatchSize, capacity))
	if err != nil {
		s.log.Error("eligibility query failed", "error", err)
		return res
	}

	claims := make([]ledger.Claim, 0, len(candidates))
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		log := logger.ForCall(s.log, "", cand.Contact.ID, cand.Campaign.ID)
		if err := campaigns.Validate(cand.Campaign); err != nil {
			log.Warn("campaign invalid, contact skipped", "error", err)
			res.Skipped++
			continue
		}
		claim, ok, err := s.store.Claim(ctx, cand.Contact.ID, now)
		if err != nil {
			log.Error("claim failed", "error", err)
			res.Skipped++
			continue
		}
		if !ok {
			log.Debug("contact claimed elsewhere or no longer eligible")
			res.Skipped++
			continue
		}
		claims = append(claims, claim)
	}
	res.Claimed = len(claims)

	var dispatched, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.DispatchConcurrency)
	for _, cl := range claims {
		cl := cl
		g.Go(func() error {
			if s.dispatch(ctx, cl) {
				dispatched.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Dispatched = int(dispatched.Load())
	res.DispatchFailed = int(failed.Load())
	return res
}

// dispatch places the call for a committed claim. No database lock is held.
func (s *Scheduler) dispatch(ctx context.Context, cl ledger.Claim) (ok bool) {
	callID := cl.Attempt.CallID
	log := logger.ForCall(s.log, callID, cl.Contact.ID, cl.Campaign.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			s.release(ctx, log, callID)
			ok = false
		}
	}()

	req := s.callbacks.Request(callID, cl.Contact.PhoneNumber, cl.Campaign.CallerIDOr(s.cfg.DefaultCallerID))
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	providerCallID, err := s.gateway.PlaceCall(dctx, req)
	cancel()
	if err != nil {
		log.Warn("dispatch failed", "error", err, "attempt", cl.Attempt.AttemptNumber)
		s.release(ctx, log, callID)
		return false
	}

	// The call is live from here on; callbacks correlate on call_id even if
	// the provider handle is never stored.
	if err := s.store.AttachProviderCall(context.WithoutCancel(ctx), callID, providerCallID); err != nil {
		log.Error("attach provider call failed", "error", err, "provider_call_id", providerCallID)
	}
	log.Info("call dispatched",
		"provider", s.gateway.Name(),
		"provider_call_id", providerCallID,
		"attempt", cl.Attempt.AttemptNumber,
	)
	return true
}

func (s *Scheduler) release(ctx context.Context, log *slog.Logger, callID string) {
	if err := s.store.ReleaseClaim(context.WithoutCancel(ctx), callID, s.clock()); err != nil {
		// Left in_progress; stale recovery reconciles it.
		log.Error("release claim failed", "error", err)
	}
}

// RecoverStale runs the stale attempt sweep once. It does not require the
// lease: every step takes row locks with SKIP LOCKED.
func (s *Scheduler) RecoverStale(ctx context.Context) ([]ledger.Recovered, error) {
	return s.recoverStale(ctx, s.clock())
}

func (s *Scheduler) recoverStale(ctx context.Context, now time.Time) ([]ledger.Recovered, error) {
	recovered, err := s.store.RecoverStale(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return nil, err
	}
	for _, r := range recovered {
		logger.ForCall(s.log, r.CallID, r.ContactID, r.CampaignID).Warn("stale attempt recovered",
			"state", r.State,
			"exhausted", r.Exhausted,
		)
		if s.audit != nil {
			s.audit.LogStaleRecovery(ctx, r.CampaignID, r.ContactID, r.CallID, string(r.State))
		}
	}
	return recovered, nil
}
