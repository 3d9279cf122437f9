package events

import (
	"context"
	"log/slog"
	"time"
)

// Relay publishes committed outbox rows. A row is marked published only after
// the publisher accepted it, so a crash between the two republishes it.
type Relay struct {
	repo      OutboxRepo
	publisher Publisher
	log       *slog.Logger
	clock     func() time.Time

	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxBackoff     time.Duration

	kick chan struct{}
}

// RelayOption tunes a Relay.
type RelayOption func(*Relay)

func WithClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.clock = clock }
}

func WithClaimLimit(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

func NewRelay(repo OutboxRepo, publisher Publisher, pollInterval time.Duration, log *slog.Logger, opts ...RelayOption) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		repo:           repo,
		publisher:      publisher,
		log:            log.With("component", "event_relay"),
		clock:          time.Now,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     20,
		maxBackoff:     10 * time.Minute,
		kick:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kick requests an immediate poll. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// RecoverStale requeues rows left in sending by a crashed relay.
func (r *Relay) RecoverStale(ctx context.Context) error {
	n, err := r.repo.RequeueStaleEvents(ctx, r.clock().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("requeued stale outbox events", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("event relay starting", "poll_interval", r.pollInterval)
	if err := r.RecoverStale(ctx); err != nil {
		r.log.Error("outbox stale recovery failed", "error", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("event relay stopping")
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		r.Poll(ctx)
	}
}

// Poll claims due rows once and publishes them. It returns how many were
// published.
func (r *Relay) Poll(ctx context.Context) int {
	now := r.clock()
	msgs, err := r.repo.ClaimDueEvents(ctx, now, r.claimLimit)
	if err != nil {
		r.log.Error("outbox claim failed", "error", err)
		return 0
	}

	published := 0
	for _, m := range msgs {
		log := r.log.With("event_id", m.ID, "event_type", m.Type, "dedup_key", m.DedupKey)
		if err := r.publisher.Publish(ctx, m.Message()); err != nil {
			next := now.Add(r.backoff(m.Attempts))
			log.Error("event publish failed", "error", err, "attempts", m.Attempts+1, "next_attempt_at", next)
			if ferr := r.repo.FailEvent(ctx, m.ID, err.Error(), next); ferr != nil {
				log.Error("outbox fail update failed", "error", ferr)
			}
			continue
		}
		if err := r.repo.MarkEventPublished(ctx, m.ID, r.clock()); err != nil {
			// The row will be requeued as stale and published again.
			log.Error("outbox mark published failed", "error", err)
			continue
		}
		published++
		log.Debug("event published")
	}
	return published
}

// backoff is 10s, 20s, 40s, ... capped at maxBackoff.
func (r *Relay) backoff(attempts int) time.Duration {
	if attempts > 16 {
		return r.maxBackoff
	}
	d := time.Duration(10*(1<<attempts)) * time.Second
	if d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}
