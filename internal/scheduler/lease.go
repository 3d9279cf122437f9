package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"voice-survey-agent/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Lease is single-leader election for the dispatch loop. Acquire both takes
// a free lease and renews one already held.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Holder() string
}

// RedisLease is a Lease stored under one Redis key.
type RedisLease struct {
	rdb    redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration
}

func NewRedisLease(rdb redis.UniversalClient, key, holder string, ttl time.Duration) *RedisLease {
	return &RedisLease{rdb: rdb, key: key, holder: holder, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireLease(ctx, l.rdb, l.key, l.holder, l.ttl)
}

func (l *RedisLease) Release(ctx context.Context) error {
	return utils.ReleaseLease(ctx, l.rdb, l.key, l.holder)
}

func (l *RedisLease) Holder() string { return l.holder }

// MemoryLeaseBackend shares lease state between MemoryLeases, so several
// in-process schedulers can contend in tests.
type MemoryLeaseBackend struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	holder  string
	expires time.Time
}

func NewMemoryLeaseBackend(clock func() time.Time) *MemoryLeaseBackend {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLeaseBackend{held: map[string]memoryHold{}, clock: clock}
}

func (b *MemoryLeaseBackend) Lease(key, holder string, ttl time.Duration) *MemoryLease {
	return &MemoryLease{backend: b, key: key, holder: holder, ttl: ttl}
}

// HolderOf returns who holds key right now, if anyone.
func (b *MemoryLeaseBackend) HolderOf(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.held[key]
	if !ok || !b.clock().Before(h.expires) {
		return "", false
	}
	return h.holder, true
}

type MemoryLease struct {
	backend *MemoryLeaseBackend
	key     string
	holder  string
	ttl     time.Duration
}

func (l *MemoryLease) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.ttl <= 0 {
		return false, errors.New("lease ttl must be > 0")
	}
	b := l.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	if h, ok := b.held[l.key]; ok && h.holder != l.holder && now.Before(h.expires) {
		return false, nil
	}
	b.held[l.key] = memoryHold{holder: l.holder, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *MemoryLease) Release(context.Context) error {
	b := l.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.held[l.key]; ok && h.holder == l.holder {
		delete(b.held, l.key)
	}
	return nil
}

func (l *MemoryLease) Holder() string { return l.holder }
