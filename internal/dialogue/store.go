package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("dialogue: session not found")

// SessionStore keeps live sessions. Create is insert-if-absent so two
// webhook workers racing on the same answered call agree on one session.
// Put only replaces an existing session and returns ErrSessionNotFound once
// it was deleted, so a late turn cannot bring an ended call back.
type SessionStore interface {
	Create(ctx context.Context, s Session) (bool, error)
	Get(ctx context.Context, callID string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, callID string) error
}

// RedisSessionStore stores sessions as JSON with a TTL equal to the longest
// call, so any worker process can serve the next turn.
type RedisSessionStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(rdb redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSessionStore{rdb: rdb, prefix: "surveyd:dialogue:", ttl: ttl}
}

func (r *RedisSessionStore) key(callID string) string { return r.prefix + callID }

func (r *RedisSessionStore) Create(ctx context.Context, s Session) (bool, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, r.key(s.CallID), b, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("create session %s: %w", s.CallID, err)
	}
	return ok, nil
}

func (r *RedisSessionStore) Get(ctx context.Context, callID string) (Session, error) {
	b, err := r.rdb.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", callID, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", callID, err)
	}
	return s, nil
}

func (r *RedisSessionStore) Put(ctx context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	// XX with KeepTTL: the session expires relative to the call start.
	ok, err := r.rdb.SetXX(ctx, r.key(s.CallID), b, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.CallID, err)
	}
	if !ok {
		return fmt.Errorf("put session %s: %w", s.CallID, ErrSessionNotFound)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, callID string) error {
	if err := r.rdb.Del(ctx, r.key(callID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", callID, err)
	}
	return nil
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]Session{}}
}

func (m *MemorySessionStore) Create(_ context.Context, s Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CallID]; ok {
		return false, nil
	}
	m.sessions[s.CallID] = s
	return true, nil
}

func (m *MemorySessionStore) Get(_ context.Context, callID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemorySessionStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CallID]; !ok {
		return fmt.Errorf("put session %s: %w", s.CallID, ErrSessionNotFound)
	}
	m.sessions[s.CallID] = s
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
