package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers a domain event to downstream consumers. Delivery is
// at-least-once; consumers dedup on Message.DedupKey.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// RedisStreamPublisher appends events to a Redis stream with XADD.
type RedisStreamPublisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(rdb redis.UniversalClient, stream string, maxLen int64) (*RedisStreamPublisher, error) {
	if rdb == nil {
		return nil, errors.New("events: redis client is nil")
	}
	if stream == "" {
		return nil, errors.New("events: stream name is required")
	}
	return &RedisStreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}, nil
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, msg Message) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: streamValues(msg),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: xadd %s: %w", msg.Type, err)
	}
	return nil
}

func streamValues(msg Message) map[string]any {
	return map[string]any{
		"id":          msg.ID,
		"type":        string(msg.Type),
		"dedup_key":   msg.DedupKey,
		"occurred_at": msg.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"payload":     string(msg.Payload),
	}
}

// MemoryPublisher records published messages. Fail makes the next n
// publishes return err.
type MemoryPublisher struct {
	mu        sync.Mutex
	published []Message
	failN     int
	failErr   error
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failN > 0 {
		p.failN--
		return p.failErr
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *MemoryPublisher) Fail(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failN, p.failErr = n, err
}

func (p *MemoryPublisher) Published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.published))
	copy(out, p.published)
	return out
}
