package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps audit events in process memory for tests and dry runs.
type MemoryRepo struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event { return r.Find("", "") }

// Find returns events matching typ and campaignID, in append order. Empty
// arguments match anything.
func (r *MemoryRepo) Find(typ EventType, campaignID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, e := range r.events {
		if typ != "" && e.Type != typ {
			continue
		}
		if campaignID != "" && e.CampaignID != campaignID {
			continue
		}
		out = append(out, e)
	}
	return out
}
