package telephony

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway records calls in memory. Used by tests and `serve --dry-run`.
type FakeGateway struct {
	mu      sync.Mutex
	seq     int
	placed  []PlaceCallRequest
	hangups []string
	failN   int
	failErr error
}

func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

func (g *FakeGateway) Name() string { return "fake" }

// FailNext makes the next n PlaceCall invocations return err.
func (g *FakeGateway) FailNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failN, g.failErr = n, err
}

func (g *FakeGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failN > 0 {
		g.failN--
		return "", g.failErr
	}
	g.seq++
	g.placed = append(g.placed, req)
	return fmt.Sprintf("FAKE%06d", g.seq), nil
}

func (g *FakeGateway) Hangup(ctx context.Context, providerCallID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups = append(g.hangups, providerCallID)
	return nil
}

func (g *FakeGateway) Placed() []PlaceCallRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PlaceCallRequest(nil), g.placed...)
}

func (g *FakeGateway) Hangups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.hangups...)
}
