package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callsAPI is the subset of the Twilio v2010 API the gateway uses.
type callsAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioGateway places and terminates calls through the Twilio REST API.
type TwilioGateway struct {
	api         callsAPI
	ringTimeout time.Duration
	log         *slog.Logger
}

func NewTwilioGateway(accountSID, authToken string, ringTimeout time.Duration, log *slog.Logger) *TwilioGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioGateway(client.Api, ringTimeout, log)
}

func newTwilioGateway(api callsAPI, ringTimeout time.Duration, log *slog.Logger) *TwilioGateway {
	if log == nil {
		log = slog.Default()
	}
	return &TwilioGateway{api: api, ringTimeout: ringTimeout, log: log.With("component", "twilio")}
}

func (g *TwilioGateway) Name() string { return "twilio" }

func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.AnswerURL)
	params.SetMethod("POST")
	params.SetStatusCallback(req.CallbackURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent(statusCallbackEvents)
	if g.ringTimeout > 0 {
		params.SetTimeout(int(g.ringTimeout / time.Second))
	}

	call, err := withContext(ctx, func() (*openapi.ApiV2010Call, error) {
		return g.api.CreateCall(params)
	})
	if err != nil {
		return "", fmt.Errorf("telephony: twilio create call: %w", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", errors.New("telephony: twilio create call returned no sid")
	}
	g.log.Debug("call placed", "call_id", req.IdempotencyKey, "provider_call_id", *call.Sid)
	return *call.Sid, nil
}

func (g *TwilioGateway) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return errors.New("telephony: provider call id is required")
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := withContext(ctx, func() (*openapi.ApiV2010Call, error) {
		return g.api.UpdateCall(providerCallID, params)
	})
	if err != nil {
		return fmt.Errorf("telephony: twilio hangup %s: %w", providerCallID, err)
	}
	return nil
}

// withContext bounds an SDK call that has no context support of its own.
func withContext(ctx context.Context, fn func() (*openapi.ApiV2010Call, error)) (*openapi.ApiV2010Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		call *openapi.ApiV2010Call
		err  error
	}
	done := make(chan result, 1)
	go func() {
		call, err := fn()
		done <- result{call: call, err: err}
	}()
	select {
	case r := <-done:
		return r.call, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
