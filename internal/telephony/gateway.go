package telephony

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Gateway is the provider-agnostic call control surface used by the scheduler
// and the dialogue machine.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - PlaceCall must not block on the call being answered; progress arrives
//   through status callbacks correlated by call_id.
type Gateway interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (providerCallID string, err error)
	Hangup(ctx context.Context, providerCallID string) error
}

// PlaceCallRequest describes one outbound survey call.
type PlaceCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`

	// CallbackURL receives status callbacks, AnswerURL serves the first TwiML turn.
	CallbackURL string `json:"callback_url"`
	AnswerURL   string `json:"answer_url"`

	// IdempotencyKey is the internal call_id; both URLs carry it.
	IdempotencyKey string `json:"idempotency_key"`
}

func (r PlaceCallRequest) validate() error {
	switch {
	case strings.TrimSpace(r.To) == "":
		return errors.New("telephony: to is required")
	case strings.TrimSpace(r.From) == "":
		return errors.New("telephony: from is required")
	case r.CallbackURL == "" || r.AnswerURL == "":
		return errors.New("telephony: callback and answer urls are required")
	case r.IdempotencyKey == "":
		return errors.New("telephony: idempotency key is required")
	}
	return nil
}

// Prompt is one dialogue turn rendered at the provider boundary.
type Prompt struct {
	Say         string `json:"say"`
	Language    string `json:"language,omitempty"`
	ExpectReply bool   `json:"expect_reply"`
	Hangup      bool   `json:"hangup"`
}

const (
	StatusPath = "/webhooks/twilio/status"
	VoicePath  = "/webhooks/twilio/voice"
	GatherPath = "/webhooks/twilio/gather"

	callIDParam = "call_id"
)

// Callbacks builds the public webhook addresses for a call.
type Callbacks struct {
	BaseURL string
}

func (cb Callbacks) StatusURL(callID string) string { return cb.build(StatusPath, callID) }
func (cb Callbacks) VoiceURL(callID string) string  { return cb.build(VoicePath, callID) }
func (cb Callbacks) GatherURL(callID string) string { return cb.build(GatherPath, callID) }

func (cb Callbacks) build(path, callID string) string {
	q := url.Values{}
	q.Set(callIDParam, callID)
	return strings.TrimRight(cb.BaseURL, "/") + path + "?" + q.Encode()
}

// Request builds a PlaceCallRequest for callID.
func (cb Callbacks) Request(callID, to, from string) PlaceCallRequest {
	return PlaceCallRequest{
		To:             to,
		From:           from,
		CallbackURL:    cb.StatusURL(callID),
		AnswerURL:      cb.VoiceURL(callID),
		IdempotencyKey: callID,
	}
}
