package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voice-survey-agent/internal/calls"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

// ErrMissingCallID is returned when a callback arrives without the call_id
// query parameter set at dispatch time.
var ErrMissingCallID = errors.New("telephony: call_id missing from callback url")

// twilioStatuses maps Twilio CallStatus values to lifecycle events.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#call-status-values
var twilioStatuses = map[string]calls.EventType{
	"queued":      calls.EventInitiated,
	"initiated":   calls.EventInitiated,
	"ringing":     calls.EventRinging,
	"in-progress": calls.EventAnswered,
	"completed":   calls.EventCompleted,
	"busy":        calls.EventBusy,
	"no-answer":   calls.EventNoAnswer,
	"failed":      calls.EventFailed,
	"canceled":    calls.EventFailed,
}

// ParseTwilioStatusCallback normalizes a Twilio status callback. The call_id
// comes from the callback URL, never from the form body.
func ParseTwilioStatusCallback(r *http.Request, now time.Time) (calls.Event, error) {
	if err := r.ParseForm(); err != nil {
		return calls.Event{}, err
	}
	callID := r.URL.Query().Get(callIDParam)
	if callID == "" {
		return calls.Event{}, ErrMissingCallID
	}
	status := strings.TrimSpace(r.PostFormValue("CallStatus"))
	typ, ok := twilioStatuses[status]
	if !ok {
		return calls.Event{}, fmt.Errorf("%w: unknown twilio status %q", calls.ErrInvalidEvent, status)
	}

	ev := calls.Event{
		CallID:         callID,
		Type:           typ,
		OccurredAt:     parseTwilioTimestamp(r.PostFormValue("Timestamp"), now),
		ProviderCallID: r.PostFormValue("CallSid"),
		ProviderStatus: status,
		ErrorCode:      r.PostFormValue("ErrorCode"),
	}
	if d := r.PostFormValue("CallDuration"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			ev.DurationSeconds = n
		}
	}
	return ev, nil
}

// AnsweredEvent is synthesized from the voice webhook, which Twilio fetches
// only once the callee has picked up.
func AnsweredEvent(r *http.Request, now time.Time) (calls.Event, error) {
	if err := r.ParseForm(); err != nil {
		return calls.Event{}, err
	}
	callID := r.URL.Query().Get(callIDParam)
	if callID == "" {
		return calls.Event{}, ErrMissingCallID
	}
	return calls.Event{
		CallID:         callID,
		Type:           calls.EventAnswered,
		OccurredAt:     now,
		ProviderCallID: r.PostFormValue("CallSid"),
		ProviderStatus: r.PostFormValue("CallStatus"),
	}, nil
}

// GatherResult is the speech recognition outcome of a <Gather>.
type GatherResult struct {
	CallID     string
	Speech     string
	Confidence float64
}

func ParseTwilioGather(r *http.Request) (GatherResult, error) {
	if err := r.ParseForm(); err != nil {
		return GatherResult{}, err
	}
	res := GatherResult{
		CallID: r.URL.Query().Get(callIDParam),
		Speech: strings.TrimSpace(r.PostFormValue("SpeechResult")),
	}
	if res.CallID == "" {
		return GatherResult{}, ErrMissingCallID
	}
	if c := r.PostFormValue("Confidence"); c != "" {
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			res.Confidence = f
		}
	}
	return res, nil
}

func parseTwilioTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC1123Z, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC1123, s); err == nil {
		return t.UTC()
	}
	return fallback
}

// ValidateTwilioSignature rejects requests whose X-Twilio-Signature does not
// match. publicBaseURL is the externally visible origin Twilio signed against.
func ValidateTwilioSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k := range c.Request.PostForm {
			params[k] = c.Request.PostForm.Get(k)
		}
		url := base + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, c.GetHeader("X-Twilio-Signature")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
