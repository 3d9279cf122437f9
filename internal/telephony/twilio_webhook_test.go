package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"voice-survey-agent/internal/calls"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
)

func formRequest(target string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseTwilioStatusCallback(t *testing.T) {
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	r := formRequest("/webhooks/twilio/status?call_id=c1", url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
		"Timestamp":    {"Mon, 06 May 2024 10:00:00 +0000"},
	})

	got, err := ParseTwilioStatusCallback(r, now)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := calls.Event{
		CallID:          "c1",
		Type:            calls.EventCompleted,
		OccurredAt:      time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
		ProviderCallID:  "CA123",
		ProviderStatus:  "completed",
		DurationSeconds: 42,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTwilioStatusCallbackStatusMap(t *testing.T) {
	now := time.Now().UTC()
	cases := map[string]calls.EventType{
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
	for status, want := range cases {
		r := formRequest("/webhooks/twilio/status?call_id=c1", url.Values{"CallStatus": {status}})
		ev, err := ParseTwilioStatusCallback(r, now)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", status, err)
		}
		if ev.Type != want {
			t.Fatalf("%s: expected %s, got %s", status, want, ev.Type)
		}
		if !ev.OccurredAt.Equal(now) {
			t.Fatalf("%s: expected fallback timestamp", status)
		}
	}
}

func TestParseTwilioStatusCallbackRejects(t *testing.T) {
	r := formRequest("/webhooks/twilio/status", url.Values{"CallStatus": {"ringing"}})
	if _, err := ParseTwilioStatusCallback(r, time.Now()); !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}

	r = formRequest("/webhooks/twilio/status?call_id=c1", url.Values{"CallStatus": {"teleported"}})
	if _, err := ParseTwilioStatusCallback(r, time.Now()); !errors.Is(err, calls.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestParseTwilioGather(t *testing.T) {
	r := formRequest("/webhooks/twilio/gather?call_id=c9", url.Values{
		"SpeechResult": {"  yes sure "},
		"Confidence":   {"0.91"},
	})
	got, err := ParseTwilioGather(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if diff := cmp.Diff(GatherResult{CallID: "c9", Speech: "yes sure", Confidence: 0.91}, got); diff != "" {
		t.Fatalf("gather mismatch (-want +got):\n%s", diff)
	}
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateTwilioSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	const token = "secret-token"
	const base = "https://surveys.example.com"

	r := gin.New()
	r.POST(StatusPath, ValidateTwilioSignature(token, base), func(c *gin.Context) { c.Status(http.StatusOK) })

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	target := StatusPath + "?call_id=c1"

	req := formRequest(target, form)
	req.Header.Set("X-Twilio-Signature", twilioSignature(token, base+target, form))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = formRequest(target, form)
	req.Header.Set("X-Twilio-Signature", twilioSignature("wrong", base+target, form))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
