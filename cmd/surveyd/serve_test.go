package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/internal/config"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/telephony"

	"github.com/gin-gonic/gin"
)

const dryRunSeed = `
campaigns:
  - id: nps
    intro: "Hi, this is Acme with a one minute survey."
    window: {start: "00:00", end: "23:59"}
    questions:
      - {text: "From 1 to 5, how was your delivery?", type: scale}
      - {text: "How many orders this year?", type: numeric}
      - {text: "What should we improve?"}
    contacts: ["+390612345678"]
`

func newDryRunApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{App: config.AppConfig{Port: 8080, DryRun: true}}
	cfg.Auth.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)

	seed := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(seed, []byte(dryRunSeed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if err := a.seed(seed, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a
}

func post(t *testing.T, h http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDryRun_CompletesSurveyEndToEnd(t *testing.T) {
	a := newDryRunApp(t)
	router, err := newRouter(a)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	ctx := context.Background()

	res := a.scheduler.Tick(ctx)
	if res.Dispatched != 1 {
		t.Fatalf("expected one dispatch, got %+v", res)
	}
	placed := a.gateway.(*telephony.FakeGateway).Placed()
	if len(placed) != 1 {
		t.Fatalf("expected one placed call, got %d", len(placed))
	}
	callID := placed[0].IdempotencyKey
	sid := url.Values{"CallSid": {"CA123"}}

	if w := post(t, router, a.callbacks.StatusURL(callID), url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}}); w.Code != http.StatusNoContent {
		t.Fatalf("ringing callback: %d %s", w.Code, w.Body.String())
	}

	w := post(t, router, a.callbacks.VoiceURL(callID), sid)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Gather") || !strings.Contains(w.Body.String(), "Acme") {
		t.Fatalf("voice webhook: %d %s", w.Code, w.Body.String())
	}

	for i, reply := range []string{"yes sure", "4", "3", "faster couriers"} {
		w = post(t, router, a.callbacks.GatherURL(callID), url.Values{"SpeechResult": {reply}, "Confidence": {"0.9"}})
		if w.Code != http.StatusOK {
			t.Fatalf("turn %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	if !strings.Contains(w.Body.String(), "<Hangup") {
		t.Fatalf("expected the last turn to hang up, got %s", w.Body.String())
	}

	if w := post(t, router, a.callbacks.StatusURL(callID), url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}, "CallDuration": {"75"}}); w.Code != http.StatusNoContent {
		t.Fatalf("completed callback: %d", w.Code)
	}

	attempt, err := a.store.GetAttemptByCallID(ctx, callID)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	contact, err := a.store.GetContact(ctx, attempt.ContactID)
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	if contact.State != calls.ContactCompleted {
		t.Fatalf("expected contact completed, got %s", contact.State)
	}
	resp, ok := a.store.(*ledger.MemoryStore).Response(contact.ID, "nps")
	if !ok {
		t.Fatalf("expected a stored survey response")
	}
	got := [3]string{resp.Answers[0].Text, resp.Answers[1].Text, resp.Answers[2].Text}
	if got != [3]string{"4", "3", "faster couriers"} {
		t.Fatalf("unexpected answers %v", got)
	}
}

func TestDryRun_ProbesAndOperatorAPI(t *testing.T) {
	a := newDryRunApp(t)
	router, err := newRouter(a)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/nps/progress", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
}

func TestSeedRequiresDryRun(t *testing.T) {
	a := &app{store: ledger.NewPostgresStore(nil), log: slog.Default()}
	if err := a.seed("unused.yaml", time.Now()); err == nil {
		t.Fatalf("expected seed to be refused outside dry run")
	}
}
