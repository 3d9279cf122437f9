package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"voice-survey-agent/internal/calls"
	"voice-survey-agent/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventSink applies a normalized call event (the webhook processor).
type EventSink interface {
	Accept(ctx context.Context, ev calls.Event) error
}

// Conversation drives dialogue turns (the dialogue machine).
type Conversation interface {
	Resume(ctx context.Context, callID string) (Prompt, error)
	Handle(ctx context.Context, callID, utterance string) (Prompt, error)
}

// TwilioWebhookHandler converts Twilio webhooks to internal types, delegates
// to the processor or the dialogue, and writes TwiML.
//
// No business logic here.
type TwilioWebhookHandler struct {
	Events    EventSink
	Dialogue  Conversation
	Callbacks Callbacks

	// GatherTimeout is the seconds Twilio waits for the caller to start speaking.
	GatherTimeout int

	// Fallback is spoken when no dialogue session can serve the call.
	Fallback string

	Now func() time.Time
}

func (h TwilioWebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

// HandleStatus accepts status callbacks. Unknown calls and duplicates are
// acknowledged with 204 so the provider does not retry them.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event processor not configured"})
		return
	}

	ev, err := ParseTwilioStatusCallback(c.Request, h.now())
	if err != nil {
		log.Warn("twilio status callback rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid callback"})
		return
	}
	if err := h.Events.Accept(c.Request.Context(), ev); err != nil {
		log.Error("status callback processing failed", "call_id", ev.CallID, "event_type", ev.Type, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleVoice serves the first turn once the callee picks up.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Events == nil || h.Dialogue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dialogue not configured"})
		return
	}

	ev, err := AnsweredEvent(c.Request, h.now())
	if err != nil {
		log.Warn("twilio voice webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid callback"})
		return
	}
	ctx := c.Request.Context()
	if err := h.Events.Accept(ctx, ev); err != nil {
		log.Error("answered event processing failed", "call_id", ev.CallID, "err", err)
		h.writePrompt(c, ev.CallID, h.fallback())
		return
	}
	p, err := h.Dialogue.Resume(ctx, ev.CallID)
	if err != nil {
		log.Warn("no dialogue for answered call", "call_id", ev.CallID, "err", err)
		p = h.fallback()
	}
	h.writePrompt(c, ev.CallID, p)
}

// HandleGather runs one dialogue turn on the caller's speech.
func (h TwilioWebhookHandler) HandleGather(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Dialogue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dialogue not configured"})
		return
	}

	res, err := ParseTwilioGather(c.Request)
	if err != nil {
		log.Warn("twilio gather webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid callback"})
		return
	}
	p, err := h.Dialogue.Handle(c.Request.Context(), res.CallID, res.Speech)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		log.Warn("dialogue turn failed", "call_id", res.CallID, "err", err)
		p = h.fallback()
	}
	h.writePrompt(c, res.CallID, p)
}

func (h TwilioWebhookHandler) fallback() Prompt {
	return Prompt{Say: h.Fallback, Hangup: true}
}

func (h TwilioWebhookHandler) writePrompt(c *gin.Context, callID string, p Prompt) {
	twiml, err := RenderPrompt(p, h.Callbacks.GatherURL(callID), h.GatherTimeout)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
