package main

import (
	"context"
	"net/http"
	"time"

	"voice-survey-agent/internal/auth"
	"voice-survey-agent/internal/dialogue"
	"voice-survey-agent/internal/httpapi"
	"voice-survey-agent/internal/telephony"
	"voice-survey-agent/pkg/logger"
	"voice-survey-agent/pkg/utils"

	"github.com/gin-gonic/gin"
)

// newRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func newRouter(a *app) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(a.log, "/healthz", "/readyz"))

	// Provider webhooks (public, signed by Twilio).
	hooks := r.Group("")
	if a.cfg.Twilio.AuthToken != "" {
		hooks.Use(telephony.ValidateTwilioSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicBaseURL))
	} else {
		a.log.Warn("TWILIO_AUTH_TOKEN not set, webhook signatures are not checked")
	}
	{
		h := telephony.TwilioWebhookHandler{
			Events:        a.processor,
			Dialogue:      a.machine,
			Callbacks:     a.callbacks,
			GatherTimeout: int(a.cfg.Dialogue.GatherTimeout / time.Second),
			Fallback:      dialogue.FallbackPrompt(""),
		}
		hooks.POST(telephony.StatusPath, h.HandleStatus)
		hooks.POST(telephony.VoicePath, h.HandleVoice)
		hooks.POST(telephony.GatherPath, h.HandleGather)
	}

	checks := map[string]httpapi.Pinger{}
	if a.db != nil {
		checks["postgres"] = func(ctx context.Context) error { return utils.HealthCheck(ctx, a.db, 2*time.Second) }
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	api := httpapi.Handlers{
		Campaigns: a.store,
		Progress:  a.reporting,
		Sweeper:   a.scheduler,
		Leader:    a.scheduler,
		Audit:     a.audit,
		Checks:    checks,
	}

	authMW := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "operator api disabled: JWT_SECRET not set"})
	}
	if a.cfg.Auth.JWTSecret != "" {
		m, err := auth.NewManager(a.cfg.Auth)
		if err != nil {
			return nil, err
		}
		authMW = auth.RequireAccessToken(m)
	}
	api.Register(r, authMW)
	return r, nil
}
