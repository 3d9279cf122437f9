package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"voice-survey-agent/internal/auth"
	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/internal/ledger"
	"voice-survey-agent/internal/rbac"
	"voice-survey-agent/internal/reporting"
	"voice-survey-agent/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CampaignStore flips campaign status for operator pause and resume.
type CampaignStore interface {
	SetCampaignStatus(ctx context.Context, id string, status campaigns.Status, now time.Time) (campaigns.Campaign, error)
}

type ProgressReporter interface {
	CampaignProgress(ctx context.Context, campaignID string) (reporting.CampaignProgress, error)
}

type Sweeper interface {
	RecoverStale(ctx context.Context) ([]ledger.Recovered, error)
}

type Leadership interface {
	IsLeader() bool
}

type Auditor interface {
	LogCampaignControl(ctx context.Context, campaignID, actorUserID, actorRole, ip string, paused bool)
}

// Pinger checks one backing dependency for /healthz.
type Pinger func(ctx context.Context) error

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Campaigns CampaignStore
	Progress  ProgressReporter
	Sweeper   Sweeper
	Leader    Leadership
	Audit     Auditor
	Checks    map[string]Pinger

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Campaign control ---

// PauseCampaign stops new claims for the campaign. Calls already in flight
// finish normally.
// RBAC: admin or campaign_manager.
func (h Handlers) PauseCampaign(c *gin.Context) { h.setStatus(c, campaigns.StatusPaused) }

// ResumeCampaign makes a paused campaign eligible for dispatch again.
// RBAC: admin or campaign_manager.
func (h Handlers) ResumeCampaign(c *gin.Context) { h.setStatus(c, campaigns.StatusRunning) }

func (h Handlers) setStatus(c *gin.Context, status campaigns.Status) {
	if h.Campaigns == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaigns not configured"})
		return
	}
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign id required"})
		return
	}
	ctx := c.Request.Context()
	log := logger.FromGin(c).With("campaign_id", id)

	camp, err := h.Campaigns.SetCampaignStatus(ctx, id, status, h.now())
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	case errors.Is(err, ledger.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	default:
		log.Error("set campaign status failed", "status", status, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status update failed"})
		return
	}

	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	if h.Audit != nil {
		h.Audit.LogCampaignControl(ctx, id, userID, role, c.ClientIP(), status == campaigns.StatusPaused)
	}
	log.Info("campaign status changed", "status", camp.Status, "actor_user_id", userID)
	c.JSON(http.StatusOK, gin.H{"campaign_id": camp.ID, "status": camp.Status})
}

// --- Reporting ---

// CampaignProgress returns contact counts by state and completion rates.
// RBAC: any role.
func (h Handlers) CampaignProgress(c *gin.Context) {
	if h.Progress == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	out, err := h.Progress.CampaignProgress(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, out)
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign id required"})
	case errors.Is(err, ledger.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	default:
		logger.FromGin(c).Error("campaign progress failed", "campaign_id", c.Param("id"), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "progress lookup failed"})
	}
}

// --- Scheduler ---

type recoveredJSON struct {
	CallID     string `json:"call_id"`
	ContactID  string `json:"contact_id"`
	CampaignID string `json:"campaign_id"`
	State      string `json:"state"`
	Exhausted  bool   `json:"exhausted"`
}

// Sweep runs stale attempt recovery on this process immediately.
// RBAC: admin.
func (h Handlers) Sweep(c *gin.Context) {
	if h.Sweeper == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "scheduler not configured"})
		return
	}
	recovered, err := h.Sweeper.RecoverStale(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("manual sweep failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	out := make([]recoveredJSON, 0, len(recovered))
	for _, r := range recovered {
		out = append(out, recoveredJSON{
			CallID:     r.CallID,
			ContactID:  r.ContactID,
			CampaignID: r.CampaignID,
			State:      string(r.State),
			Exhausted:  r.Exhausted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"recovered": out})
}

// --- Probes ---

// Healthz pings every configured dependency.
func (h Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, ping := range h.Checks {
		if err := ping(ctx); err != nil {
			logger.FromGin(c).Warn("health check failed", "check", name, "error", err)
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

// Readyz reports whether this instance currently holds the scheduler lease.
// Standby instances are ready: they still serve webhooks.
func (h Handlers) Readyz(c *gin.Context) {
	role := "standby"
	if h.Leader != nil && h.Leader.IsLeader() {
		role = "leader"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "scheduler": role})
}

// Register mounts the operator API on r. authMW verifies the bearer token.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		camps := v1.Group("/campaigns")
		camps.GET("/:id/progress", rbac.RequireAnyRole(rbac.AllRoles...), h.CampaignProgress)
		camps.POST("/:id/pause", rbac.RequireAnyRole(rbac.RoleCampaignManager), h.PauseCampaign)
		camps.POST("/:id/resume", rbac.RequireAnyRole(rbac.RoleCampaignManager), h.ResumeCampaign)

		v1.POST("/scheduler/sweep", rbac.RequireAnyRole(rbac.RoleAdmin), h.Sweep)
	}
}
