package http

import (
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc Service, jobs JobStore) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context) {
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
    })

    h := NewHandlers(cfg, log, svc, jobs)

    r.GET("/healthz", h.Healthz)
    r.GET("/admin/last-run", h.LastRun)
    r.POST("/admin/run", h.RunAudit)
    r.POST("/admin/reconcile", h.Reconcile)
    // Support both header-authenticated and path-secret webhook endpoints
    r.POST("/jira/webhook", h.JiraWebhook)
    r.POST("/jira/webhook/:secret", h.JiraWebhook)

    return r
}
