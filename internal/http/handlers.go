package http

import (
    "context"
    "errors"
    "io"
    "net/http"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
    "github.com/dutchsloot84/releasecopilot/internal/repo"
    "github.com/dutchsloot84/releasecopilot/internal/services"
)

type Service interface {
    RunAudit(ctx context.Context, opts services.AuditOptions) (domain.Report, error)
    RunReconciliation(ctx context.Context) ([]reconcile.Stats, error)
    IngestWebhook(ctx context.Context, body []byte) (services.WebhookOutcome, error)
}

// JobStore exposes the last-run bookkeeping; nil when running without
// a database.
type JobStore interface {
    LastJobRun(ctx context.Context, kind string) (*repo.JobRun, error)
}

type Handlers struct {
    cfg  config.Config
    log  zerolog.Logger
    svc  Service
    jobs JobStore
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc Service, jobs JobStore) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc, jobs: jobs}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) LastRun(c *gin.Context) {
    if h.jobs == nil {
        c.JSON(http.StatusOK, gin.H{"lastRun": nil})
        return
    }
    jr, err := h.jobs.LastJobRun(c.Request.Context(), "reconciliation")
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"lastRun": jr})
}

// RunAudit kicks an audit in the background detached from the HTTP
// request so a slow fetch does not get cancelled with the connection.
func (h *Handlers) RunAudit(c *gin.Context) {
    var opts services.AuditOptions
    if c.Request.ContentLength > 0 {
        if err := c.ShouldBindJSON(&opts); err != nil {
            c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
            return
        }
    }
    go func() {
        if _, err := h.svc.RunAudit(context.Background(), opts); err != nil {
            h.log.Error().Err(err).Msg("background audit failed")
        }
    }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) Reconcile(c *gin.Context) {
    go func() {
        if _, err := h.svc.RunReconciliation(context.Background()); err != nil {
            h.log.Error().Err(err).Msg("background reconciliation failed")
        }
    }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) JiraWebhook(c *gin.Context) {
    headerSecret := c.GetHeader("X-Webhook-Secret")
    pathSecret := c.Param("secret")
    if h.cfg.WebhookSecret == "" ||
        (headerSecret != h.cfg.WebhookSecret && pathSecret != h.cfg.WebhookSecret) {
        c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
        return
    }

    body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
        return
    }
    out, err := h.svc.IngestWebhook(c.Request.Context(), body)
    switch {
    case errors.Is(err, services.ErrIgnoredEvent):
        // acknowledge so Jira does not redeliver
        c.JSON(http.StatusOK, gin.H{"ignored": true, "event": out.Event})
    case err != nil:
        h.log.Error().Err(err).Msg("webhook ingest failed")
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
    default:
        c.JSON(http.StatusOK, out)
    }
}
