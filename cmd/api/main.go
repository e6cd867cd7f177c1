package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/bitbucket"
    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/adapters/jira"
    "github.com/dutchsloot84/releasecopilot/internal/adapters/openai"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/export"
    httpapi "github.com/dutchsloot84/releasecopilot/internal/http"
    "github.com/dutchsloot84/releasecopilot/internal/jobs"
    "github.com/dutchsloot84/releasecopilot/internal/logger"
    "github.com/dutchsloot84/releasecopilot/internal/rawstore"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
    "github.com/dutchsloot84/releasecopilot/internal/repo"
    "github.com/dutchsloot84/releasecopilot/internal/secrets"
    "github.com/dutchsloot84/releasecopilot/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    store := secrets.NewStore(cfg.SecretsFile)
    cfg.JiraAPIToken = store.Get("JIRA_API_TOKEN", cfg.JiraAPIToken)
    cfg.BitbucketAppPassword = store.Get("BITBUCKET_APP_PASSWORD", cfg.BitbucketAppPassword)
    cfg.WebhookSecret = store.Get("WEBHOOK_SECRET", cfg.WebhookSecret)

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()
    if err := db.Migrate(ctx); err != nil { log.Fatal().Err(err).Msg("db migrate failed") }
    repository := repo.NewRepository(db, log)

    // Adapters
    jiraHTTP := httpx.New(log, httpx.Options{
        Service: "jira", MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay,
        DisableRetries: cfg.DisableRetries, RatePerSecond: cfg.RatePerSecond, Timeout: cfg.HTTPTimeout,
    })
    bbHTTP := httpx.New(log, httpx.Options{
        Service: "bitbucket", MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay,
        DisableRetries: cfg.DisableRetries, RatePerSecond: cfg.RatePerSecond, Timeout: cfg.HTTPTimeout,
    })
    jc := jira.NewClient(cfg, jiraHTTP, log)
    bc := bitbucket.NewClient(cfg, bbHTTP, log)

    var llm services.LLM
    if cfg.OpenAIKey != "" { llm = openai.NewClient(cfg, log) }

    raw := rawstore.New(cfg.RawDir, log)
    out := export.NewWriter(cfg.OutputDir, log)
    recon := reconcile.New(jc, repository, log)
    svc := services.New(cfg, log, repository, jc, bc, raw, out, recon, llm, repository)

    // HTTP server (Gin)
    router := httpapi.NewRouter(cfg, log, svc, repository)

    // Cron
    cr := jobs.NewCron(cfg, log, svc, repository)
    cr.Start()
    defer cr.Stop()

    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}
