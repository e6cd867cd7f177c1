package jobs

import (
    "context"
    "time"

    "github.com/robfig/cron/v3"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
)

type service interface {
    RunReconciliation(ctx context.Context) ([]reconcile.Stats, error)
}

// Locker serializes the scheduled pass across replicas; nil disables
// locking for single-instance deployments.
type Locker interface {
    TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
    AdvisoryUnlock(ctx context.Context, key int64) error
}

type Cron struct {
    cfg    config.Config
    log    zerolog.Logger
    svc    service
    locker Locker
    c      *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, locker Locker) *Cron {
    loc, _ := time.LoadLocation(cfg.TZ)
    c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
    cr := &Cron{cfg: cfg, log: log, svc: svc, locker: locker, c: c}
    _, _ = c.AddFunc(cfg.ReconcileCron, cr.reconcile)
    return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) reconcile() {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute); defer cancel()
    const lockKey int64 = 843721
    if cr.locker != nil {
        ok, err := cr.locker.TryAdvisoryLock(ctx, lockKey)
        if err != nil { cr.log.Error().Err(err).Msg("cron: lock error"); return }
        if !ok { cr.log.Info().Msg("cron: reconciliation already running elsewhere"); return }
        defer func() { _ = cr.locker.AdvisoryUnlock(context.Background(), lockKey) }()
    }
    cr.log.Info().Msg("cron: nightly reconciliation")
    if _, err := cr.svc.RunReconciliation(ctx); err != nil {
        cr.log.Error().Err(err).Msg("cron: reconciliation failed")
    }
}
