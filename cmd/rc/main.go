package main

import (
    "context"
    "fmt"
    "os"

    "github.com/spf13/cobra"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/bitbucket"
    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/adapters/jira"
    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/export"
    "github.com/dutchsloot84/releasecopilot/internal/logger"
    "github.com/dutchsloot84/releasecopilot/internal/rawstore"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
    "github.com/dutchsloot84/releasecopilot/internal/repo"
    "github.com/dutchsloot84/releasecopilot/internal/secrets"
    "github.com/dutchsloot84/releasecopilot/internal/services"
)

func main() {
    if err := newRootCmd().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

type auditFlags struct {
    fixVersions []string
    useCache    bool
    useDB       bool
    freezeDate  string
    windowDays  int
    outputDir   string
    rawDir      string
}

func newRootCmd() *cobra.Command {
    root := &cobra.Command{
        Use:           "rc",
        Short:         "Release audit: match Jira stories against Bitbucket commits",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    root.AddCommand(newAuditCmd(), newReconcileCmd())
    return root
}

func buildService(ctx context.Context, cfg config.Config, useDB bool) (*services.Service, func(), error) {
    log := logger.New(cfg)

    store := secrets.NewStore(cfg.SecretsFile)
    cfg.JiraAPIToken = store.Get("JIRA_API_TOKEN", cfg.JiraAPIToken)
    cfg.BitbucketAppPassword = store.Get("BITBUCKET_APP_PASSWORD", cfg.BitbucketAppPassword)

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

    var c cache.Cache
    cleanup := func() {}
    if useDB {
        db := repo.MustOpen(ctx, cfg, log)
        if err := db.Migrate(ctx); err != nil {
            db.Close()
            return nil, nil, fmt.Errorf("db migrate: %w", err)
        }
        c = repo.NewRepository(db, log)
        cleanup = db.Close
    } else {
        c = cache.NewMemory(log)
    }

    raw := rawstore.New(cfg.RawDir, log)
    out := export.NewWriter(cfg.OutputDir, log)
    recon := reconcile.New(jc, c, log)
    return services.New(cfg, log, c, jc, bc, raw, out, recon, nil, nil), cleanup, nil
}

func newAuditCmd() *cobra.Command {
    var flags auditFlags
    cmd := &cobra.Command{
        Use:   "audit",
        Short: "Run one release audit and write audit_results.json",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := config.Load()
            if len(flags.fixVersions) > 0 { cfg.FixVersions = flags.fixVersions }
            if flags.outputDir != "" { cfg.OutputDir = flags.outputDir }
            if flags.rawDir != "" { cfg.RawDir = flags.rawDir }
            if len(cfg.FixVersions) == 0 && !flags.useCache {
                return fmt.Errorf("no fix versions configured; pass --fix-version")
            }
            if flags.useCache && !flags.useDB {
                return fmt.Errorf("--use-cache requires --db")
            }

            svc, cleanup, err := buildService(cmd.Context(), cfg, flags.useDB)
            if err != nil { return err }
            defer cleanup()

            rep, err := svc.RunAudit(cmd.Context(), services.AuditOptions{
                FixVersions: flags.fixVersions,
                UseCache:    flags.useCache,
                FreezeDate:  flags.freezeDate,
                WindowDays:  flags.windowDays,
            })
            if err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(),
                "audit complete: %d stories, %d with commits, %d without, %d orphan commits, coverage %.1f%%\n",
                rep.Summary.StoryCount, rep.Summary.StoryWithCommitsCount,
                rep.Summary.StoryWithoutCommitsCount, rep.Summary.OrphanCommitCount,
                rep.Summary.CoveragePercent)
            return nil
        },
    }
    cmd.Flags().StringArrayVar(&flags.fixVersions, "fix-version", nil, "fix version to audit (repeatable)")
    cmd.Flags().BoolVar(&flags.useCache, "use-cache", false, "audit cached issues instead of fetching from Jira")
    cmd.Flags().BoolVar(&flags.useDB, "db", false, "use the Postgres cache instead of in-memory")
    cmd.Flags().StringVar(&flags.freezeDate, "freeze-date", "", "freeze date YYYY-MM-DD anchoring the commit window")
    cmd.Flags().IntVar(&flags.windowDays, "window-days", 0, "days of commit history before the freeze date")
    cmd.Flags().StringVar(&flags.outputDir, "output", "", "directory for report artifacts")
    cmd.Flags().StringVar(&flags.rawDir, "raw-dir", "", "directory for raw payload snapshots")
    return cmd
}

func newReconcileCmd() *cobra.Command {
    var fixVersions []string
    cmd := &cobra.Command{
        Use:   "reconcile",
        Short: "Drift-correct the issue cache against Jira",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := config.Load()
            if len(fixVersions) > 0 { cfg.FixVersions = fixVersions }

            svc, cleanup, err := buildService(cmd.Context(), cfg, true)
            if err != nil { return err }
            defer cleanup()

            stats, err := svc.RunReconciliation(cmd.Context())
            if err != nil { return err }
            for _, st := range stats {
                fmt.Fprintf(cmd.OutOrStdout(), "%s: created=%d updated=%d unchanged=%d deleted=%d\n",
                    st.FixVersion, st.Created, st.Updated, st.Unchanged, st.Deleted)
            }
            return nil
        },
    }
    cmd.Flags().StringArrayVar(&fixVersions, "fix-version", nil, "fix version to reconcile (repeatable)")
    return cmd
}
