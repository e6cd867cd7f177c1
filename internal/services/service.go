package services

import (
    "context"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/bitbucket"
    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/export"
    "github.com/dutchsloot84/releasecopilot/internal/matcher"
    "github.com/dutchsloot84/releasecopilot/internal/rawstore"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
)

type JiraClient interface {
    FetchFixVersion(ctx context.Context, fixVersion string) ([]domain.Issue, []json.RawMessage, error)
}

type BitbucketClient interface {
    FetchCommits(ctx context.Context, repos, branches []string, win bitbucket.Window) ([]domain.Commit, []json.RawMessage, error)
}

// LLM produces the optional natural-language digest appended to the
// report diagnostics.
type LLM interface {
    SummarizeAudit(ctx context.Context, sum domain.Summary, fixVersions []string) (string, error)
}

type JobTracker interface {
    StartJobRun(ctx context.Context, kind string) (int64, error)
    FinishJobRun(ctx context.Context, id int64, ok bool, detail string) error
}

type Service struct {
    cfg   config.Config
    log   zerolog.Logger
    cache cache.Cache
    jira  JiraClient
    bb    BitbucketClient
    raw   *rawstore.Store
    out   *export.Writer
    recon *reconcile.Engine
    llm   LLM
    jobs  JobTracker
    now   func() time.Time
}

func New(cfg config.Config, log zerolog.Logger, c cache.Cache, jira JiraClient, bb BitbucketClient,
    raw *rawstore.Store, out *export.Writer, recon *reconcile.Engine, llm LLM, jobs JobTracker) *Service {
    return &Service{
        cfg: cfg, log: log, cache: c, jira: jira, bb: bb,
        raw: raw, out: out, recon: recon, llm: llm, jobs: jobs,
        now: func() time.Time { return time.Now().UTC() },
    }
}

// AuditOptions tunes one audit run.
type AuditOptions struct {
    FixVersions []string `json:"fixVersions"`
    // UseCache skips the Jira fetch and audits the cached latest rows.
    UseCache bool `json:"useCache"`
    // FreezeDate anchors the commit window; empty means now.
    FreezeDate string `json:"freezeDate"`
    WindowDays int    `json:"windowDays"`
}

// commitWindow computes [freeze-windowDays, freeze) per the audit
// window rules.
func (s *Service) commitWindow(opts AuditOptions) (bitbucket.Window, error) {
    days := opts.WindowDays
    if days <= 0 { days = s.cfg.WindowDays }
    end := s.now()
    if opts.FreezeDate != "" {
        t, err := time.Parse("2006-01-02", opts.FreezeDate)
        if err != nil { return bitbucket.Window{}, fmt.Errorf("invalid freeze date %q: %w", opts.FreezeDate, err) }
        end = t.UTC().Add(24 * time.Hour) // include the freeze day
    }
    return bitbucket.Window{Since: end.AddDate(0, 0, -days), Until: end}, nil
}

// RunAudit executes one end-to-end audit: gather issues (live fetch or
// cache replay), gather commits, match, export. Partial upstream
// failures degrade to a report with diagnostics instead of aborting.
func (s *Service) RunAudit(ctx context.Context, opts AuditOptions) (domain.Report, error) {
    runID := uuid.NewString()
    started := s.now()
    var diagnostics []string

    fixVersions := opts.FixVersions
    if len(fixVersions) == 0 { fixVersions = s.cfg.FixVersions }

    issues, diag, err := s.gatherIssues(ctx, runID, fixVersions, opts.UseCache)
    if err != nil { return domain.Report{}, err }
    diagnostics = append(diagnostics, diag...)

    win, err := s.commitWindow(opts)
    if err != nil { return domain.Report{}, err }
    commits, pages, err := s.bb.FetchCommits(ctx, s.cfg.Repos, s.cfg.Branches, win)
    if err != nil {
        if len(commits) == 0 && len(pages) == 0 { return domain.Report{}, err }
        // partial failure: keep what we got, record the rest
        diagnostics = append(diagnostics, "bitbucket: "+err.Error())
    }
    for i, page := range pages {
        if _, err := s.raw.SaveRaw(fmt.Sprintf("bitbucket_page%03d", i), page); err != nil {
            s.log.Warn().Err(err).Msg("raw commit page archive failed")
        }
    }

    out := matcher.Match(issues, commits)
    for _, skip := range out.Skipped { diagnostics = append(diagnostics, skip.Error()) }
    rep := matcher.BuildReport(out, commits, s.now())
    rep.Diagnostics = diagnostics

    if s.llm != nil {
        digest, err := s.llm.SummarizeAudit(ctx, rep.Summary, fixVersions)
        if err != nil {
            s.log.Warn().Err(err).Msg("audit digest generation failed")
        } else if digest != "" {
            rep.Diagnostics = append(rep.Diagnostics, "digest: "+digest)
        }
    }

    if s.out != nil {
        if _, _, err := s.out.Write(rep); err != nil { return rep, err }
    }
    s.log.Info().Str("run_id", runID).Dur("took", s.now().Sub(started)).
        Int("stories", rep.Summary.StoryCount).Int("orphans", rep.Summary.OrphanCommitCount).
        Msg("audit run complete")
    return rep, nil
}

func (s *Service) gatherIssues(ctx context.Context, runID string, fixVersions []string, useCache bool) ([]domain.Issue, []string, error) {
    if useCache {
        return s.issuesFromCache(ctx, fixVersions)
    }
    var all []domain.Issue
    var diagnostics []string
    for _, fv := range fixVersions {
        issues, pages, err := s.jira.FetchFixVersion(ctx, fv)
        if err != nil {
            s.log.Error().Err(err).Str("fix_version", fv).Msg("jira fetch failed, falling back to cache")
            cached, _, cerr := s.issuesFromCache(ctx, []string{fv})
            if cerr == nil && len(cached) == 0 {
                // last resort: replay the newest archived snapshot
                var snap []domain.Issue
                if rerr := s.raw.LoadLatest("issues_"+sanitize(fv), &snap); rerr == nil { cached = snap }
            }
            if len(cached) == 0 {
                return nil, nil, fmt.Errorf("fix version %s: %w", fv, err)
            }
            diagnostics = append(diagnostics, fmt.Sprintf("jira fetch for %s failed, served %d issues from cache", fv, len(cached)))
            all = append(all, cached...)
            continue
        }
        for i, page := range pages {
            if _, err := s.raw.SaveRaw(fmt.Sprintf("jira_%s_page%03d", sanitize(fv), i), page); err != nil {
                s.log.Warn().Err(err).Msg("raw issue page archive failed")
            }
        }
        if _, err := s.raw.Save("issues_"+sanitize(fv), issues); err != nil {
            s.log.Warn().Err(err).Msg("issue snapshot archive failed")
        }
        for _, iss := range issues {
            _, err := s.cache.Ingest(ctx, domain.CacheRow{
                Issue:          iss,
                IdempotencyKey: fmt.Sprintf("fetch:%s:%s:%d", runID, iss.Key, iss.UpdatedAt.Unix()),
                ReceivedAt:     s.now(),
                LastEventType:  "fetch",
            })
            if err != nil { return nil, nil, err }
        }
        all = append(all, issues...)
    }
    return all, diagnostics, nil
}

func (s *Service) issuesFromCache(ctx context.Context, fixVersions []string) ([]domain.Issue, []string, error) {
    seen := map[string]struct{}{}
    var all []domain.Issue
    for _, fv := range fixVersions {
        rows, err := s.cache.ListByFixVersion(ctx, fv)
        if err != nil { return nil, nil, err }
        for _, r := range rows {
            if _, dup := seen[r.Key]; dup { continue }
            seen[r.Key] = struct{}{}
            all = append(all, r.Issue)
        }
    }
    return all, []string{fmt.Sprintf("issues served from cache (%d)", len(all))}, nil
}

// RunReconciliation drives a reconcile pass and records it as a job run
// when a tracker is wired.
func (s *Service) RunReconciliation(ctx context.Context) ([]reconcile.Stats, error) {
    var runRow int64
    if s.jobs != nil {
        id, err := s.jobs.StartJobRun(ctx, "reconciliation")
        if err != nil { s.log.Warn().Err(err).Msg("job run bookkeeping failed") } else { runRow = id }
    }
    stats, err := s.recon.Run(ctx, s.cfg.FixVersions)
    if s.jobs != nil && runRow > 0 {
        detail, _ := json.Marshal(stats)
        if ferr := s.jobs.FinishJobRun(ctx, runRow, err == nil, string(detail)); ferr != nil {
            s.log.Warn().Err(ferr).Msg("job run bookkeeping failed")
        }
    }
    return stats, err
}

func sanitize(s string) string {
    return strings.Map(func(r rune) rune {
        switch {
        case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
            return r
        }
        return '_'
    }, s)
}
