package services

import (
    "context"
    "encoding/json"
    "errors"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/bitbucket"
    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/export"
    "github.com/dutchsloot84/releasecopilot/internal/rawstore"
    "github.com/dutchsloot84/releasecopilot/internal/reconcile"
)

type fakeJira struct {
    byVersion map[string][]domain.Issue
    err       error
}

func (f *fakeJira) FetchFixVersion(_ context.Context, fv string) ([]domain.Issue, []json.RawMessage, error) {
    if f.err != nil { return nil, nil, f.err }
    return f.byVersion[fv], []json.RawMessage{json.RawMessage(`{"issues":[]}`)}, nil
}

type fakeBitbucket struct {
    commits []domain.Commit
    err     error
}

func (f *fakeBitbucket) FetchCommits(_ context.Context, _, _ []string, _ bitbucket.Window) ([]domain.Commit, []json.RawMessage, error) {
    return f.commits, []json.RawMessage{json.RawMessage(`{"values":[]}`)}, f.err
}

func newService(t *testing.T, jira JiraClient, bb BitbucketClient, mem cache.Cache) (*Service, string, *rawstore.Store) {
    t.Helper()
    cfg := config.Config{
        FixVersions: []string{"2025.10.0"},
        Repos:       []string{"core"},
        Branches:    []string{"main"},
        WindowDays:  28,
    }
    outDir := t.TempDir()
    raw := rawstore.New(t.TempDir(), zerolog.Nop())
    out := export.NewWriter(outDir, zerolog.Nop())
    recon := reconcile.New(jira.(reconcile.Fetcher), mem, zerolog.Nop())
    return New(cfg, zerolog.Nop(), mem, jira, bb, raw, out, recon, nil, nil), outDir, raw
}

func ts(day int) time.Time { return time.Date(2025, 10, day, 10, 0, 0, 0, time.UTC) }

func TestRunAuditEndToEnd(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    jira := &fakeJira{byVersion: map[string][]domain.Issue{
        "2025.10.0": {
            {ID: "1", Key: "PROJ-1", Summary: "widget", Status: "Done", FixVersions: []string{"2025.10.0"}, UpdatedAt: ts(1)},
            {ID: "2", Key: "PROJ-2", Summary: "gadget", Status: "Done", FixVersions: []string{"2025.10.0"}, UpdatedAt: ts(2)},
        },
    }}
    bb := &fakeBitbucket{commits: []domain.Commit{
        {ID: "c1", Repo: "core", Message: "PROJ-1 implement widget", Date: ts(3)},
        {ID: "c2", Repo: "core", Message: "tidy makefile", Date: ts(3)},
    }}
    svc, outDir, _ := newService(t, jira, bb, mem)

    rep, err := svc.RunAudit(context.Background(), AuditOptions{})
    require.NoError(t, err)

    assert.Equal(t, 2, rep.Summary.StoryCount)
    assert.Equal(t, 1, rep.Summary.StoryWithCommitsCount)
    assert.Equal(t, 1, rep.Summary.StoryWithoutCommitsCount)
    assert.Equal(t, 1, rep.Summary.OrphanCommitCount)
    assert.InDelta(t, 50.0, rep.Summary.CoveragePercent, 0.001)

    // fetched issues are now cached
    latest, ok, err := mem.Latest(context.Background(), "PROJ-1")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "widget", latest.Summary)

    // artifacts written
    _, err = os.Stat(filepath.Join(outDir, "audit_results.json"))
    require.NoError(t, err)
    _, err = os.Stat(filepath.Join(outDir, "summary.json"))
    require.NoError(t, err)
}

func TestRunAuditUseCacheSkipsFetch(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    _, err := mem.Ingest(context.Background(), domain.CacheRow{
        Issue:          domain.Issue{Key: "PROJ-1", Summary: "cached", FixVersions: []string{"2025.10.0"}, UpdatedAt: ts(1)},
        IdempotencyKey: "seed",
    })
    require.NoError(t, err)

    jira := &fakeJira{err: errors.New("must not be called")}
    bb := &fakeBitbucket{}
    svc, _, _ := newService(t, jira, bb, mem)

    rep, err := svc.RunAudit(context.Background(), AuditOptions{UseCache: true})
    require.NoError(t, err)
    assert.Equal(t, 1, rep.Summary.StoryCount)
    require.NotEmpty(t, rep.Diagnostics)
    assert.Contains(t, rep.Diagnostics[0], "served from cache")
}

func TestRunAuditFallsBackToCacheOnFetchFailure(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    _, err := mem.Ingest(context.Background(), domain.CacheRow{
        Issue:          domain.Issue{Key: "PROJ-1", Summary: "cached", FixVersions: []string{"2025.10.0"}, UpdatedAt: ts(1)},
        IdempotencyKey: "seed",
    })
    require.NoError(t, err)

    jira := &fakeJira{err: errors.New("jira down")}
    bb := &fakeBitbucket{}
    svc, _, _ := newService(t, jira, bb, mem)

    rep, err := svc.RunAudit(context.Background(), AuditOptions{})
    require.NoError(t, err)
    assert.Equal(t, 1, rep.Summary.StoryCount)
    assert.Contains(t, rep.Diagnostics[0], "failed, served 1 issues from cache")
}

func TestRunAuditReplaysSnapshotWhenCacheEmpty(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    jira := &fakeJira{err: errors.New("jira down")}
    svc, _, raw := newService(t, jira, &fakeBitbucket{}, mem)

    _, err := raw.Save("issues_2025.10.0", []domain.Issue{
        {Key: "PROJ-1", Summary: "archived", FixVersions: []string{"2025.10.0"}, UpdatedAt: ts(1)},
    })
    require.NoError(t, err)

    rep, err := svc.RunAudit(context.Background(), AuditOptions{})
    require.NoError(t, err)
    assert.Equal(t, 1, rep.Summary.StoryCount)
    assert.Equal(t, "PROJ-1", rep.Stories[0].Key)
}

func TestRunAuditFailsWhenNothingAvailable(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    jira := &fakeJira{err: errors.New("jira down")}
    svc, _, _ := newService(t, jira, &fakeBitbucket{}, mem)

    _, err := svc.RunAudit(context.Background(), AuditOptions{})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "jira down")
}

func TestCommitWindowFreezeDate(t *testing.T) {
    mem := cache.NewMemory(zerolog.Nop())
    svc, _, _ := newService(t, &fakeJira{}, &fakeBitbucket{}, mem)

    win, err := svc.commitWindow(AuditOptions{FreezeDate: "2025-10-15", WindowDays: 14})
    require.NoError(t, err)
    assert.Equal(t, time.Date(2025, 10, 16, 0, 0, 0, 0, time.UTC), win.Until)
    assert.Equal(t, time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC), win.Since)

    _, err = svc.commitWindow(AuditOptions{FreezeDate: "15/10/2025"})
    require.Error(t, err)
}
