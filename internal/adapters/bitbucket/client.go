// Package bitbucket fetches commits per repository and branch through
// the Bitbucket Cloud 2.0 API, following next-page cursors and bounding
// concurrent repo/branch fetches with a weighted semaphore.
package bitbucket

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog"
    "golang.org/x/sync/semaphore"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
)

type Client struct {
    baseURL   string
    workspace string
    username  string
    appPass   string
    token     string
    pageLen   int
    maxConc   int64
    http      *httpx.Client
    log       zerolog.Logger
}

func NewClient(cfg config.Config, hc *httpx.Client, log zerolog.Logger) *Client {
    size := cfg.PageSize
    if size <= 0 { size = 100 }
    conc := cfg.MaxConcurrency
    if conc <= 0 { conc = 4 }
    return &Client{
        baseURL:   strings.TrimRight(cfg.BitbucketBaseURL, "/"),
        workspace: cfg.BitbucketWorkspace,
        username:  cfg.BitbucketUsername,
        appPass:   cfg.BitbucketAppPassword,
        token:     cfg.BitbucketToken,
        pageLen:   size,
        maxConc:   int64(conc),
        http:      hc,
        log:       log,
    }
}

// Window bounds commits by author date, inclusive of Since and
// exclusive of Until. A zero bound is open.
type Window struct {
    Since time.Time
    Until time.Time
}

func (w Window) contains(t time.Time) bool {
    if !w.Since.IsZero() && t.Before(w.Since) { return false }
    if !w.Until.IsZero() && !t.Before(w.Until) { return false }
    return true
}

type branchResult struct {
    repo    string
    branch  string
    commits []domain.Commit
    pages   []json.RawMessage
    err     error
}

// FetchCommits walks every repo/branch pair concurrently and merges the
// results. A failing pair is reported but does not abort the others;
// the joined error carries every failure.
func (c *Client) FetchCommits(ctx context.Context, repos, branches []string, win Window) ([]domain.Commit, []json.RawMessage, error) {
    if len(repos) == 0 { return nil, nil, errors.New("bitbucket: no repositories configured") }
    if len(branches) == 0 { branches = []string{"main"} }

    sem := semaphore.NewWeighted(c.maxConc)
    results := make(chan branchResult, len(repos)*len(branches))
    var wg sync.WaitGroup
    for _, repo := range repos {
        for _, branch := range branches {
            wg.Add(1)
            go func(repo, branch string) {
                defer wg.Done()
                if err := sem.Acquire(ctx, 1); err != nil {
                    results <- branchResult{repo: repo, branch: branch, err: err}
                    return
                }
                defer sem.Release(1)
                commits, pages, err := c.fetchBranch(ctx, repo, branch, win)
                results <- branchResult{repo: repo, branch: branch, commits: commits, pages: pages, err: err}
            }(repo, branch)
        }
    }
    wg.Wait()
    close(results)

    seen := map[string]struct{}{}
    var commits []domain.Commit
    var pages []json.RawMessage
    var failures []error
    for r := range results {
        if r.err != nil {
            c.log.Error().Err(r.err).Str("repo", r.repo).Str("branch", r.branch).Msg("bitbucket branch fetch failed")
            failures = append(failures, fmt.Errorf("%s@%s: %w", r.repo, r.branch, r.err))
            continue
        }
        pages = append(pages, r.pages...)
        for _, cm := range r.commits {
            // the same commit can appear on several branches of a repo
            id := cm.Repo + ":" + cm.ID
            if _, dup := seen[id]; dup { continue }
            seen[id] = struct{}{}
            commits = append(commits, cm)
        }
    }
    sort.Slice(commits, func(i, j int) bool {
        if commits[i].Repo != commits[j].Repo { return commits[i].Repo < commits[j].Repo }
        return commits[i].Date.Before(commits[j].Date)
    })
    if len(failures) > 0 { return commits, pages, errors.Join(failures...) }
    return commits, pages, nil
}

func (c *Client) fetchBranch(ctx context.Context, repo, branch string, win Window) ([]domain.Commit, []json.RawMessage, error) {
    if c.baseURL == "" || c.workspace == "" { return nil, nil, errors.New("bitbucket: baseURL and workspace required") }
    next := fmt.Sprintf("%s/repositories/%s/%s/commits/%s?pagelen=%d",
        c.baseURL, url.PathEscape(c.workspace), url.PathEscape(repo), url.PathEscape(branch), c.pageLen)

    var commits []domain.Commit
    var pages []json.RawMessage
    for next != "" {
        page, raw, err := c.commitsPage(ctx, next)
        if err != nil { return nil, nil, err }
        pages = append(pages, raw)

        belowWindow := false
        for _, v := range page.Values {
            cm, err := normalizeCommit(v, repo, branch)
            if err != nil {
                c.log.Warn().Err(err).Str("repo", repo).Msg("skipping malformed commit")
                continue
            }
            if !win.Since.IsZero() && cm.Date.Before(win.Since) {
                // commits arrive newest first; everything past here is older
                belowWindow = true
                break
            }
            if win.contains(cm.Date) { commits = append(commits, cm) }
        }
        if belowWindow { break }
        next = page.Next
    }
    return commits, pages, nil
}

type commitsPage struct {
    Values []json.RawMessage `json:"values"`
    Next   string            `json:"next"`
}

func (c *Client) commitsPage(ctx context.Context, u string) (*commitsPage, json.RawMessage, error) {
    resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
        if err != nil { return nil, err }
        req.Header.Set("Accept", "application/json")
        if c.token != "" {
            req.Header.Set("Authorization", "Bearer "+c.token)
        } else if c.username != "" && c.appPass != "" {
            req.SetBasicAuth(c.username, c.appPass)
        }
        return req, nil
    })
    if err != nil { return nil, nil, err }
    defer resp.Body.Close()

    raw, err := io.ReadAll(resp.Body)
    if err != nil { return nil, nil, err }
    var page commitsPage
    if err := json.Unmarshal(raw, &page); err != nil {
        return nil, nil, fmt.Errorf("bitbucket: decode commits page: %w", err)
    }
    return &page, raw, nil
}

func normalizeCommit(raw json.RawMessage, repo, branch string) (domain.Commit, error) {
    var hit struct {
        Hash    string `json:"hash"`
        Date    string `json:"date"`
        Message string `json:"message"`
        Author  struct {
            Raw  string `json:"raw"`
            User *struct {
                DisplayName string `json:"display_name"`
            } `json:"user"`
        } `json:"author"`
    }
    if err := json.Unmarshal(raw, &hit); err != nil { return domain.Commit{}, err }
    if hit.Hash == "" { return domain.Commit{}, errors.New("bitbucket: commit missing hash") }

    cm := domain.Commit{
        ID:      hit.Hash,
        Repo:    repo,
        Branch:  branch,
        Message: hit.Message,
        Author:  hit.Author.Raw,
    }
    if hit.Author.User != nil && hit.Author.User.DisplayName != "" { cm.Author = hit.Author.User.DisplayName }
    // a zero date would read as older-than-window and cut pagination short
    if hit.Date == "" { return domain.Commit{}, fmt.Errorf("bitbucket: commit %s missing date", hit.Hash) }
    t, err := time.Parse(time.RFC3339, hit.Date)
    if err != nil { return domain.Commit{}, fmt.Errorf("bitbucket: commit %s date: %w", hit.Hash, err) }
    cm.Date = t.UTC()
    return cm, nil
}
