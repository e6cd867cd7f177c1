// Package jira fetches issues for a fix version through the Jira
// Cloud search API, normalizing each hit into a domain.Issue while
// preserving the raw page payloads for archival.
package jira

import (
    "context"
    "encoding/base64"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
)

type Client struct {
    baseURL     string
    email       string
    apiToken    string
    pat         string
    jqlTemplate string
    pageSize    int
    http        *httpx.Client
    log         zerolog.Logger
}

func NewClient(cfg config.Config, hc *httpx.Client, log zerolog.Logger) *Client {
    size := cfg.PageSize
    if size <= 0 { size = 100 }
    return &Client{
        baseURL:     strings.TrimRight(cfg.JiraBaseURL, "/"),
        email:       cfg.JiraEmail,
        apiToken:    cfg.JiraAPIToken,
        pat:         cfg.JiraPAT,
        jqlTemplate: cfg.JQLTemplate,
        pageSize:    size,
        http:        hc,
        log:         log,
    }
}

// SearchResult carries one decoded search page plus its raw payload.
type SearchResult struct {
    StartAt    int               `json:"startAt"`
    MaxResults int               `json:"maxResults"`
    Total      int               `json:"total"`
    Issues     []json.RawMessage `json:"issues"`
    Raw        json.RawMessage   `json:"-"`
}

// FetchFixVersion pages through the search API for one fix version and
// returns normalized issues plus every raw page for the archive.
func (c *Client) FetchFixVersion(ctx context.Context, fixVersion string) ([]domain.Issue, []json.RawMessage, error) {
    if fixVersion == "" { return nil, nil, errors.New("jira: empty fix version") }
    jql := fmt.Sprintf(c.jqlTemplate, fixVersion)

    var issues []domain.Issue
    var pages []json.RawMessage
    startAt := 0
    for {
        page, err := c.searchPage(ctx, jql, startAt)
        if err != nil { return nil, nil, err }
        pages = append(pages, page.Raw)
        for _, raw := range page.Issues {
            iss, err := normalizeIssue(raw)
            if err != nil {
                c.log.Warn().Err(err).Str("fix_version", fixVersion).Msg("skipping malformed jira issue")
                continue
            }
            issues = append(issues, iss)
        }
        startAt += len(page.Issues)
        if len(page.Issues) < c.pageSize || startAt >= page.Total { break }
    }
    c.log.Info().Str("fix_version", fixVersion).Int("issues", len(issues)).Int("pages", len(pages)).Msg("jira fetch complete")
    return issues, pages, nil
}

func (c *Client) searchPage(ctx context.Context, jql string, startAt int) (*SearchResult, error) {
    if c.baseURL == "" { return nil, errors.New("jira: empty baseURL") }
    q := url.Values{}
    q.Set("jql", jql)
    q.Set("startAt", fmt.Sprint(startAt))
    q.Set("maxResults", fmt.Sprint(c.pageSize))
    q.Set("fields", "summary,status,assignee,components,fixVersions,updated")
    u := c.baseURL + "/rest/api/2/search?" + q.Encode()

    resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
        if err != nil { return nil, err }
        req.Header.Set("Accept", "application/json")
        c.authorize(req)
        return req, nil
    })
    if err != nil { return nil, err }
    defer resp.Body.Close()

    raw, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    var out SearchResult
    if err := json.Unmarshal(raw, &out); err != nil {
        return nil, fmt.Errorf("jira: decode search page: %w", err)
    }
    out.Raw = raw
    return &out, nil
}

func (c *Client) authorize(req *http.Request) {
    if c.pat != "" {
        req.Header.Set("Authorization", "Bearer "+c.pat)
        return
    }
    if c.email != "" && c.apiToken != "" {
        cred := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.apiToken))
        req.Header.Set("Authorization", "Basic "+cred)
    }
}

// jiraTimeLayouts covers the timestamp shapes Jira emits for "updated".
var jiraTimeLayouts = []string{
    "2006-01-02T15:04:05.000-0700",
    time.RFC3339,
    "2006-01-02T15:04:05-0700",
}

func parseTimeUTC(s string) (time.Time, error) {
    for _, layout := range jiraTimeLayouts {
        if t, err := time.Parse(layout, s); err == nil { return t.UTC(), nil }
    }
    return time.Time{}, fmt.Errorf("jira: unrecognized timestamp %q", s)
}

func normalizeIssue(raw json.RawMessage) (domain.Issue, error) {
    var hit struct {
        ID     string `json:"id"`
        Key    string `json:"key"`
        Fields struct {
            Summary string `json:"summary"`
            Status  *struct {
                Name string `json:"name"`
            } `json:"status"`
            Assignee *struct {
                DisplayName string `json:"displayName"`
            } `json:"assignee"`
            Components []struct {
                Name string `json:"name"`
            } `json:"components"`
            FixVersions []struct {
                Name string `json:"name"`
            } `json:"fixVersions"`
            Updated string `json:"updated"`
        } `json:"fields"`
    }
    if err := json.Unmarshal(raw, &hit); err != nil { return domain.Issue{}, err }
    if hit.Key == "" { return domain.Issue{}, errors.New("jira: issue missing key") }

    iss := domain.Issue{
        ID:      hit.ID,
        Key:     hit.Key,
        Summary: hit.Fields.Summary,
    }
    if hit.Fields.Status != nil { iss.Status = hit.Fields.Status.Name }
    if hit.Fields.Assignee != nil { iss.Assignee = hit.Fields.Assignee.DisplayName }
    for _, comp := range hit.Fields.Components { iss.Components = append(iss.Components, comp.Name) }
    for _, fv := range hit.Fields.FixVersions { iss.FixVersions = append(iss.FixVersions, fv.Name) }
    if hit.Fields.Updated != "" {
        t, err := parseTimeUTC(hit.Fields.Updated)
        if err != nil { return domain.Issue{}, err }
        iss.UpdatedAt = t
    }
    return iss, nil
}
