package jira

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/config"
)

func issueJSON(key, summary, updated string) string {
    return fmt.Sprintf(`{
        "id": "1000%s",
        "key": %q,
        "fields": {
            "summary": %q,
            "status": {"name": "Done"},
            "assignee": {"displayName": "Dana"},
            "components": [{"name": "api"}],
            "fixVersions": [{"name": "2025.10.0"}],
            "updated": %q
        }
    }`, key, key, summary, updated)
}

func TestFetchFixVersionPagination(t *testing.T) {
    var gotJQL string
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotJQL = r.URL.Query().Get("jql")
        startAt := r.URL.Query().Get("startAt")
        w.Header().Set("Content-Type", "application/json")
        if startAt == "0" {
            fmt.Fprintf(w, `{"startAt":0,"maxResults":2,"total":3,"issues":[%s,%s]}`,
                issueJSON("PROJ-1", "first", "2025-10-01T10:00:00.000+0000"),
                issueJSON("PROJ-2", "second", "2025-10-02T11:30:00.000+0000"))
            return
        }
        fmt.Fprintf(w, `{"startAt":2,"maxResults":2,"total":3,"issues":[%s]}`,
            issueJSON("PROJ-3", "third", "2025-10-03T09:15:00.000+0000"))
    }))
    defer srv.Close()

    cfg := config.Config{
        JiraBaseURL: srv.URL,
        JQLTemplate: "fixVersion = '%s' ORDER BY key",
        PageSize:    2,
    }
    hc := httpx.New(zerolog.Nop(), httpx.Options{Service: "jira"})
    c := NewClient(cfg, hc, zerolog.Nop())

    issues, pages, err := c.FetchFixVersion(context.Background(), "2025.10.0")
    require.NoError(t, err)

    assert.Equal(t, "fixVersion = '2025.10.0' ORDER BY key", gotJQL)
    require.Len(t, issues, 3)
    require.Len(t, pages, 2)

    first := issues[0]
    assert.Equal(t, "PROJ-1", first.Key)
    assert.Equal(t, "first", first.Summary)
    assert.Equal(t, "Done", first.Status)
    assert.Equal(t, "Dana", first.Assignee)
    assert.Equal(t, []string{"api"}, first.Components)
    assert.Equal(t, []string{"2025.10.0"}, first.FixVersions)
    assert.Equal(t, time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC), first.UpdatedAt)

    // raw pages are the exact server payloads
    var page1 SearchResult
    require.NoError(t, json.Unmarshal(pages[0], &page1))
    assert.Equal(t, 3, page1.Total)
}

func TestFetchFixVersionSkipsMalformed(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        fmt.Fprintf(w, `{"startAt":0,"maxResults":50,"total":2,"issues":[{"id":"1","fields":{}},%s]}`,
            issueJSON("PROJ-9", "ok", "2025-10-01T10:00:00.000+0000"))
    }))
    defer srv.Close()

    cfg := config.Config{JiraBaseURL: srv.URL, JQLTemplate: "fixVersion = '%s'", PageSize: 50}
    hc := httpx.New(zerolog.Nop(), httpx.Options{Service: "jira"})
    c := NewClient(cfg, hc, zerolog.Nop())

    issues, _, err := c.FetchFixVersion(context.Background(), "2025.10.0")
    require.NoError(t, err)
    require.Len(t, issues, 1)
    assert.Equal(t, "PROJ-9", issues[0].Key)
}

func TestParseTimeUTCNormalizesOffset(t *testing.T) {
    got, err := parseTimeUTC("2025-10-01T12:00:00.000+0330")
    require.NoError(t, err)
    assert.Equal(t, time.Date(2025, 10, 1, 8, 30, 0, 0, time.UTC), got)

    _, err = parseTimeUTC("yesterday")
    assert.Error(t, err)
}
