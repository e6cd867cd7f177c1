package bitbucket

import (
    "context"
    "fmt"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/dutchsloot84/releasecopilot/internal/adapters/httpx"
    "github.com/dutchsloot84/releasecopilot/internal/config"
)

func commitJSON(hash, date, msg string) string {
    return fmt.Sprintf(`{"hash":%q,"date":%q,"message":%q,"author":{"raw":"Sam <sam@example.com>"}}`, hash, date, msg)
}

func newTestClient(t *testing.T, srvURL string, repos int) *Client {
    t.Helper()
    cfg := config.Config{
        BitbucketBaseURL:   srvURL,
        BitbucketWorkspace: "acme",
        PageSize:           2,
        MaxConcurrency:     repos,
    }
    hc := httpx.New(zerolog.Nop(), httpx.Options{Service: "bitbucket"})
    return NewClient(cfg, hc, zerolog.Nop())
}

func TestFetchBranchFollowsNextCursor(t *testing.T) {
    var srv *httptest.Server
    srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        require.True(t, strings.HasPrefix(r.URL.Path, "/repositories/acme/core/commits/main"))
        w.Header().Set("Content-Type", "application/json")
        if r.URL.Query().Get("page") == "2" {
            fmt.Fprintf(w, `{"values":[%s]}`, commitJSON("c3", "2025-10-01T08:00:00+00:00", "PROJ-3 fix"))
            return
        }
        fmt.Fprintf(w, `{"values":[%s,%s],"next":"%s/repositories/acme/core/commits/main?page=2"}`,
            commitJSON("c1", "2025-10-03T08:00:00+00:00", "PROJ-1 feat"),
            commitJSON("c2", "2025-10-02T08:00:00+00:00", "chore"),
            srv.URL)
    }))
    defer srv.Close()

    c := newTestClient(t, srv.URL, 1)
    commits, pages, err := c.FetchCommits(context.Background(), []string{"core"}, []string{"main"}, Window{})
    require.NoError(t, err)
    require.Len(t, commits, 3)
    require.Len(t, pages, 2)

    assert.Equal(t, "c3", commits[0].ID) // sorted oldest first within repo
    assert.Equal(t, "core", commits[0].Repo)
    assert.Equal(t, "main", commits[0].Branch)
    assert.Equal(t, "Sam <sam@example.com>", commits[0].Author)
}

func TestFetchBranchStopsBelowWindow(t *testing.T) {
    var pageTwoHit bool
    var srv *httptest.Server
    srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Query().Get("page") == "2" {
            pageTwoHit = true
            fmt.Fprint(w, `{"values":[]}`)
            return
        }
        fmt.Fprintf(w, `{"values":[%s,%s],"next":"%s/repositories/acme/core/commits/main?page=2"}`,
            commitJSON("new", "2025-10-03T08:00:00+00:00", "in window"),
            commitJSON("old", "2025-09-01T08:00:00+00:00", "too old"),
            srv.URL)
    }))
    defer srv.Close()

    c := newTestClient(t, srv.URL, 1)
    win := Window{Since: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)}
    commits, _, err := c.FetchCommits(context.Background(), []string{"core"}, []string{"main"}, win)
    require.NoError(t, err)
    require.Len(t, commits, 1)
    assert.Equal(t, "new", commits[0].ID)
    assert.False(t, pageTwoHit, "pagination should stop once commits fall before the window")
}

func TestUndatedCommitDoesNotTruncateScan(t *testing.T) {
    var pageTwoHit bool
    var srv *httptest.Server
    srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Query().Get("page") == "2" {
            pageTwoHit = true
            fmt.Fprintf(w, `{"values":[%s]}`, commitJSON("late", "2025-10-02T08:00:00+00:00", "still in window"))
            return
        }
        fmt.Fprintf(w, `{"values":[%s,{"hash":"nodate","message":"no date field"}],"next":"%s/repositories/acme/core/commits/main?page=2"}`,
            commitJSON("first", "2025-10-03T08:00:00+00:00", "in window"),
            srv.URL)
    }))
    defer srv.Close()

    c := newTestClient(t, srv.URL, 1)
    win := Window{Since: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)}
    commits, _, err := c.FetchCommits(context.Background(), []string{"core"}, []string{"main"}, win)
    require.NoError(t, err)
    assert.True(t, pageTwoHit, "an undated commit must be skipped, not end the scan")
    require.Len(t, commits, 2)
    assert.Equal(t, "late", commits[0].ID)
    assert.Equal(t, "first", commits[1].ID)
}

func TestFetchCommitsPartialFailure(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if strings.Contains(r.URL.Path, "/broken/") {
            w.WriteHeader(http.StatusNotFound)
            return
        }
        fmt.Fprintf(w, `{"values":[%s]}`, commitJSON("ok1", "2025-10-03T08:00:00+00:00", "PROJ-1 ok"))
    }))
    defer srv.Close()

    c := newTestClient(t, srv.URL, 2)
    commits, _, err := c.FetchCommits(context.Background(), []string{"core", "broken"}, []string{"main"}, Window{})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "broken@main")
    require.Len(t, commits, 1)
    assert.Equal(t, "ok1", commits[0].ID)
}

func TestWindowBounds(t *testing.T) {
    since := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
    until := time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC)
    w := Window{Since: since, Until: until}
    assert.True(t, w.contains(since))
    assert.False(t, w.contains(until))
    assert.True(t, w.contains(since.Add(24*time.Hour)))
    assert.False(t, w.contains(since.Add(-time.Second)))
}
