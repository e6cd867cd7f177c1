package domain

import "time"

// Issue is the normalized tracker work item as fetched from Jira or
// replayed from the cache. UpdatedAt is non-decreasing per Key at the
// source; the pair (Key, UpdatedAt) identifies one version.
type Issue struct {
    ID          string
    Key         string
    Summary     string
    Status      string
    Assignee    string
    Components  []string
    FixVersions []string
    UpdatedAt   time.Time
    Deleted     bool
}

// PrimaryFixVersion returns the first fix version or "UNASSIGNED".
func (i Issue) PrimaryFixVersion() string {
    if len(i.FixVersions) > 0 { return i.FixVersions[0] }
    return "UNASSIGNED"
}

// Commit is an immutable VCS revision record.
type Commit struct {
    ID      string
    Repo    string
    Branch  string
    Author  string
    Date    time.Time
    Message string
}

// CacheRow is one persisted issue version plus its delivery bookkeeping.
type CacheRow struct {
    Issue
    IdempotencyKey string
    ReceivedAt     time.Time
    LastEventType  string
}

// Story is an issue in the report, annotated with the commits that
// reference its key.
type Story struct {
    ID          string   `json:"id"`
    Key         string   `json:"key"`
    Summary     string   `json:"summary"`
    Status      string   `json:"status"`
    Assignee    string   `json:"assignee"`
    Components  []string `json:"components"`
    FixVersions []string `json:"fixVersions"`
    CommitIDs   []string `json:"commitIds"`
}

// ReportCommit is a commit in the report, annotated with the issue keys
// extracted from its message that matched the audited issue set.
type ReportCommit struct {
    ID              string    `json:"id"`
    Repo            string    `json:"repo"`
    Author          string    `json:"author"`
    Date            time.Time `json:"date"`
    Message         string    `json:"message"`
    LinkedStoryKeys []string  `json:"linkedStoryKeys"`
}

// Summary carries the derived counters; every field is computed from the
// partitions, never independently, so the arithmetic identities hold.
type Summary struct {
    GeneratedAt              time.Time `json:"generatedAt"`
    StoryCount               int       `json:"storyCount"`
    StoryWithCommitsCount    int       `json:"storyWithCommitsCount"`
    StoryWithoutCommitsCount int       `json:"storyWithoutCommitsCount"`
    OrphanCommitCount        int       `json:"orphanCommitCount"`
    CoveragePercent          float64   `json:"coveragePercent"`
}

// Report is the immutable audit output consumed by exporters.
type Report struct {
    Stories     []Story        `json:"stories"`
    Commits     []ReportCommit `json:"commits"`
    Summary     Summary        `json:"summary"`
    Diagnostics []string       `json:"diagnostics,omitempty"`
}
