package errs

import (
    "fmt"
    "time"
)

// FetchError is a non-retryable source API failure (4xx other than 429,
// malformed payload). It aborts the current fetch stage only.
type FetchError struct {
    Service string
    Method  string
    URL     string
    Status  int
    Snippet string
}

func (e *FetchError) Error() string {
    return fmt.Sprintf("%s: %s %s failed status=%d body=%s", e.Service, e.Method, e.URL, e.Status, e.Snippet)
}

// TransientFetchError is surfaced after the retry budget is exhausted.
// It carries the last response context for logging.
type TransientFetchError struct {
    Service  string
    Method   string
    URL      string
    Status   int
    Attempts int
    Snippet  string
    Err      error
}

func (e *TransientFetchError) Error() string {
    if e.Status == 0 && e.Err != nil {
        return fmt.Sprintf("%s: %s %s still failing after %d attempts: %v", e.Service, e.Method, e.URL, e.Attempts, e.Err)
    }
    return fmt.Sprintf("%s: %s %s still failing after %d attempts status=%d", e.Service, e.Method, e.URL, e.Attempts, e.Status)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// CacheConflictError marks a write collision: same (issue_key, updated_at)
// with a differing idempotency key. Resolved last-writer-wins, never fatal.
type CacheConflictError struct {
    IssueKey  string
    UpdatedAt time.Time
    OldKey    string
    NewKey    string
}

func (e *CacheConflictError) Error() string {
    return fmt.Sprintf("cache conflict on %s@%s: idempotency %q replaced by %q",
        e.IssueKey, e.UpdatedAt.Format(time.RFC3339), e.OldKey, e.NewKey)
}

// ReconciliationError aborts a reconciliation pass; per-key operations
// already applied remain valid.
type ReconciliationError struct {
    FixVersion string
    Stage      string
    Err        error
}

func (e *ReconciliationError) Error() string {
    return fmt.Sprintf("reconciliation %s failed for fix version %q: %v", e.Stage, e.FixVersion, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// MatchError records an input excluded from matching; it is collected in
// the report diagnostics rather than raised.
type MatchError struct {
    Kind   string // "issue" or "commit"
    Detail string
}

func (e *MatchError) Error() string { return fmt.Sprintf("unmatchable %s: %s", e.Kind, e.Detail) }
