// Package reconcile drift-corrects the issue cache against Jira: a full
// refetch per fix version upserts current snapshots and tombstones keys
// that vanished upstream, so missed webhook deliveries converge.
package reconcile

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

const missingEventType = "reconciliation_missing"

// Fetcher is the slice of the Jira adapter reconciliation needs.
type Fetcher interface {
    FetchFixVersion(ctx context.Context, fixVersion string) ([]domain.Issue, []json.RawMessage, error)
}

// Stats counts what one fix version's pass did to the cache.
type Stats struct {
    FixVersion string `json:"fixVersion"`
    Created    int    `json:"created"`
    Updated    int    `json:"updated"`
    Unchanged  int    `json:"unchanged"`
    Deleted    int    `json:"deleted"`
}

type Engine struct {
    fetcher Fetcher
    cache   cache.Cache
    log     zerolog.Logger
    now     func() time.Time
}

func New(fetcher Fetcher, c cache.Cache, log zerolog.Logger) *Engine {
    return &Engine{fetcher: fetcher, cache: c, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Run reconciles every fix version. When none are configured the set is
// discovered from the cache itself. Per-version failures are collected;
// one bad version does not stop the rest.
func (e *Engine) Run(ctx context.Context, fixVersions []string) ([]Stats, error) {
    if len(fixVersions) == 0 {
        var err error
        fixVersions, err = e.cache.FixVersions(ctx)
        if err != nil { return nil, &errs.ReconciliationError{Stage: "discover", Err: err} }
        if len(fixVersions) == 0 {
            e.log.Info().Msg("reconciliation found no fix versions to check")
            return nil, nil
        }
    }
    runID := uuid.NewString()
    var all []Stats
    var firstErr error
    for _, fv := range fixVersions {
        st, err := e.runOne(ctx, runID, fv)
        if err != nil {
            e.log.Error().Err(err).Str("fix_version", fv).Msg("reconciliation failed for fix version")
            if firstErr == nil { firstErr = err }
            continue
        }
        all = append(all, st)
    }
    return all, firstErr
}

func (e *Engine) runOne(ctx context.Context, runID, fixVersion string) (Stats, error) {
    st := Stats{FixVersion: fixVersion}

    issues, _, err := e.fetcher.FetchFixVersion(ctx, fixVersion)
    if err != nil {
        return st, &errs.ReconciliationError{FixVersion: fixVersion, Stage: "fetch", Err: err}
    }

    seen := map[string]struct{}{}
    for _, iss := range issues {
        seen[iss.Key] = struct{}{}
        prev, had, err := e.cache.Latest(ctx, iss.Key)
        if err != nil {
            return st, &errs.ReconciliationError{FixVersion: fixVersion, Stage: "lookup", Err: err}
        }
        if had && !prev.Deleted && cache.SameMoment(prev.UpdatedAt, iss.UpdatedAt) {
            st.Unchanged++
            continue
        }
        res, err := e.cache.Ingest(ctx, domain.CacheRow{
            Issue:          iss,
            IdempotencyKey: fmt.Sprintf("recon:%s:%s:%d", runID, iss.Key, iss.UpdatedAt.Unix()),
            ReceivedAt:     e.now(),
            LastEventType:  "reconciliation",
        })
        if err != nil {
            return st, &errs.ReconciliationError{FixVersion: fixVersion, Stage: "ingest", Err: err}
        }
        if !res.Applied {
            st.Unchanged++
        } else if had && !prev.Deleted {
            st.Updated++
        } else {
            st.Created++
        }
    }

    cached, err := e.cache.ListByFixVersion(ctx, fixVersion)
    if err != nil {
        return st, &errs.ReconciliationError{FixVersion: fixVersion, Stage: "list", Err: err}
    }
    for _, row := range cached {
        if _, ok := seen[row.Key]; ok { continue }
        changed, err := e.cache.Tombstone(ctx, row.Key,
            fmt.Sprintf("recon:%s:%s:missing", runID, row.Key), missingEventType)
        if err != nil {
            return st, &errs.ReconciliationError{FixVersion: fixVersion, Stage: "tombstone", Err: err}
        }
        if changed { st.Deleted++ }
    }

    e.log.Info().Str("fix_version", fixVersion).
        Int("created", st.Created).Int("updated", st.Updated).
        Int("unchanged", st.Unchanged).Int("deleted", st.Deleted).
        Msg("reconciliation pass complete")
    return st, nil
}
