package cache

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

// Memory is an in-process Cache used by tests and the local dev mode.
type Memory struct {
    mu   sync.Mutex
    rows map[string][]domain.CacheRow // per key, newest first
    log  zerolog.Logger
    now  func() time.Time
}

func NewMemory(log zerolog.Logger) *Memory {
    return &Memory{
        rows: map[string][]domain.CacheRow{},
        log:  log,
        now:  func() time.Time { return time.Now().UTC() },
    }
}

func (m *Memory) Ingest(_ context.Context, row domain.CacheRow) (Result, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if row.ReceivedAt.IsZero() { row.ReceivedAt = m.now() }

    history := m.rows[row.Key]
    for i, existing := range history {
        if !SameMoment(existing.UpdatedAt, row.UpdatedAt) { continue }
        if existing.IdempotencyKey == row.IdempotencyKey {
            return Result{Applied: false}, nil
        }
        conflict := &errs.CacheConflictError{
            IssueKey:  row.Key,
            UpdatedAt: row.UpdatedAt,
            OldKey:    existing.IdempotencyKey,
            NewKey:    row.IdempotencyKey,
        }
        m.log.Warn().Str("issue", row.Key).Time("updated_at", row.UpdatedAt).
            Str("old_event", existing.IdempotencyKey).Str("new_event", row.IdempotencyKey).
            Msg("conflicting event for cached snapshot, last writer wins")
        history[i] = row
        m.rows[row.Key] = history
        return Result{Applied: true, Conflict: conflict}, nil
    }

    history = append(history, row)
    sort.SliceStable(history, func(i, j int) bool { return history[i].UpdatedAt.After(history[j].UpdatedAt) })
    m.rows[row.Key] = history
    return Result{Applied: true, Created: true}, nil
}

func (m *Memory) Tombstone(_ context.Context, key, idempotencyKey, eventType string) (bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    history := m.rows[key]
    if len(history) == 0 { return false, nil }
    latest := &history[0]
    if latest.Deleted { return false, nil }
    latest.Deleted = true
    latest.IdempotencyKey = idempotencyKey
    latest.LastEventType = eventType
    latest.ReceivedAt = m.now()
    return true, nil
}

func (m *Memory) Latest(_ context.Context, key string) (domain.CacheRow, bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    history := m.rows[key]
    if len(history) == 0 { return domain.CacheRow{}, false, nil }
    return history[0], true, nil
}

func (m *Memory) History(_ context.Context, key string) ([]domain.CacheRow, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]domain.CacheRow, len(m.rows[key]))
    copy(out, m.rows[key])
    return out, nil
}

func (m *Memory) ListLatest(_ context.Context, includeDeleted bool) ([]domain.CacheRow, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []domain.CacheRow
    for _, history := range m.rows {
        if len(history) == 0 { continue }
        latest := history[0]
        if latest.Deleted && !includeDeleted { continue }
        out = append(out, latest)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out, nil
}

func (m *Memory) ListByFixVersion(ctx context.Context, fixVersion string) ([]domain.CacheRow, error) {
    rows, err := m.ListLatest(ctx, false)
    if err != nil { return nil, err }
    var out []domain.CacheRow
    for _, r := range rows {
        for _, fv := range r.FixVersions {
            if fv == fixVersion {
                out = append(out, r)
                break
            }
        }
    }
    return out, nil
}

func (m *Memory) FixVersions(ctx context.Context) ([]string, error) {
    rows, err := m.ListLatest(ctx, false)
    if err != nil { return nil, err }
    seen := map[string]struct{}{}
    var out []string
    for _, r := range rows {
        for _, fv := range r.FixVersions {
            if _, ok := seen[fv]; ok { continue }
            seen[fv] = struct{}{}
            out = append(out, fv)
        }
    }
    sort.Strings(out)
    return out, nil
}
