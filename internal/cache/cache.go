// Package cache stores issue snapshots keyed by (issue key, updated
// timestamp). Writes are idempotent on the event's idempotency key,
// deletes tombstone the newest row in place, and stale snapshots are
// kept as history without regressing the latest view.
package cache

import (
    "context"
    "time"

    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

// Result reports what an ingest did.
type Result struct {
    // Applied is false when the same event was already stored.
    Applied bool
    // Created is true when the row is a new (key, updated_at) pair.
    Created bool
    // Conflict is set when a different event overwrote the same
    // (key, updated_at) row; the write still wins.
    Conflict *errs.CacheConflictError
}

type Cache interface {
    // Ingest upserts one issue snapshot.
    Ingest(ctx context.Context, row domain.CacheRow) (Result, error)
    // Tombstone marks the newest row for key as deleted. Unknown keys
    // and already-deleted rows are no-ops.
    Tombstone(ctx context.Context, key, idempotencyKey, eventType string) (bool, error)
    // Latest returns the newest row for key, deleted or not.
    Latest(ctx context.Context, key string) (domain.CacheRow, bool, error)
    // History returns all rows for key, newest first.
    History(ctx context.Context, key string) ([]domain.CacheRow, error)
    // ListLatest returns the newest row per key ordered by key,
    // excluding tombstoned rows unless includeDeleted is set.
    ListLatest(ctx context.Context, includeDeleted bool) ([]domain.CacheRow, error)
    // ListByFixVersion returns live latest rows carrying fixVersion.
    ListByFixVersion(ctx context.Context, fixVersion string) ([]domain.CacheRow, error)
    // FixVersions returns every fix version present on live rows.
    FixVersions(ctx context.Context) ([]string, error)
}

// SameMoment reports whether two snapshot timestamps identify the same
// row. Timestamps are compared at second precision since upstream
// payloads do not carry finer resolution consistently.
func SameMoment(a, b time.Time) bool { return a.Truncate(time.Second).Equal(b.Truncate(time.Second)) }
