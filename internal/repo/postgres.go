// Package repo is the Postgres persistence layer: the durable issue
// cache, raw job-run bookkeeping and the advisory locks that keep
// scheduled reconciliation single-flight.
package repo

import (
    "context"
    "errors"
    "time"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

// Schema is applied at startup; versioned rows live in issue_versions
// with (issue_key, updated_at) as identity.
const Schema = `
CREATE TABLE IF NOT EXISTS issue_versions (
    issue_key        text        NOT NULL,
    updated_at       timestamptz NOT NULL,
    issue_id         text        NOT NULL DEFAULT '',
    summary          text        NOT NULL DEFAULT '',
    status           text        NOT NULL DEFAULT '',
    assignee         text        NOT NULL DEFAULT '',
    components       text[]      NOT NULL DEFAULT '{}',
    fix_versions     text[]      NOT NULL DEFAULT '{}',
    deleted          boolean     NOT NULL DEFAULT false,
    idempotency_key  text        NOT NULL,
    last_event_type  text        NOT NULL DEFAULT '',
    received_at      timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (issue_key, updated_at)
);
CREATE INDEX IF NOT EXISTS issue_versions_fv_idx ON issue_versions USING gin (fix_versions);

CREATE TABLE IF NOT EXISTS job_runs (
    id          bigserial PRIMARY KEY,
    kind        text        NOT NULL,
    started_at  timestamptz NOT NULL DEFAULT now(),
    finished_at timestamptz,
    ok          boolean,
    detail      text        NOT NULL DEFAULT ''
);
`

func (d *DB) Migrate(ctx context.Context) error {
    _, err := d.Pool.Exec(ctx, Schema)
    return err
}

// Repository implements cache.Cache on Postgres.
type Repository struct {
    db  *DB
    log zerolog.Logger
}

var _ cache.Cache = (*Repository)(nil)

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

const rowColumns = `issue_key, updated_at, issue_id, summary, status, assignee,
    components, fix_versions, deleted, idempotency_key, last_event_type, received_at`

func scanRow(row pgx.Row) (domain.CacheRow, error) {
    var out domain.CacheRow
    err := row.Scan(&out.Key, &out.UpdatedAt, &out.ID, &out.Summary, &out.Status, &out.Assignee,
        &out.Components, &out.FixVersions, &out.Deleted, &out.IdempotencyKey, &out.LastEventType, &out.ReceivedAt)
    return out, err
}

// Ingest upserts one snapshot inside a transaction holding a per-key
// advisory xact lock so concurrent webhook deliveries for the same
// issue serialize.
func (r *Repository) Ingest(ctx context.Context, row domain.CacheRow) (cache.Result, error) {
    if row.ReceivedAt.IsZero() { row.ReceivedAt = time.Now().UTC() }
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return cache.Result{}, err }
    defer tx.Rollback(ctx)

    if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", row.Key); err != nil {
        return cache.Result{}, err
    }

    existing, err := scanRow(tx.QueryRow(ctx,
        "SELECT "+rowColumns+" FROM issue_versions WHERE issue_key=$1 AND updated_at=$2",
        row.Key, row.UpdatedAt))
    switch {
    case err == nil:
        if existing.IdempotencyKey == row.IdempotencyKey {
            return cache.Result{Applied: false}, nil
        }
        res := cache.Result{Applied: true, Conflict: &errs.CacheConflictError{
            IssueKey:  row.Key,
            UpdatedAt: row.UpdatedAt,
            OldKey:    existing.IdempotencyKey,
            NewKey:    row.IdempotencyKey,
        }}
        r.log.Warn().Str("issue", row.Key).Time("updated_at", row.UpdatedAt).
            Str("old_event", existing.IdempotencyKey).Str("new_event", row.IdempotencyKey).
            Msg("conflicting event for cached snapshot, last writer wins")
        if err := r.write(ctx, tx, row); err != nil { return cache.Result{}, err }
        return res, tx.Commit(ctx)
    case errors.Is(err, pgx.ErrNoRows):
        if err := r.write(ctx, tx, row); err != nil { return cache.Result{}, err }
        return cache.Result{Applied: true, Created: true}, tx.Commit(ctx)
    default:
        return cache.Result{}, err
    }
}

func (r *Repository) write(ctx context.Context, tx pgx.Tx, row domain.CacheRow) error {
    const q = `
        INSERT INTO issue_versions(issue_key, updated_at, issue_id, summary, status, assignee,
            components, fix_versions, deleted, idempotency_key, last_event_type, received_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (issue_key, updated_at) DO UPDATE SET
            issue_id=EXCLUDED.issue_id,
            summary=EXCLUDED.summary,
            status=EXCLUDED.status,
            assignee=EXCLUDED.assignee,
            components=EXCLUDED.components,
            fix_versions=EXCLUDED.fix_versions,
            deleted=EXCLUDED.deleted,
            idempotency_key=EXCLUDED.idempotency_key,
            last_event_type=EXCLUDED.last_event_type,
            received_at=EXCLUDED.received_at`
    _, err := tx.Exec(ctx, q, row.Key, row.UpdatedAt, row.ID, row.Summary, row.Status, row.Assignee,
        row.Components, row.FixVersions, row.Deleted, row.IdempotencyKey, row.LastEventType, row.ReceivedAt)
    return err
}

func (r *Repository) Tombstone(ctx context.Context, key, idempotencyKey, eventType string) (bool, error) {
    const q = `
        UPDATE issue_versions SET deleted=true, idempotency_key=$2, last_event_type=$3, received_at=now()
        WHERE issue_key=$1 AND NOT deleted AND updated_at = (
            SELECT max(updated_at) FROM issue_versions WHERE issue_key=$1
        )`
    tag, err := r.db.Pool.Exec(ctx, q, key, idempotencyKey, eventType)
    if err != nil { return false, err }
    return tag.RowsAffected() > 0, nil
}

func (r *Repository) Latest(ctx context.Context, key string) (domain.CacheRow, bool, error) {
    row, err := scanRow(r.db.Pool.QueryRow(ctx,
        "SELECT "+rowColumns+" FROM issue_versions WHERE issue_key=$1 ORDER BY updated_at DESC LIMIT 1", key))
    if errors.Is(err, pgx.ErrNoRows) { return domain.CacheRow{}, false, nil }
    if err != nil { return domain.CacheRow{}, false, err }
    return row, true, nil
}

func (r *Repository) History(ctx context.Context, key string) ([]domain.CacheRow, error) {
    rows, err := r.db.Pool.Query(ctx,
        "SELECT "+rowColumns+" FROM issue_versions WHERE issue_key=$1 ORDER BY updated_at DESC", key)
    if err != nil { return nil, err }
    defer rows.Close()
    return collect(rows)
}

func (r *Repository) ListLatest(ctx context.Context, includeDeleted bool) ([]domain.CacheRow, error) {
    q := `
        SELECT DISTINCT ON (issue_key) ` + rowColumns + `
        FROM issue_versions
        ORDER BY issue_key, updated_at DESC`
    if !includeDeleted {
        q = `SELECT * FROM (` + q + `) latest WHERE NOT deleted`
    }
    rows, err := r.db.Pool.Query(ctx, q)
    if err != nil { return nil, err }
    defer rows.Close()
    return collect(rows)
}

func (r *Repository) ListByFixVersion(ctx context.Context, fixVersion string) ([]domain.CacheRow, error) {
    const q = `
        SELECT * FROM (
            SELECT DISTINCT ON (issue_key) ` + rowColumns + `
            FROM issue_versions
            ORDER BY issue_key, updated_at DESC
        ) latest WHERE NOT deleted AND $1 = ANY(fix_versions)
        ORDER BY issue_key`
    rows, err := r.db.Pool.Query(ctx, q, fixVersion)
    if err != nil { return nil, err }
    defer rows.Close()
    return collect(rows)
}

func (r *Repository) FixVersions(ctx context.Context) ([]string, error) {
    const q = `
        SELECT DISTINCT unnest(fix_versions) AS fv FROM (
            SELECT DISTINCT ON (issue_key) fix_versions, deleted
            FROM issue_versions
            ORDER BY issue_key, updated_at DESC
        ) latest WHERE NOT deleted
        ORDER BY fv`
    rows, err := r.db.Pool.Query(ctx, q)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []string
    for rows.Next() {
        var fv string
        if err := rows.Scan(&fv); err != nil { return nil, err }
        out = append(out, fv)
    }
    return out, rows.Err()
}

func collect(rows pgx.Rows) ([]domain.CacheRow, error) {
    var out []domain.CacheRow
    for rows.Next() {
        r, err := scanRow(rows)
        if err != nil { return nil, err }
        out = append(out, r)
    }
    return out, rows.Err()
}

// StartJobRun and FinishJobRun bracket scheduled work for the
// /admin/last-run view.
func (r *Repository) StartJobRun(ctx context.Context, kind string) (int64, error) {
    var id int64
    err := r.db.Pool.QueryRow(ctx,
        "INSERT INTO job_runs(kind) VALUES($1) RETURNING id", kind).Scan(&id)
    return id, err
}

func (r *Repository) FinishJobRun(ctx context.Context, id int64, ok bool, detail string) error {
    _, err := r.db.Pool.Exec(ctx,
        "UPDATE job_runs SET finished_at=now(), ok=$2, detail=$3 WHERE id=$1", id, ok, detail)
    return err
}

// LastJobRun returns the most recent run of kind, if any.
type JobRun struct {
    ID         int64      `json:"id"`
    Kind       string     `json:"kind"`
    StartedAt  time.Time  `json:"startedAt"`
    FinishedAt *time.Time `json:"finishedAt,omitempty"`
    OK         *bool      `json:"ok,omitempty"`
    Detail     string     `json:"detail,omitempty"`
}

func (r *Repository) LastJobRun(ctx context.Context, kind string) (*JobRun, error) {
    var jr JobRun
    err := r.db.Pool.QueryRow(ctx,
        "SELECT id, kind, started_at, finished_at, ok, detail FROM job_runs WHERE kind=$1 ORDER BY started_at DESC LIMIT 1",
        kind).Scan(&jr.ID, &jr.Kind, &jr.StartedAt, &jr.FinishedAt, &jr.OK, &jr.Detail)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &jr, nil
}
