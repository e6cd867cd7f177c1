package services

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/dutchsloot84/releasecopilot/internal/cache"
    "github.com/dutchsloot84/releasecopilot/internal/config"
)

func webhookService(t *testing.T) (*Service, *cache.Memory) {
    t.Helper()
    mem := cache.NewMemory(zerolog.Nop())
    svc := New(config.Config{}, zerolog.Nop(), mem, nil, nil, nil, nil, nil, nil, nil)
    return svc, mem
}

func updatedPayload(deliveryID, key, updated string) []byte {
    return []byte(fmt.Sprintf(`{
        "webhookEvent": "jira:issue_updated",
        "deliveryId": %q,
        "issue": {
            "id": "10001",
            "key": %q,
            "fields": {
                "summary": "widget",
                "status": {"name": "In Review"},
                "fixVersions": [{"name": "2025.10.0"}],
                "updated": %q
            }
        }
    }`, deliveryID, key, updated))
}

func TestIngestWebhookAppliesAndReplays(t *testing.T) {
    svc, mem := webhookService(t)
    ctx := context.Background()
    body := updatedPayload("d-1", "PROJ-1", "2025-10-01T10:00:00.000+0000")

    out, err := svc.IngestWebhook(ctx, body)
    require.NoError(t, err)
    assert.True(t, out.Applied)
    assert.Equal(t, "PROJ-1", out.IssueKey)

    // exact replay acks without effect
    out, err = svc.IngestWebhook(ctx, body)
    require.NoError(t, err)
    assert.False(t, out.Applied)

    latest, ok, err := mem.Latest(ctx, "PROJ-1")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "In Review", latest.Status)
    assert.Equal(t, "d-1", latest.IdempotencyKey)
}

func TestIngestWebhookConflictingDelivery(t *testing.T) {
    svc, _ := webhookService(t)
    ctx := context.Background()

    _, err := svc.IngestWebhook(ctx, updatedPayload("d-1", "PROJ-1", "2025-10-01T10:00:00.000+0000"))
    require.NoError(t, err)

    out, err := svc.IngestWebhook(ctx, updatedPayload("d-2", "PROJ-1", "2025-10-01T10:00:00.000+0000"))
    require.NoError(t, err)
    assert.True(t, out.Applied)
    assert.True(t, out.Conflict)
}

func TestIngestWebhookDelete(t *testing.T) {
    svc, mem := webhookService(t)
    ctx := context.Background()
    _, err := svc.IngestWebhook(ctx, updatedPayload("d-1", "PROJ-1", "2025-10-01T10:00:00.000+0000"))
    require.NoError(t, err)

    del := []byte(`{"webhookEvent":"jira:issue_deleted","deliveryId":"d-2","issue":{"key":"PROJ-1"}}`)
    out, err := svc.IngestWebhook(ctx, del)
    require.NoError(t, err)
    assert.True(t, out.Tombstoned)

    // delete replay is a no-op
    out, err = svc.IngestWebhook(ctx, del)
    require.NoError(t, err)
    assert.False(t, out.Tombstoned)

    latest, ok, err := mem.Latest(ctx, "PROJ-1")
    require.NoError(t, err)
    require.True(t, ok)
    assert.True(t, latest.Deleted)
}

func TestIngestWebhookDeleteUnknownKeyStoresTombstone(t *testing.T) {
    svc, mem := webhookService(t)
    ctx := context.Background()

    del := []byte(`{"webhookEvent":"jira:issue_deleted","deliveryId":"d-9","timestamp":1759312800000,"issue":{"key":"PROJ-9"}}`)
    out, err := svc.IngestWebhook(ctx, del)
    require.NoError(t, err)
    assert.True(t, out.Tombstoned)

    latest, ok, err := mem.Latest(ctx, "PROJ-9")
    require.NoError(t, err)
    require.True(t, ok)
    assert.True(t, latest.Deleted)
    assert.Equal(t, "d-9", latest.IdempotencyKey)

    // replay acks without a second write
    out, err = svc.IngestWebhook(ctx, del)
    require.NoError(t, err)
    assert.False(t, out.Tombstoned)
    history, err := mem.History(ctx, "PROJ-9")
    require.NoError(t, err)
    assert.Len(t, history, 1)
}

func TestIngestWebhookIgnoresOtherEvents(t *testing.T) {
    svc, _ := webhookService(t)
    _, err := svc.IngestWebhook(context.Background(),
        []byte(`{"webhookEvent":"comment_created","issue":{"key":"PROJ-1"}}`))
    assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestIngestWebhookRejectsMalformed(t *testing.T) {
    svc, _ := webhookService(t)
    _, err := svc.IngestWebhook(context.Background(), []byte(`{not json`))
    require.Error(t, err)

    _, err = svc.IngestWebhook(context.Background(), []byte(`{"webhookEvent":"jira:issue_updated"}`))
    require.Error(t, err)
}

func TestIdempotencyKeyDerivation(t *testing.T) {
    p := &webhookPayload{WebhookEvent: "jira:issue_updated"}
    ts := mustTime(t, "2025-10-01T10:00:00.000+0000")

    p.DeliveryID = "d-1"
    assert.Equal(t, "d-1", p.idempotencyKey("PROJ-1", ts))

    p.DeliveryID = ""
    p.EventID2 = "e-9"
    assert.Equal(t, "e-9", p.idempotencyKey("PROJ-1", ts))

    p.EventID2 = ""
    p.Changelog = &struct {
        ID string `json:"id"`
    }{ID: "cl-7"}
    assert.Equal(t, "cl-7", p.idempotencyKey("PROJ-1", ts))

    p.Changelog = nil
    p.Timestamp = 1759312800000
    assert.Equal(t, "PROJ-1:1759312800000", p.idempotencyKey("PROJ-1", ts))

    p.Timestamp = 0
    assert.Equal(t, "PROJ-1:2025-10-01T10:00:00Z:jira:issue_updated", p.idempotencyKey("PROJ-1", ts))
}

func mustTime(t *testing.T, s string) time.Time {
    t.Helper()
    parsed, err := parseJiraTime(s)
    require.NoError(t, err)
    return parsed
}
