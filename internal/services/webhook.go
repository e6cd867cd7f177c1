package services

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/dutchsloot84/releasecopilot/internal/domain"
)

// ErrIgnoredEvent marks webhook deliveries outside the handled set.
var ErrIgnoredEvent = errors.New("ignored webhook event")

var allowedEvents = map[string]struct{}{
    "jira:issue_created": {},
    "jira:issue_updated": {},
    "jira:issue_deleted": {},
}

type webhookPayload struct {
    WebhookEvent string `json:"webhookEvent"`
    Timestamp    int64  `json:"timestamp"`
    DeliveryID   string `json:"deliveryId"`
    DeliveryID2  string `json:"delivery_id"`
    EventID      string `json:"eventId"`
    EventID2     string `json:"event_id"`
    Changelog    *struct {
        ID string `json:"id"`
    } `json:"changelog"`
    Issue *struct {
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
    } `json:"issue"`
}

// idempotencyKey derives a stable per-delivery key, preferring explicit
// delivery identifiers, then the changelog id, then timestamps.
func (p *webhookPayload) idempotencyKey(key string, updated time.Time) string {
    for _, v := range []string{p.DeliveryID, p.DeliveryID2, p.EventID, p.EventID2} {
        if v != "" { return v }
    }
    if p.Changelog != nil && p.Changelog.ID != "" { return p.Changelog.ID }
    if p.Timestamp > 0 { return fmt.Sprintf("%s:%d", key, p.Timestamp) }
    return fmt.Sprintf("%s:%s:%s", key, updated.UTC().Format(time.RFC3339), p.WebhookEvent)
}

func (p *webhookPayload) cacheRow(updated time.Time, idem string, now time.Time) domain.CacheRow {
    iss := domain.Issue{
        ID:        p.Issue.ID,
        Key:       p.Issue.Key,
        Summary:   p.Issue.Fields.Summary,
        UpdatedAt: updated,
    }
    if p.Issue.Fields.Status != nil { iss.Status = p.Issue.Fields.Status.Name }
    if p.Issue.Fields.Assignee != nil { iss.Assignee = p.Issue.Fields.Assignee.DisplayName }
    for _, c := range p.Issue.Fields.Components { iss.Components = append(iss.Components, c.Name) }
    for _, fv := range p.Issue.Fields.FixVersions { iss.FixVersions = append(iss.FixVersions, fv.Name) }
    return domain.CacheRow{
        Issue:          iss,
        IdempotencyKey: idem,
        ReceivedAt:     now,
        LastEventType:  p.WebhookEvent,
    }
}

// WebhookOutcome reports what a delivery did to the cache.
type WebhookOutcome struct {
    Event      string `json:"event"`
    IssueKey   string `json:"issueKey"`
    Applied    bool   `json:"applied"`
    Tombstoned bool   `json:"tombstoned"`
    Conflict   bool   `json:"conflict"`
}

// IngestWebhook applies one Jira webhook delivery to the cache.
// Replayed deliveries are acknowledged without effect.
func (s *Service) IngestWebhook(ctx context.Context, body []byte) (WebhookOutcome, error) {
    var p webhookPayload
    if err := json.Unmarshal(body, &p); err != nil {
        return WebhookOutcome{}, fmt.Errorf("malformed webhook payload: %w", err)
    }
    if _, ok := allowedEvents[p.WebhookEvent]; !ok {
        return WebhookOutcome{Event: p.WebhookEvent}, ErrIgnoredEvent
    }
    if p.Issue == nil || p.Issue.Key == "" {
        return WebhookOutcome{Event: p.WebhookEvent}, errors.New("webhook payload missing issue key")
    }

    out := WebhookOutcome{Event: p.WebhookEvent, IssueKey: p.Issue.Key}
    updated := s.now()
    if p.Issue.Fields.Updated != "" {
        if t, err := parseJiraTime(p.Issue.Fields.Updated); err == nil { updated = t }
    } else if p.Timestamp > 0 {
        updated = time.UnixMilli(p.Timestamp).UTC()
    }
    idem := p.idempotencyKey(p.Issue.Key, updated)

    if p.WebhookEvent == "jira:issue_deleted" {
        changed, err := s.cache.Tombstone(ctx, p.Issue.Key, idem, p.WebhookEvent)
        if err != nil { return out, err }
        if !changed {
            _, found, err := s.cache.Latest(ctx, p.Issue.Key)
            if err != nil { return out, err }
            if !found {
                // never-seen issue: store the delete as a tombstone row
                // so a later reconciliation cannot resurrect stale data
                row := p.cacheRow(updated, idem, s.now())
                row.Deleted = true
                res, err := s.cache.Ingest(ctx, row)
                if err != nil { return out, err }
                changed = res.Applied
            }
        }
        out.Tombstoned = changed
        out.Applied = changed
        return out, nil
    }

    res, err := s.cache.Ingest(ctx, p.cacheRow(updated, idem, s.now()))
    if err != nil { return out, err }
    out.Applied = res.Applied
    out.Conflict = res.Conflict != nil
    return out, nil
}

var jiraTimeLayouts = []string{
    "2006-01-02T15:04:05.000-0700",
    time.RFC3339,
    "2006-01-02T15:04:05-0700",
}

func parseJiraTime(s string) (time.Time, error) {
    for _, layout := range jiraTimeLayouts {
        if t, err := time.Parse(layout, s); err == nil { return t.UTC(), nil }
    }
    return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
