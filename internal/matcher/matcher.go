// Package matcher links commits to stories by scanning commit messages
// for issue keys and partitions both sides into linked stories, stories
// without commits and orphan commits.
package matcher

import (
    "regexp"
    "sort"
    "time"

    "github.com/dutchsloot84/releasecopilot/internal/domain"
    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

// storyKeyRe matches issue keys like PROJ-123. Keys are case
// sensitive: lowercase look-alikes in commit messages do not link.
var storyKeyRe = regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+`)

// ExtractKeys returns the unique issue keys found in a commit message,
// in first-seen order.
func ExtractKeys(message string) []string {
    seen := map[string]struct{}{}
    var out []string
    for _, k := range storyKeyRe.FindAllString(message, -1) {
        if _, ok := seen[k]; ok { continue }
        seen[k] = struct{}{}
        out = append(out, k)
    }
    return out
}

// Outcome is the full partition of one audit run.
type Outcome struct {
    Linked         []domain.Story
    WithoutCommits []domain.Story
    OrphanCommits  []domain.ReportCommit
    CommitsByStory map[string][]string
    // Skipped lists records excluded from matching as MatchErrors.
    Skipped []error
}

// Match partitions issues and commits. A commit is an orphan when none
// of its referenced keys belong to this run's issue set; a key in the
// message that points outside the run does not rescue it. Records
// without a usable identity are excluded and reported, not fatal.
func Match(issues []domain.Issue, commits []domain.Commit) Outcome {
    var skipped []error
    inRun := map[string]domain.Issue{}
    kept := issues[:0:0]
    for _, iss := range issues {
        if iss.Key == "" {
            skipped = append(skipped, &errs.MatchError{Kind: "issue", Detail: "missing issue key, id=" + iss.ID})
            continue
        }
        inRun[iss.Key] = iss
        kept = append(kept, iss)
    }
    issues = kept

    commitsByStory := map[string][]string{}
    var orphans []domain.ReportCommit
    for _, cm := range commits {
        if cm.ID == "" {
            skipped = append(skipped, &errs.MatchError{Kind: "commit", Detail: "missing commit id in " + cm.Repo})
            continue
        }
        keys := ExtractKeys(cm.Message)
        var linkedKeys []string
        for _, k := range keys {
            if _, ok := inRun[k]; ok { linkedKeys = append(linkedKeys, k) }
        }
        if len(linkedKeys) == 0 {
            // keys pointing outside the run do not link; report none
            orphans = append(orphans, toReportCommit(cm, nil))
            continue
        }
        for _, k := range linkedKeys {
            commitsByStory[k] = append(commitsByStory[k], cm.ID)
        }
    }

    var linked, without []domain.Story
    for _, iss := range issues {
        st := toStory(iss, commitsByStory[iss.Key])
        if len(st.CommitIDs) > 0 { linked = append(linked, st) } else { without = append(without, st) }
    }
    sort.Slice(linked, func(i, j int) bool { return linked[i].Key < linked[j].Key })
    sort.Slice(without, func(i, j int) bool { return without[i].Key < without[j].Key })
    sort.Slice(orphans, func(i, j int) bool {
        if orphans[i].Repo != orphans[j].Repo { return orphans[i].Repo < orphans[j].Repo }
        return orphans[i].ID < orphans[j].ID
    })
    return Outcome{
        Linked:         linked,
        WithoutCommits: without,
        OrphanCommits:  orphans,
        CommitsByStory: commitsByStory,
        Skipped:        skipped,
    }
}

// BuildReport assembles the report model from a match outcome.
func BuildReport(out Outcome, commits []domain.Commit, generatedAt time.Time) domain.Report {
    stories := make([]domain.Story, 0, len(out.Linked)+len(out.WithoutCommits))
    stories = append(stories, out.Linked...)
    stories = append(stories, out.WithoutCommits...)
    sort.Slice(stories, func(i, j int) bool { return stories[i].Key < stories[j].Key })

    reportCommits := make([]domain.ReportCommit, 0, len(commits))
    for _, cm := range commits {
        if cm.ID == "" { continue }
        keys := ExtractKeys(cm.Message)
        var linked []string
        for _, k := range keys {
            if ids, ok := out.CommitsByStory[k]; ok && contains(ids, cm.ID) { linked = append(linked, k) }
        }
        reportCommits = append(reportCommits, toReportCommit(cm, linked))
    }
    sort.Slice(reportCommits, func(i, j int) bool {
        if reportCommits[i].Repo != reportCommits[j].Repo { return reportCommits[i].Repo < reportCommits[j].Repo }
        return reportCommits[i].ID < reportCommits[j].ID
    })

    storyCount := len(stories)
    coverage := 0.0
    if storyCount > 0 {
        coverage = 100 * float64(len(out.Linked)) / float64(storyCount)
    }
    return domain.Report{
        Stories: stories,
        Commits: reportCommits,
        Summary: domain.Summary{
            GeneratedAt:              generatedAt.UTC(),
            StoryCount:               storyCount,
            StoryWithCommitsCount:    len(out.Linked),
            StoryWithoutCommitsCount: len(out.WithoutCommits),
            OrphanCommitCount:        len(out.OrphanCommits),
            CoveragePercent:          coverage,
        },
    }
}

func toStory(iss domain.Issue, commitIDs []string) domain.Story {
    ids := make([]string, len(commitIDs))
    copy(ids, commitIDs)
    sort.Strings(ids)
    return domain.Story{
        ID:          iss.ID,
        Key:         iss.Key,
        Summary:     iss.Summary,
        Status:      iss.Status,
        Assignee:    iss.Assignee,
        Components:  iss.Components,
        FixVersions: iss.FixVersions,
        CommitIDs:   ids,
    }
}

func toReportCommit(cm domain.Commit, linkedKeys []string) domain.ReportCommit {
    keys := make([]string, len(linkedKeys))
    copy(keys, linkedKeys)
    sort.Strings(keys)
    return domain.ReportCommit{
        ID:              cm.ID,
        Repo:            cm.Repo,
        Author:          cm.Author,
        Date:            cm.Date,
        Message:         cm.Message,
        LinkedStoryKeys: keys,
    }
}

func contains(xs []string, x string) bool {
    for _, v := range xs { if v == x { return true } }
    return false
}
