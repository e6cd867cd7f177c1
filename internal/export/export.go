// Package export writes the audit report artifacts: the full
// audit_results.json and the small summary.json used by dashboards.
package export

import (
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"

    "github.com/rs/zerolog"

    "github.com/dutchsloot84/releasecopilot/internal/domain"
)

const (
    resultsFile = "audit_results.json"
    summaryFile = "summary.json"
)

type Writer struct {
    dir string
    log zerolog.Logger
}

func NewWriter(dir string, log zerolog.Logger) *Writer { return &Writer{dir: dir, log: log} }

// Write persists the report and its summary, returning the paths
// written. Files are written via a temp file and rename so a crashed
// run never leaves a truncated report behind.
func (w *Writer) Write(rep domain.Report) (string, string, error) {
    if err := os.MkdirAll(w.dir, 0o755); err != nil { return "", "", err }

    resultsPath := filepath.Join(w.dir, resultsFile)
    if err := writeJSON(resultsPath, rep); err != nil {
        return "", "", fmt.Errorf("export: write report: %w", err)
    }
    summaryPath := filepath.Join(w.dir, summaryFile)
    if err := writeJSON(summaryPath, rep.Summary); err != nil {
        return "", "", fmt.Errorf("export: write summary: %w", err)
    }
    w.log.Info().Str("results", resultsPath).Str("summary", summaryPath).
        Int("stories", rep.Summary.StoryCount).
        Float64("coverage", rep.Summary.CoveragePercent).
        Msg("audit report written")
    return resultsPath, summaryPath, nil
}

func writeJSON(path string, v any) error {
    data, err := json.MarshalIndent(v, "", "  ")
    if err != nil { return err }
    tmp := path + ".tmp"
    if err := os.WriteFile(tmp, data, 0o644); err != nil { return err }
    return os.Rename(tmp, path)
}
