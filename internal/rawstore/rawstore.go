// Package rawstore archives raw upstream payloads as timestamped JSON
// files so an audit can be replayed without refetching.
package rawstore

import (
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/rs/zerolog"
)

const stampLayout = "20060102T150405Z"

type Store struct {
    dir string
    log zerolog.Logger
    now func() time.Time
}

func New(dir string, log zerolog.Logger) *Store {
    return &Store{dir: dir, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Save writes payload as <name>_<UTC stamp>.json under the store dir
// and returns the written path.
func (s *Store) Save(name string, payload any) (string, error) {
    if err := os.MkdirAll(s.dir, 0o755); err != nil { return "", err }
    data, err := json.MarshalIndent(payload, "", "  ")
    if err != nil { return "", fmt.Errorf("rawstore: marshal %s: %w", name, err) }
    path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", name, s.now().Format(stampLayout)))
    if err := os.WriteFile(path, data, 0o644); err != nil { return "", err }
    s.log.Debug().Str("path", path).Int("bytes", len(data)).Msg("raw payload archived")
    return path, nil
}

// SaveRaw is Save for payloads that are already JSON bytes.
func (s *Store) SaveRaw(name string, data []byte) (string, error) {
    if err := os.MkdirAll(s.dir, 0o755); err != nil { return "", err }
    path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", name, s.now().Format(stampLayout)))
    if err := os.WriteFile(path, data, 0o644); err != nil { return "", err }
    return path, nil
}

// LoadLatest reads the newest snapshot whose filename starts with
// name_ and decodes it into out.
func (s *Store) LoadLatest(name string, out any) error {
    path, err := s.latestPath(name)
    if err != nil { return err }
    data, err := os.ReadFile(path)
    if err != nil { return err }
    if err := json.Unmarshal(data, out); err != nil {
        return fmt.Errorf("rawstore: decode %s: %w", path, err)
    }
    return nil
}

func (s *Store) latestPath(name string) (string, error) {
    entries, err := os.ReadDir(s.dir)
    if err != nil { return "", fmt.Errorf("rawstore: no snapshots for %s: %w", name, err) }
    prefix := name + "_"
    var matches []string
    for _, e := range entries {
        if e.IsDir() { continue }
        n := e.Name()
        if strings.HasPrefix(n, prefix) && strings.HasSuffix(n, ".json") {
            matches = append(matches, n)
        }
    }
    if len(matches) == 0 { return "", fmt.Errorf("rawstore: no snapshots for %s", name) }
    // timestamps sort lexicographically
    sort.Strings(matches)
    return filepath.Join(s.dir, matches[len(matches)-1]), nil
}
