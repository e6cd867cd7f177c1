// Package secrets resolves credentials from layered sources:
// process environment first, then an optional JSON secrets file,
// then a caller-supplied default.
package secrets

import (
    "encoding/json"
    "os"
    "strings"
    "sync"
)

type Store struct {
    mu      sync.RWMutex
    payload map[string]string
}

func NewStore(file string) *Store {
    s := &Store{payload: map[string]string{}}
    if file == "" { return s }
    data, err := os.ReadFile(file)
    if err != nil { return s }
    var m map[string]string
    if err := json.Unmarshal(data, &m); err == nil { s.payload = m }
    return s
}

// Get resolves key with precedence env var > secrets payload > def.
// Payload lookup is case-insensitive so JIRA_API_TOKEN and
// jira_api_token refer to the same secret.
func (s *Store) Get(key, def string) string {
    if v := os.Getenv(key); v != "" { return v }
    s.mu.RLock()
    defer s.mu.RUnlock()
    if v, ok := s.payload[key]; ok && v != "" { return v }
    lower := strings.ToLower(key)
    for k, v := range s.payload {
        if strings.ToLower(k) == lower && v != "" { return v }
    }
    return def
}

// Merge layers extra values under the existing payload; existing keys win.
func (s *Store) Merge(extra map[string]string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for k, v := range extra {
        if _, ok := s.payload[k]; !ok { s.payload[k] = v }
    }
}
