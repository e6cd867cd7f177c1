package logger

import (
    "testing"

    "github.com/stretchr/testify/assert"
)

func TestScrubMasksCredentials(t *testing.T) {
    cases := []struct {
        in   string
        want string
    }{
        {"token: abcd1234efgh5678", "<redacted>"},
        {"Authorization: Bearer sk-abcdefgh12345", "Authorization: <redacted>"},
        {"api_key=ZXhhbXBsZXNlY3JldA", "<redacted>"},
        {"password = hunter22hunter22", "<redacted>"},
    }
    for _, tc := range cases {
        assert.Equal(t, tc.want, Scrub(tc.in), tc.in)
    }
}

func TestScrubLeavesOrdinaryTextAlone(t *testing.T) {
    in := "PROJ-1 commit c1 linked by Sam at 2025-10-01"
    assert.Equal(t, in, Scrub(in))

    // short values are not credential-shaped
    assert.Equal(t, "token: abc", Scrub("token: abc"))
}
