package logger

import (
    "os"
    "regexp"
    "time"

    "github.com/dutchsloot84/releasecopilot/internal/config"
    "github.com/google/uuid"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
)

// New builds the process-wide logger. Every record carries a run-scoped
// correlation id so webhook deliveries, cron passes, and CLI runs can be
// traced through shared storage.
func New(cfg config.Config) zerolog.Logger {
    corr := os.Getenv("RC_CORR_ID")
    if corr == "" { corr = uuid.NewString() }
    if cfg.AppEnv == "dev" {
        output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
        logger := zerolog.New(output).With().Timestamp().Str("corr", corr).Logger()
        log.Logger = logger
        return logger
    }
    zerolog.TimeFieldFormat = time.RFC3339
    logger := zerolog.New(os.Stdout).With().Timestamp().Str("corr", corr).Logger()
    log.Logger = logger
    return logger
}

var secretRe = regexp.MustCompile(`(?i)\b(?:token|secret|password|apikey|api_key|bearer|authorization)[:=\s]+[A-Za-z0-9\-\._~+/]{8,}\b`)

// Scrub masks credential material in payload fragments before they are
// attached to log records or diagnostics.
func Scrub(s string) string {
    return secretRe.ReplaceAllString(s, "<redacted>")
}
