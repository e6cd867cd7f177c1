// Package httpx wraps http.Client with bounded retries, Retry-After
// awareness and optional client-side rate limiting for the upstream
// REST adapters.
package httpx

import (
    "context"
    "io"
    "math/rand"
    "net/http"
    "strconv"
    "time"

    "github.com/rs/zerolog"
    "golang.org/x/time/rate"

    "github.com/dutchsloot84/releasecopilot/internal/errs"
)

type Options struct {
    Service        string
    MaxAttempts    int
    BaseDelay      time.Duration
    DisableRetries bool
    RatePerSecond  float64
    Timeout        time.Duration
    // Jitter returns an extra delay in [0,d); replaced in tests.
    Jitter func(d time.Duration) time.Duration
    // Sleep is called between attempts; replaced in tests.
    Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
    http    *http.Client
    limiter *rate.Limiter
    log     zerolog.Logger
    opts    Options
}

func New(log zerolog.Logger, opts Options) *Client {
    if opts.MaxAttempts <= 0 { opts.MaxAttempts = 5 }
    if opts.BaseDelay <= 0 { opts.BaseDelay = time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 30 * time.Second }
    if opts.Jitter == nil {
        opts.Jitter = func(d time.Duration) time.Duration {
            if d <= 0 { return 0 }
            return time.Duration(rand.Int63n(int64(d)))
        }
    }
    if opts.Sleep == nil {
        opts.Sleep = func(ctx context.Context, d time.Duration) error {
            t := time.NewTimer(d)
            defer t.Stop()
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-t.C:
                return nil
            }
        }
    }
    var lim *rate.Limiter
    if opts.RatePerSecond > 0 { lim = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1) }
    return &Client{
        http:    &http.Client{Timeout: opts.Timeout},
        limiter: lim,
        log:     log,
        opts:    opts,
    }
}

// Do executes the request built by build, retrying on 429, 5xx and
// transport errors with exponential backoff and jitter. A Retry-After
// header sets the floor for the next delay. build is called per
// attempt so request bodies can be replayed.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
    attempts := c.opts.MaxAttempts
    if c.opts.DisableRetries { attempts = 1 }

    var lastErr error
    for attempt := 1; attempt <= attempts; attempt++ {
        if c.limiter != nil {
            if err := c.limiter.Wait(ctx); err != nil { return nil, err }
        }
        req, err := build(ctx)
        if err != nil { return nil, err }

        resp, err := c.http.Do(req)
        if err == nil && !retryable(resp.StatusCode) {
            if resp.StatusCode >= 400 {
                snippet := readSnippet(resp.Body)
                resp.Body.Close()
                return nil, &errs.FetchError{
                    Service: c.opts.Service,
                    Method:  req.Method,
                    URL:     req.URL.String(),
                    Status:  resp.StatusCode,
                    Snippet: snippet,
                }
            }
            return resp, nil
        }

        var status int
        var floor time.Duration
        if err != nil {
            lastErr = &errs.TransientFetchError{
                Service:  c.opts.Service,
                Method:   req.Method,
                URL:      req.URL.String(),
                Attempts: attempt,
                Err:      err,
            }
        } else {
            status = resp.StatusCode
            floor = retryAfter(resp.Header.Get("Retry-After"))
            snippet := readSnippet(resp.Body)
            resp.Body.Close()
            lastErr = &errs.TransientFetchError{
                Service:  c.opts.Service,
                Method:   req.Method,
                URL:      req.URL.String(),
                Status:   status,
                Attempts: attempt,
                Snippet:  snippet,
            }
        }
        if attempt == attempts { break }

        delay := c.opts.BaseDelay << (attempt - 1)
        delay += c.opts.Jitter(c.opts.BaseDelay)
        if floor > delay { delay = floor }
        c.log.Warn().
            Str("service", c.opts.Service).
            Str("url", req.URL.String()).
            Int("status", status).
            Int("attempt", attempt).
            Dur("delay", delay).
            Err(lastErr).
            Msg("retrying upstream request")
        if err := c.opts.Sleep(ctx, delay); err != nil { return nil, err }
    }
    if t, ok := lastErr.(*errs.TransientFetchError); ok { t.Attempts = attempts }
    return nil, lastErr
}

func retryable(status int) bool { return status == http.StatusTooManyRequests || status >= 500 }

// retryAfter parses a Retry-After value as delta seconds or an HTTP date.
func retryAfter(v string) time.Duration {
    if v == "" { return 0 }
    if secs, err := strconv.Atoi(v); err == nil {
        if secs < 0 { return 0 }
        return time.Duration(secs) * time.Second
    }
    if t, err := http.ParseTime(v); err == nil {
        if d := time.Until(t); d > 0 { return d }
    }
    return 0
}

func readSnippet(r io.Reader) string {
    b, _ := io.ReadAll(io.LimitReader(r, 512))
    return string(b)
}
