package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry performs do up to MaxRetries+1 times on the same account.
//   - Retries only on transient network errors, 408, 429 and 5xx statuses.
//   - Honours Retry-After, otherwise backs off exponentially with full jitter.
//   - The last attempt's response is returned as is, so a persistent 5xx
//     reaches the caller with the upstream status and body.
//   - Nothing is retried once a response body has been handed out, so a
//     stream is never replayed after bytes reached the caller.
func (c *client) doWithRetry(
	ctx context.Context,
	account string,
	do func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	maxAttempts := c.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		c.logger.Debug("upstream attempt",
			zap.String("account", account),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		last := attempt == maxAttempts-1

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) || last {
				return nil, err
			}
			lastErr = err
		} else {
			if !shouldRetryStatus(status) || last {
				return resp, nil
			}

			retryAfter := parseRetryAfter(resp)
			// Close before retrying so the connection can be reused.
			if resp.Body != nil {
				resp.Body.Close()
			}

			if retryAfter > 0 {
				c.logger.Info("honoring Retry-After header",
					zap.String("account", account),
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				if err := sleepCtx(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
		}

		backoff := computeBackoff(c.cfg.BaseBackoff, attempt)
		c.logger.Debug("backing off before retry",
			zap.String("account", account),
			zap.Duration("backoff", backoff),
			zap.Int("next_attempt", attempt+2),
			zap.Error(lastErr),
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}

	// Unreachable: the last attempt always returns above.
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Wrapped errors sometimes only keep the message.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// shouldRetryStatus reports whether status is worth another attempt.
func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts the retry delay from a Retry-After header given
// either as seconds or as an HTTP date. It returns 0 when absent or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0
		}
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	return 0
}

// computeBackoff returns a random duration in [0, base*2^attempt), capped at 60s.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
