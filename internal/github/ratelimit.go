package github

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v55/github"
)

const (
	headerRetryAfter    = "Retry-After"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// minRetryDelay keeps a reset time that has already passed from turning the
// backoff loop into a busy loop.
const minRetryDelay = time.Second

// RetryDelay reports whether err is a rate limit refusal and, if so, how long
// to wait before retrying. The wait is taken from the Retry-After header, then
// from the X-RateLimit-Reset epoch relative to now, then falls back to fallback.
func RetryDelay(err error, now time.Time, fallback time.Duration) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var (
		limited  *RateLimitedError
		abuse    *gogithub.AbuseRateLimitError
		primary  *gogithub.RateLimitError
		response *gogithub.ErrorResponse
	)
	switch {
	case errors.As(err, &limited):
		return delayFromHeader(limited.Header, now, fallback), true

	case errors.As(err, &abuse):
		if abuse.RetryAfter != nil {
			return clampDelay(*abuse.RetryAfter), true
		}
		return delayFromHeader(responseHeader(abuse.Response), now, fallback), true

	case errors.As(err, &primary):
		h := responseHeader(primary.Response)
		if d, ok := retryAfter(h, now); ok {
			return d, true
		}
		if !primary.Rate.Reset.Time.IsZero() {
			return clampDelay(primary.Rate.Reset.Time.Sub(now)), true
		}
		return delayFromHeader(h, now, fallback), true

	case errors.As(err, &response) && response.Response != nil &&
		response.Response.StatusCode == http.StatusTooManyRequests:
		return delayFromHeader(response.Response.Header, now, fallback), true
	}

	return 0, false
}

func delayFromHeader(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	if d, ok := retryAfter(h, now); ok {
		return d
	}
	if reset := h.Get(headerRateReset); reset != "" {
		if epoch, err := strconv.ParseInt(strings.TrimSpace(reset), 10, 64); err == nil {
			return clampDelay(time.Unix(epoch, 0).Sub(now))
		}
	}
	return fallback
}

// retryAfter parses Retry-After as delay-seconds or as an HTTP date
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get(headerRetryAfter))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return clampDelay(time.Duration(secs) * time.Second), true
	}
	if at, err := http.ParseTime(v); err == nil {
		return clampDelay(at.Sub(now)), true
	}
	return 0, false
}

func responseHeader(resp *http.Response) http.Header {
	if resp == nil || resp.Header == nil {
		return http.Header{}
	}
	return resp.Header
}

func clampDelay(d time.Duration) time.Duration {
	if d < minRetryDelay {
		return minRetryDelay
	}
	return d
}
