package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/storybook/internal/retry"
)

// ErrProviderNotFound is returned when a stage names an unregistered provider.
var ErrProviderNotFound = errors.New("provider not found")

// TransientError is a retryable provider failure: network blips, 5xx
// responses, malformed output, poll timeouts.
type TransientError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: transient error: %s", e.Provider, msg)
}

func (e *TransientError) Unwrap() error { return e.Err }
func (e *TransientError) RetryClass() retry.Class { return retry.Retryable }

// TerminalError is a provider failure that retrying cannot fix: content-policy
// rejection, invalid request, authorization failure.
type TerminalError struct {
	Provider   string
	StatusCode int
	Reason     string
	Message    string
}

func (e *TerminalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Reason, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Reason, e.Message)
}

func (e *TerminalError) RetryClass() retry.Class { return retry.Terminal }

// Terminal reasons.
const (
	ReasonContentPolicy  = "content policy rejection"
	ReasonInvalidRequest = "invalid request"
	ReasonUnauthorized   = "authorization failure"
	ReasonProviderFailed = "provider job failed"
)

// QuotaExceededError reports an explicit rate-limit response. The limiter
// widens its wait by RetryAfter instead of the retry policy backing off.
type QuotaExceededError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: quota exceeded (retry after %s): %s", e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s: quota exceeded: %s", e.Provider, e.Message)
}

func (e *QuotaExceededError) RetryClass() retry.Class { return retry.Quota }

// UnavailableError means the provider cannot be reached at all (not
// configured, missing credentials, DNS failure). The stage executor moves to
// the next provider in the fallback chain.
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: provider unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
func (e *UnavailableError) RetryClass() retry.Class { return retry.Terminal }

// IsUnavailable reports whether err marks an unreachable provider.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// AsQuotaExceeded extracts a QuotaExceededError from err's chain.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var q *QuotaExceededError
	if errors.As(err, &q) {
		return q, true
	}
	return nil, false
}

// Classify maps any error to a retry class. Typed provider errors carry their
// own class; untyped transport failures are matched the way HTTP clients
// surface them.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Terminal
	}
	var c retry.Classified
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	if errors.Is(err, context.Canceled) {
		return retry.Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Retryable
	}

	errStr := strings.ToLower(err.Error())
	for _, code := range []string{"status 500", "status 502", "status 503", "status 504"} {
		if strings.Contains(errStr, code) {
			return retry.Retryable
		}
	}
	if strings.Contains(errStr, "status 429") || strings.Contains(errStr, "rate limit") {
		return retry.Quota
	}
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "eof") {
		return retry.Retryable
	}
	return retry.Terminal
}

// transportError classifies a failed HTTP round trip. Unresolvable hosts mark
// the provider unavailable so the fallback chain can move on.
func transportError(provider string, err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return &UnavailableError{Provider: provider, Err: err}
	default:
		return &TransientError{Provider: provider, Err: err}
	}
}

// errorForStatus maps an HTTP status to the provider error taxonomy.
func errorForStatus(provider string, status int, header http.Header, message string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &QuotaExceededError{
			Provider:   provider,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Message:    message,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &TerminalError{Provider: provider, StatusCode: status, Reason: ReasonUnauthorized, Message: message}
	case status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{Provider: provider, StatusCode: status, Message: message}
	case status >= 400:
		return &TerminalError{Provider: provider, StatusCode: status, Reason: ReasonInvalidRequest, Message: message}
	default:
		return &TransientError{Provider: provider, StatusCode: status, Message: message}
	}
}

// MaxQuotaWait caps how long a single quota response may block a provider.
const MaxQuotaWait = 15 * time.Minute

// parseRetryAfter parses a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return clampQuotaWait(time.Duration(secs * float64(time.Second)))
	}
	if t, err := http.ParseTime(v); err == nil {
		return clampQuotaWait(time.Until(t))
	}
	return 0
}

// parseRateLimitReset parses an X-RateLimit-Reset header, a Unix timestamp
// in seconds, into the wait from now.
func parseRateLimitReset(v string, now time.Time) time.Duration {
	epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || epoch <= 0 {
		return 0
	}
	return clampQuotaWait(time.Unix(epoch, 0).Sub(now))
}

func clampQuotaWait(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d > MaxQuotaWait:
		return MaxQuotaWait
	default:
		return d
	}
}
