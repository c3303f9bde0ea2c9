package upstream

import (
	"fmt"
	"net/http"
	"time"
)

// NetworkError wraps a transport-level failure reaching the upstream. The
// gateway never retries these; the caller decides.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Status() (int, string) {
	return http.StatusBadGateway, "upstream unreachable"
}

// QuotaExceededError reports an upstream 429. RetryAfter is zero when the
// upstream gave no hint.
type QuotaExceededError struct {
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream quota exceeded, retry after %s", e.RetryAfter)
	}
	return "upstream quota exceeded"
}

func (e *QuotaExceededError) Status() (int, string) {
	return http.StatusTooManyRequests, "upstream quota exceeded"
}

// AuthenticationError reports a 401/403 on a signed or credentialed call, or
// a call attempted without usable credentials. Distinct from NetworkError so
// callers prompt re-authorization instead of retrying blindly.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("upstream authentication failure: %s", e.Reason)
}

func (e *AuthenticationError) Status() (int, string) {
	return http.StatusUnauthorized, "authorization required"
}

// APIError reports any other non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

func (e *APIError) Status() (int, string) {
	return http.StatusBadGateway, "upstream error"
}
