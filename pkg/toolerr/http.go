package toolerr

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodySnippet bounds how much of an upstream response body is copied into
// an error's details.
const maxBodySnippet = 512

// FromHTTPStatus maps an upstream HTTP status to a classified error:
//
//	401, 403 → [KindAuthentication]
//	404      → [KindNotFound]
//	429      → [KindRateLimit] (Retry-After honoured, default 60s)
//	other    → [KindAPI]
//
// The mapping is pure: the same status and headers always yield the same kind
// and retry hint. header and body may be empty.
func FromHTTPStatus(tool, api string, status int, header http.Header, body string) *Error {
	var e *Error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e = NewAuthentication(tool, api, fmt.Sprintf("%s rejected the credentials (HTTP %d)", api, status))
	case http.StatusNotFound:
		e = NewNotFound(tool, api, fmt.Sprintf("%s resource not found (HTTP 404)", api))
	case http.StatusTooManyRequests:
		retryAfter, ok := ParseRetryAfter(header.Get("Retry-After"), time.Time{})
		if !ok {
			retryAfter = DefaultRetryAfter
		}
		e = NewRateLimitExact(tool, retryAfter, fmt.Sprintf("%s rate limit exceeded", api))
	default:
		e = NewAPI(tool, api, status, fmt.Sprintf("%s request failed with HTTP %d", api, status))
	}
	e.Details["status_code"] = status
	if snippet := strings.TrimSpace(body); snippet != "" {
		if len(snippet) > maxBodySnippet {
			snippet = snippet[:maxBodySnippet]
		}
		e.Details["body"] = snippet
	}
	return e
}

// ParseRetryAfter interprets a Retry-After header value given either as
// delta-seconds or as an HTTP-date. HTTP-dates are measured against now; a
// zero now makes date values unparseable so the result stays a pure function
// of its inputs. Negative waits are clamped to zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if now.IsZero() {
		return 0, false
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}
