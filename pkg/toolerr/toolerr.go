// Package toolerr defines the structured failure taxonomy shared by every tool
// and by the invocation runtime.
//
// Each failure is an [*Error] carrying a [Kind]. The kind determines the
// stable string code that callers branch on (e.g. "RATE_LIMIT") and whether the
// runtime may retry the failed call. [Error.ToResponse] produces the wire shape
// that is embedded in every failed invocation response.
package toolerr

import (
	"fmt"
	"maps"
	"time"
)

// DefaultRetryAfter is used for rate-limit errors that do not specify a wait.
const DefaultRetryAfter = 60 * time.Second

// Kind classifies a failure.
type Kind int

const (
	// KindInternal is the catch-all for failures that could not be classified.
	KindInternal Kind = iota

	// KindValidation reports invalid tool parameters.
	KindValidation

	// KindAuthentication reports rejected or missing credentials for an API.
	KindAuthentication

	// KindRateLimit reports that the caller must wait before trying again.
	KindRateLimit

	// KindTimeout reports that an operation exceeded its deadline.
	KindTimeout

	// KindAPI reports a failure returned by an upstream API.
	KindAPI

	// KindNotFound reports a missing resource.
	KindNotFound

	// KindConfiguration reports a missing or inconsistent setting.
	KindConfiguration

	// KindQuotaExceeded reports an exhausted usage quota.
	KindQuotaExceeded

	// KindSecurity reports a request rejected by a security policy.
	KindSecurity
)

var kindCodes = map[Kind]string{
	KindInternal:       "INTERNAL_ERROR",
	KindValidation:     "VALIDATION_ERROR",
	KindAuthentication: "AUTH_ERROR",
	KindRateLimit:      "RATE_LIMIT",
	KindTimeout:        "TIMEOUT",
	KindAPI:            "API_ERROR",
	KindNotFound:       "NOT_FOUND",
	KindConfiguration:  "CONFIG_ERROR",
	KindQuotaExceeded:  "QUOTA_EXCEEDED",
	KindSecurity:       "SECURITY_ERROR",
}

// Code returns the stable string code for k. Unknown kinds report
// "INTERNAL_ERROR".
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

// String implements [fmt.Stringer].
func (k Kind) String() string { return k.Code() }

// Retryable reports whether the runtime may retry a call that failed with k.
// Only transient upstream conditions qualify.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindAPI
}

// KindFromCode maps a string code back to its [Kind].
func KindFromCode(code string) (Kind, bool) {
	for k, c := range kindCodes {
		if c == code {
			return k, true
		}
	}
	return KindInternal, false
}

// Error is a classified tool failure. Values are created by the constructors in
// this package and are not mutated afterwards, except for the runtime filling
// in Tool and RequestID through the With* helpers, which return copies.
type Error struct {
	Kind    Kind
	Message string

	// Tool is the name of the tool the failure originated from.
	Tool string

	// Details holds kind-specific structured fields (see the constructors).
	Details map[string]any

	// RetryAfter is the suggested wait before the caller retries. Nil when the
	// failure carries no hint. Never negative.
	RetryAfter *time.Duration

	// RequestID correlates the failure with the invocation that produced it.
	RequestID string

	// Timestamp is when the failure was classified, in UTC.
	Timestamp time.Time

	// Err is the underlying cause, if any. It is never serialized.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind.Code(), e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Code is shorthand for e.Kind.Code().
func (e *Error) Code() string { return e.Kind.Code() }

// Retryable is shorthand for e.Kind.Retryable().
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// WithTool returns a copy of e attributed to tool. The original is unchanged.
func (e *Error) WithTool(tool string) *Error {
	cp := e.clone()
	cp.Tool = tool
	return cp
}

// WithRequestID returns a copy of e tagged with the given request ID.
func (e *Error) WithRequestID(id string) *Error {
	cp := e.clone()
	cp.RequestID = id
	return cp
}

func (e *Error) clone() *Error {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	if e.RetryAfter != nil {
		d := *e.RetryAfter
		cp.RetryAfter = &d
	}
	return &cp
}

// New creates an [*Error] of the given kind. details may be nil.
func New(kind Kind, tool, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Tool:      tool,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap is like [New] but records cause as the unwrapped error.
func Wrap(kind Kind, tool, message string, cause error) *Error {
	e := New(kind, tool, message, nil)
	e.Err = cause
	return e
}

// NewValidation reports an invalid parameter. field may be empty when the
// failure is not attributable to one field.
func NewValidation(tool, field, message string) *Error {
	d := map[string]any{}
	if field != "" {
		d["field"] = field
	}
	return New(KindValidation, tool, message, d)
}

// NewAuthentication reports rejected credentials for the named API.
func NewAuthentication(tool, api, message string) *Error {
	return New(KindAuthentication, tool, message, map[string]any{"api": api})
}

// NewRateLimit reports that the caller must wait retryAfter before trying
// again. A non-positive retryAfter is replaced with [DefaultRetryAfter] unless
// exact is requested through [NewRateLimitExact].
func NewRateLimit(tool string, retryAfter time.Duration, message string) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return NewRateLimitExact(tool, retryAfter, message)
}

// NewRateLimitExact is like [NewRateLimit] but keeps retryAfter as given,
// clamping only negative values to zero.
func NewRateLimitExact(tool string, retryAfter time.Duration, message string) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	e := New(KindRateLimit, tool, message, map[string]any{
		"retry_after": retryAfter.Seconds(),
	})
	e.RetryAfter = &retryAfter
	return e
}

// NewTimeout reports that an operation exceeded timeout. A zero timeout means
// the limit is unknown and is omitted from the details.
func NewTimeout(tool string, timeout time.Duration, message string) *Error {
	d := map[string]any{}
	if timeout > 0 {
		d["timeout_seconds"] = timeout.Seconds()
	}
	return New(KindTimeout, tool, message, d)
}

// NewAPI reports an upstream API failure with the HTTP status it returned.
// statusCode 0 means no status was received.
func NewAPI(tool, api string, statusCode int, message string) *Error {
	d := map[string]any{"api": api}
	if statusCode != 0 {
		d["status_code"] = statusCode
	}
	return New(KindAPI, tool, message, d)
}

// NewNotFound reports a missing resource of the given type.
func NewNotFound(tool, resourceType, message string) *Error {
	return New(KindNotFound, tool, message, map[string]any{"resource_type": resourceType})
}

// NewConfiguration reports a missing or invalid configuration key.
func NewConfiguration(tool, configKey, message string) *Error {
	return New(KindConfiguration, tool, message, map[string]any{"config_key": configKey})
}

// NewQuotaExceeded reports that used has reached limit for quotaType.
func NewQuotaExceeded(tool, quotaType string, limit, used int64, message string) *Error {
	return New(KindQuotaExceeded, tool, message, map[string]any{
		"quota_type": quotaType,
		"limit":      limit,
		"used":       used,
	})
}

// NewSecurity reports a request rejected by a security policy.
func NewSecurity(tool, violationType, message string) *Error {
	return New(KindSecurity, tool, message, map[string]any{"violation_type": violationType})
}

// NewInternal reports an unclassified failure. The cause is kept for logging
// but the message shown to callers is generic.
func NewInternal(tool string, cause error) *Error {
	return Wrap(KindInternal, tool, "an internal error occurred while running the tool", cause)
}
