package toolerr

import (
	"maps"
	"time"
)

// Response is the serialized form of an [*Error], embedded under "error" in
// every failed invocation response.
type Response struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Tool       string         `json:"tool"`
	RetryAfter *float64       `json:"retry_after"`
	Details    map[string]any `json:"details"`
	RequestID  string         `json:"request_id"`
	Timestamp  string         `json:"timestamp"`
}

// ToResponse converts e into its wire shape. RetryAfter is expressed in
// seconds and Timestamp in RFC 3339 with nanosecond precision.
func (e *Error) ToResponse() Response {
	r := Response{
		Code:      e.Kind.Code(),
		Message:   e.Message,
		Tool:      e.Tool,
		Details:   maps.Clone(e.Details),
		RequestID: e.RequestID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	if e.RetryAfter != nil {
		s := e.RetryAfter.Seconds()
		r.RetryAfter = &s
	}
	return r
}

// FromResponse rebuilds an [*Error] from its wire shape, e.g. on the client
// side of an HTTP or MCP call. Unknown codes map to [KindInternal].
func FromResponse(r Response) *Error {
	kind, _ := KindFromCode(r.Code)
	e := &Error{
		Kind:      kind,
		Message:   r.Message,
		Tool:      r.Tool,
		Details:   maps.Clone(r.Details),
		RequestID: r.RequestID,
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		e.Timestamp = ts
	}
	if r.RetryAfter != nil {
		d := time.Duration(*r.RetryAfter * float64(time.Second))
		e.RetryAfter = &d
	}
	return e
}
