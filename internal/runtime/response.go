package runtime

import (
	"encoding/json"

	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// Metadata describes how a successful invocation was served.
type Metadata struct {
	RequestID       string  `json:"request_id"`
	Tool            string  `json:"tool"`
	Category        string  `json:"category,omitempty"`
	Mock            bool    `json:"mock"`
	Attempts        int     `json:"attempts"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Timestamp       string  `json:"timestamp"`
}

// Response is the uniform result of [Runtime.Invoke]. It marshals to exactly
// one of two shapes:
//
//	{"success": true,  "result": ..., "metadata": {...}}
//	{"success": false, "error": {"code": ..., "message": ..., ...}}
//
// The failure shape is the same wherever the failure happened, so callers
// branch only on the error code.
type Response struct {
	Success  bool
	Result   any
	Metadata Metadata
	Error    *toolerr.Response
}

type successJSON struct {
	Success  bool     `json:"success"`
	Result   any      `json:"result"`
	Metadata Metadata `json:"metadata"`
}

type failureJSON struct {
	Success bool              `json:"success"`
	Error   *toolerr.Response `json:"error"`
}

// MarshalJSON implements [json.Marshaler].
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(successJSON{Success: true, Result: r.Result, Metadata: r.Metadata})
	}
	return json.Marshal(failureJSON{Success: false, Error: r.Error})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success  bool              `json:"success"`
		Result   any               `json:"result"`
		Metadata Metadata          `json:"metadata"`
		Error    *toolerr.Response `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Response{Success: raw.Success, Result: raw.Result, Metadata: raw.Metadata, Error: raw.Error}
	return nil
}

// Err returns the failure as a [*toolerr.Error], or nil for a success.
func (r Response) Err() *toolerr.Error {
	if r.Success || r.Error == nil {
		return nil
	}
	return toolerr.FromResponse(*r.Error)
}

// Code returns the error code of a failed response, or "".
func (r Response) Code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}
