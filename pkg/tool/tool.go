// Package tool defines the capability contract that every tool wrapper
// implements and that the invocation runtime is written against.
//
// A [Tool] value is one configured call: it carries its own parameters, so the
// four capabilities take no arguments. Tools are normally built from raw JSON
// parameters by a [Registry] and handed to the runtime, which decides whether
// to validate, mock, rate-limit, execute and retry them.
package tool

import "context"

// DefaultLimitType is the rate-limit type used when a tool declares neither a
// limit type nor a category.
const DefaultLimitType = "default"

// Info describes a tool for routing, rate limiting and analytics.
type Info struct {
	// Name is the unique tool name (e.g. "web_search").
	Name string

	// Category groups related tools (e.g. "search", "media", "crm").
	Category string

	// LimitType selects the rate-limit template. Empty means Category.
	LimitType string
}

// RateLimitType returns the effective rate-limit type for the tool.
func (i Info) RateLimitType() string {
	switch {
	case i.LimitType != "":
		return i.LimitType
	case i.Category != "":
		return i.Category
	default:
		return DefaultLimitType
	}
}

// Tool is the fixed capability interface consumed by the runtime.
//
// Implementations must be safe to call from the goroutine that invokes the
// runtime; Process may additionally be run on a helper goroutine and must
// honour ctx cancellation where it blocks.
type Tool interface {
	// Info returns the tool's static description.
	Info() Info

	// ValidateParameters checks the tool's parameters. A non-nil error
	// short-circuits the invocation; return a [toolerr.KindValidation] error
	// to attribute the failure to a field.
	ValidateParameters() error

	// ShouldUseMock reports whether this call should return synthetic results.
	// mockMode is the process-wide default; tools that have no live backend
	// may return true regardless.
	ShouldUseMock(mockMode bool) bool

	// GenerateMockResults returns synthetic results without external calls.
	GenerateMockResults() (any, error)

	// Process performs the live call.
	Process(ctx context.Context) (any, error)
}

// Base provides [Tool.Info] and a deferring [Tool.ShouldUseMock] for embedding
// in concrete tools.
type Base struct {
	ToolInfo Info
}

// Info implements [Tool].
func (b Base) Info() Info { return b.ToolInfo }

// ShouldUseMock implements [Tool] by deferring to the process-wide default.
func (b Base) ShouldUseMock(mockMode bool) bool { return mockMode }
