package analytics

import (
	"context"
	"time"
)

// Backend stores events and answers metric queries over them.
//
// Implementations must be safe for concurrent use. A sinceDays value <= 0
// means "no lookback bound".
type Backend interface {
	// Record appends e.
	Record(ctx context.Context, e Event) error

	// QueryMetrics aggregates the events of tool from the last sinceDays days.
	QueryMetrics(ctx context.Context, tool string, sinceDays int) (ToolMetrics, error)

	// QueryAllMetrics aggregates every tool seen in the last sinceDays days.
	QueryAllMetrics(ctx context.Context, sinceDays int) (map[string]ToolMetrics, error)

	// Close releases resources held by the backend.
	Close() error
}

// Option configures the in-process backends.
type Option func(*backendOptions)

type backendOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now as the reference for lookback windows.
func WithClock(now func() time.Time) Option {
	return func(o *backendOptions) { o.now = now }
}

func applyOptions(opts []Option) backendOptions {
	o := backendOptions{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
