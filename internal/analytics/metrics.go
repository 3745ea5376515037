package analytics

import (
	"slices"
	"time"

	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// ToolMetrics is the aggregate view of one tool's events in a time window.
type ToolMetrics struct {
	ToolName         string         `json:"tool_name"`
	TotalRequests    int            `json:"total_requests"`
	SuccessCount     int            `json:"success_count"`
	ErrorCount       int            `json:"error_count"`
	RateLimitedCount int            `json:"rate_limited_count"`
	SuccessRate      float64        `json:"success_rate"`
	ErrorRate        float64        `json:"error_rate"`
	MinDurationMs    float64        `json:"min_duration_ms"`
	AvgDurationMs    float64        `json:"avg_duration_ms"`
	MaxDurationMs    float64        `json:"max_duration_ms"`
	P50DurationMs    float64        `json:"p50_duration_ms"`
	P99DurationMs    float64        `json:"p99_duration_ms"`
	ErrorsByCode     map[string]int `json:"errors_by_code"`
	LastSuccess      *time.Time     `json:"last_success"`
	LastError        *time.Time     `json:"last_error"`
}

// Aggregate reduces the terminal events of tool into [ToolMetrics]. Events of
// other tools and start events are ignored. The result does not depend on the
// order of events.
//
// Rate-limited events count as errors (with code RATE_LIMIT when none is
// set). Duration statistics use every terminal event carrying a duration; no
// de-duplication by request ID is performed.
func Aggregate(tool string, events []Event) ToolMetrics {
	m := ToolMetrics{ToolName: tool, ErrorsByCode: map[string]int{}}
	var durations []float64

	for _, e := range events {
		if e.ToolName != tool || !e.EventType.Terminal() {
			continue
		}
		m.TotalRequests++
		if e.DurationMs != nil {
			durations = append(durations, *e.DurationMs)
		}

		ts := e.Timestamp
		if e.EventType == EventSuccess {
			m.SuccessCount++
			if m.LastSuccess == nil || ts.After(*m.LastSuccess) {
				m.LastSuccess = &ts
			}
			continue
		}

		m.ErrorCount++
		code := e.ErrorCode
		if e.EventType == EventRateLimited {
			m.RateLimitedCount++
			if code == "" {
				code = toolerr.KindRateLimit.Code()
			}
		}
		if code == "" {
			code = toolerr.KindInternal.Code()
		}
		m.ErrorsByCode[code]++
		if m.LastError == nil || ts.After(*m.LastError) {
			m.LastError = &ts
		}
	}

	if m.TotalRequests > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalRequests)
		m.ErrorRate = float64(m.ErrorCount) / float64(m.TotalRequests)
	}

	if n := len(durations); n > 0 {
		// Sorting first makes the floating-point sum order-independent.
		slices.Sort(durations)
		var total float64
		for _, d := range durations {
			total += d
		}
		m.MinDurationMs = durations[0]
		m.MaxDurationMs = durations[n-1]
		m.AvgDurationMs = total / float64(n)
		m.P50DurationMs = durations[n/2]
		m.P99DurationMs = durations[int(float64(n-1)*0.99)]
	}
	return m
}

// AggregateAll groups events by tool and aggregates each group. Tools that
// only have start events still appear, with zero requests.
func AggregateAll(events []Event) map[string]ToolMetrics {
	byTool := make(map[string][]Event)
	for _, e := range events {
		byTool[e.ToolName] = append(byTool[e.ToolName], e)
	}
	out := make(map[string]ToolMetrics, len(byTool))
	for tool, evs := range byTool {
		out[tool] = Aggregate(tool, evs)
	}
	return out
}
