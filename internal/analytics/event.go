// Package analytics records tool invocation events and aggregates them into
// per-tool metrics.
//
// Events are appended to a [Backend]: [MemoryBackend] for tests and
// short-lived processes, [FileBackend] for per-tool, per-day JSON Lines logs,
// and [PostgresBackend] for shared deployments. [Pipeline] sits in front of a
// backend, gates recording on the process-wide enabled flag and swallows every
// backend failure so analytics can never fail an invocation.
//
// Metrics are never stored. [Aggregate] derives them on demand from the events
// in the requested lookback window.
package analytics

import (
	"errors"
	"fmt"
	"time"
)

// EventType identifies the lifecycle phase an [Event] records.
type EventType string

const (
	EventStart       EventType = "start"
	EventSuccess     EventType = "success"
	EventError       EventType = "error"
	EventRateLimited EventType = "rate_limited"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventSuccess, EventError, EventRateLimited:
		return true
	}
	return false
}

// Terminal reports whether t ends an invocation. Only terminal events count
// as requests.
func (t EventType) Terminal() bool {
	return t == EventSuccess || t == EventError || t == EventRateLimited
}

// Event is one immutable analytics record.
type Event struct {
	ToolName   string         `json:"tool_name"`
	EventType  EventType      `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs *float64       `json:"duration_ms"`
	Success    bool           `json:"success"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Duration converts d into the millisecond pointer used by [Event.DurationMs].
func Duration(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}

// Validate reports structural problems that would make e unusable.
func (e Event) Validate() error {
	var errs []error
	if e.ToolName == "" {
		errs = append(errs, errors.New("tool_name is required"))
	}
	if !e.EventType.Valid() {
		errs = append(errs, fmt.Errorf("unknown event_type %q", e.EventType))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if e.DurationMs != nil && *e.DurationMs < 0 {
		errs = append(errs, fmt.Errorf("duration_ms must be >= 0, got %v", *e.DurationMs))
	}
	return errors.Join(errs...)
}

// RequestID returns the request_id metadata value, if any.
func (e Event) RequestID() string {
	id, _ := e.Metadata["request_id"].(string)
	return id
}

// since returns the inclusive lower timestamp bound for a day-count lookback.
// A non-positive sinceDays means no bound and yields the zero time.
func since(now time.Time, sinceDays int) time.Time {
	if sinceDays <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(sinceDays) * 24 * time.Hour)
}

// inWindow reports whether e falls at or after cutoff.
func inWindow(e Event, cutoff time.Time) bool {
	return cutoff.IsZero() || !e.Timestamp.Before(cutoff)
}
