package analytics

import (
	"context"
	"slices"
	"sync"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps events in an append-only slice guarded by one mutex.
type MemoryBackend struct {
	opts backendOptions

	mu     sync.Mutex
	events []Event
}

// NewMemoryBackend returns an empty [MemoryBackend].
func NewMemoryBackend(opts ...Option) *MemoryBackend {
	return &MemoryBackend{opts: applyOptions(opts)}
}

// Record implements [Backend].
func (b *MemoryBackend) Record(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

// Events returns a copy of every event of tool in the window, in insertion
// order. An empty tool matches all tools.
func (b *MemoryBackend) Events(tool string, sinceDays int) []Event {
	cutoff := since(b.opts.now(), sinceDays)
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(b.events), func(e Event) bool {
		return (tool != "" && e.ToolName != tool) || !inWindow(e, cutoff)
	})
}

// QueryMetrics implements [Backend].
func (b *MemoryBackend) QueryMetrics(_ context.Context, tool string, sinceDays int) (ToolMetrics, error) {
	return Aggregate(tool, b.Events(tool, sinceDays)), nil
}

// QueryAllMetrics implements [Backend].
func (b *MemoryBackend) QueryAllMetrics(_ context.Context, sinceDays int) (map[string]ToolMetrics, error) {
	return AggregateAll(b.Events("", sinceDays)), nil
}

// Close implements [Backend]. It is a no-op.
func (b *MemoryBackend) Close() error { return nil }
