package analytics

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/toolrun/internal/observe"
)

// DefaultSubscriberBuffer is the channel capacity used when
// [Pipeline.Subscribe] is called with a non-positive buffer.
const DefaultSubscriberBuffer = 64

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithMetrics reports recording failures and dropped events to m.
func WithMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBackendName labels failure metrics and logs. Defaults to "custom".
func WithBackendName(name string) PipelineOption {
	return func(p *Pipeline) { p.backendName = name }
}

// Pipeline fronts a [Backend] with the process-wide enabled flag.
//
// Record never returns an error: backend failures are logged and counted,
// then dropped. Recorded events are also fanned out to live subscribers;
// a subscriber whose buffer is full misses the event rather than blocking
// the recorder.
type Pipeline struct {
	backend     Backend
	backendName string
	metrics     *observe.Metrics
	enabled     atomic.Bool

	subMu  sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// NewPipeline returns a [Pipeline] over backend.
func NewPipeline(backend Backend, enabled bool, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		backend:     backend,
		backendName: "custom",
		subs:        make(map[uint64]chan Event),
	}
	for _, o := range opts {
		o(p)
	}
	p.enabled.Store(enabled)
	return p
}

// Enabled reports whether events are being recorded.
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

// SetEnabled turns recording on or off at runtime.
func (p *Pipeline) SetEnabled(on bool) { p.enabled.Store(on) }

// Backend returns the wrapped backend.
func (p *Pipeline) Backend() Backend { return p.backend }

// Record stores e when the pipeline is enabled. It never fails and never
// panics into the caller.
func (p *Pipeline) Record(ctx context.Context, e Event) {
	if !p.Enabled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, "panic", e, nil, r)
		}
	}()

	if err := e.Validate(); err != nil {
		p.fail(ctx, "invalid", e, err, nil)
		return
	}
	if err := p.backend.Record(ctx, e); err != nil {
		p.fail(ctx, "write", e, err, nil)
		return
	}
	p.publish(ctx, e)
}

func (p *Pipeline) fail(ctx context.Context, reason string, e Event, err error, panicked any) {
	log := observe.Logger(ctx).With(
		"backend", p.backendName,
		"tool", e.ToolName,
		"event_type", string(e.EventType),
		"reason", reason,
	)
	if panicked != nil {
		log.Error("analytics: backend panicked", "panic", panicked)
	} else {
		log.Warn("analytics: failed to record event", "err", err)
	}
	if p.metrics != nil {
		p.metrics.RecordAnalyticsFailure(ctx, p.backendName, reason)
	}
}

// Subscribe registers a live listener for recorded events. The returned
// cancel function unregisters the listener and closes the channel; it is safe
// to call more than once.
func (p *Pipeline) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

// Subscribers returns the number of live listeners.
func (p *Pipeline) Subscribers() int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return len(p.subs)
}

func (p *Pipeline) publish(ctx context.Context, e Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			if p.metrics != nil {
				p.metrics.AnalyticsDropped.Add(ctx, 1)
			}
		}
	}
}

// QueryMetrics aggregates one tool's events from the backend. Queries work
// whether or not recording is enabled.
func (p *Pipeline) QueryMetrics(ctx context.Context, tool string, sinceDays int) (ToolMetrics, error) {
	return p.backend.QueryMetrics(ctx, tool, sinceDays)
}

// QueryAllMetrics aggregates every tool's events from the backend.
func (p *Pipeline) QueryAllMetrics(ctx context.Context, sinceDays int) (map[string]ToolMetrics, error) {
	return p.backend.QueryAllMetrics(ctx, sinceDays)
}

// Close closes every subscriber channel and the backend.
func (p *Pipeline) Close() error {
	p.subMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subMu.Unlock()
	return p.backend.Close()
}
