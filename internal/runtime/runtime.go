// Package runtime drives a single tool invocation through its lifecycle:
//
//	validate → mock check → rate limit → execute (± retry) → record → respond
//
// [Runtime.Invoke] never returns a Go error. Every outcome, including panics
// inside the tool, is reported as a [Response] in one of two uniform shapes,
// and exactly one terminal analytics event is recorded per invocation.
//
// A Runtime is safe for concurrent use. It holds no lock across a tool's
// Process call; rate-limit checks and analytics writes complete before the
// invocation proceeds.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/toolrun/internal/analytics"
	"github.com/MrWong99/toolrun/internal/observe"
	"github.com/MrWong99/toolrun/internal/resilience"
	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// DefaultSubject is the rate-limit subject used when the caller supplies none.
const DefaultSubject = "anonymous"

// Limiter admits or rejects live calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Check(subject, limitType string, cost float64) (float64, error)
}

// Recorder receives analytics events. It must not block for long and must
// not fail the caller. *analytics.Pipeline satisfies it.
type Recorder interface {
	Record(ctx context.Context, e analytics.Event)
}

// Config holds the invocation policy.
type Config struct {
	// MockMode is the process-wide default passed to Tool.ShouldUseMock.
	MockMode bool

	// MaxRetries is the number of additional attempts after a retryable
	// failure. Zero disables retries.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff between attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// DefaultTimeout bounds each invocation unless overridden per call.
	// Zero means no runtime-imposed deadline.
	DefaultTimeout time.Duration

	// RecordStartEvents additionally records a "start" event once
	// validation has passed.
	RecordStartEvents bool
}

// DefaultConfig returns the default invocation policy: three retries with
// 1s..30s backoff and no deadline.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Option configures a [Runtime].
type Option func(*Runtime)

// WithMetrics reports invocation metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithCircuitBreaker guards each tool's Process call with a breaker from set.
// An open breaker fails the attempt with a non-retried API_ERROR.
func WithCircuitBreaker(set *resilience.Set) Option {
	return func(rt *Runtime) { rt.breakers = set }
}

// WithClock replaces time.Now for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.now = now }
}

// WithSleep replaces the context-aware backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(rt *Runtime) { rt.sleep = sleep }
}

// WithRequestIDs replaces the UUIDv4 request ID generator.
func WithRequestIDs(next func() string) Option {
	return func(rt *Runtime) { rt.newID = next }
}

// Runtime executes tool invocations.
type Runtime struct {
	cfg      Config
	backoff  resilience.Backoff
	limiter  Limiter
	recorder Recorder
	metrics  *observe.Metrics
	breakers *resilience.Set

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New returns a [Runtime]. limiter and recorder may be nil to disable rate
// limiting or analytics respectively.
func New(cfg Config, limiter Limiter, recorder Recorder, opts ...Option) *Runtime {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	rt := &Runtime{
		cfg:      cfg,
		backoff:  resilience.Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		limiter:  limiter,
		recorder: recorder,
		now:      time.Now,
		sleep:    resilience.Sleep,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Config returns the invocation policy in effect.
func (rt *Runtime) Config() Config { return rt.cfg }

// InvokeOption adjusts a single invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	subject string
	timeout time.Duration
	cost    float64
}

// WithSubject sets the rate-limit subject (user, tenant, API key, ...).
func WithSubject(subject string) InvokeOption {
	return func(o *invokeOptions) { o.subject = subject }
}

// WithTimeout bounds this invocation, overriding Config.DefaultTimeout.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// WithCost sets the number of rate-limit tokens this call consumes.
// Default: 1.
func WithCost(cost float64) InvokeOption {
	return func(o *invokeOptions) { o.cost = cost }
}

// invocation is the immutable per-call context.
type invocation struct {
	requestID string
	tool      string
	category  string
	limitType string
	subject   string
	timeout   time.Duration
	start     time.Time
	log       *slog.Logger
}

// outcome is what the lifecycle produced before recording and responding.
type outcome struct {
	result    any
	err       *toolerr.Error
	eventType analytics.EventType
	mock      bool
	attempts  int
}

// Invoke runs t through the invocation lifecycle and returns its response.
func (rt *Runtime) Invoke(ctx context.Context, t tool.Tool, opts ...InvokeOption) Response {
	o := invokeOptions{cost: 1, timeout: rt.cfg.DefaultTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.subject == "" {
		o.subject = DefaultSubject
	}

	var info tool.Info
	if err := guard("", func() error { info = t.Info(); return nil }); err != nil {
		// Without a name there is nothing to attribute an event to.
		te := toolerr.Classify("", err).WithRequestID(rt.newID())
		observe.Logger(ctx).Error("tool info failed", "request_id", te.RequestID, "err", te)
		r := te.ToResponse()
		return Response{Success: false, Error: &r}
	}
	inv := invocation{
		requestID: rt.newID(),
		tool:      info.Name,
		category:  info.Category,
		limitType: info.RateLimitType(),
		subject:   o.subject,
		timeout:   o.timeout,
		start:     rt.now(),
	}

	ctx, span := observe.StartInvocationSpan(ctx, inv.tool, inv.category, inv.requestID)
	defer span.End()
	inv.log = loggerFor(ctx, inv)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if rt.metrics != nil {
		rt.metrics.ActiveInvocations.Add(ctx, 1)
		defer rt.metrics.ActiveInvocations.Add(context.WithoutCancel(ctx), -1)
	}

	out := rt.run(ctx, t, inv, o.cost)
	resp := rt.finish(ctx, inv, out)
	if !resp.Success {
		span.SetStatus(codes.Error, resp.Error.Code)
	}
	return resp
}

// run executes the lifecycle phases up to, but not including, recording.
func (rt *Runtime) run(ctx context.Context, t tool.Tool, inv invocation, cost float64) outcome {
	if err := guard(inv.tool, t.ValidateParameters); err != nil {
		return outcome{err: asValidation(inv.tool, err), eventType: analytics.EventError}
	}

	if rt.cfg.RecordStartEvents {
		rt.record(ctx, analytics.Event{
			ToolName:  inv.tool,
			EventType: analytics.EventStart,
			Timestamp: rt.now(),
			Metadata:  inv.eventMetadata(false, 0),
		})
	}

	var useMock bool
	if err := guard(inv.tool, func() error { useMock = t.ShouldUseMock(rt.cfg.MockMode); return nil }); err != nil {
		return outcome{err: toolerr.Classify(inv.tool, err), eventType: analytics.EventError}
	}
	if useMock {
		return rt.mock(ctx, t, inv)
	}

	if rt.limiter != nil {
		if _, err := rt.limiter.Check(inv.subject, inv.limitType, cost); err != nil {
			te := toolerr.Classify(inv.tool, err)
			if te.Kind != toolerr.KindRateLimit {
				return outcome{err: te, eventType: analytics.EventError}
			}
			te.Details["subject"] = inv.subject
			if rt.metrics != nil {
				rt.metrics.RecordRateLimited(ctx, inv.tool, inv.limitType)
			}
			return outcome{err: te, eventType: analytics.EventRateLimited}
		}
	}

	return rt.execute(ctx, t, inv)
}

func (rt *Runtime) mock(ctx context.Context, t tool.Tool, inv invocation) outcome {
	var result any
	err := guard(inv.tool, func() (err error) {
		result, err = t.GenerateMockResults()
		return err
	})
	if err != nil {
		return outcome{err: toolerr.Classify(inv.tool, err), eventType: analytics.EventError, mock: true}
	}
	if rt.metrics != nil {
		rt.metrics.RecordMock(ctx, inv.tool)
	}
	return outcome{result: result, eventType: analytics.EventSuccess, mock: true}
}

// execute calls Process until it succeeds, fails with a non-retryable kind,
// the retry budget is spent, or ctx is done.
func (rt *Runtime) execute(ctx context.Context, t tool.Tool, inv invocation) outcome {
	var last *toolerr.Error
	attempts := 0

	for attempt := 0; attempt <= rt.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := rt.backoff.Delay(attempt - 1)
			inv.log.Info("retrying tool",
				"attempt", attempt+1,
				"delay", delay,
				"code", last.Code())
			if rt.metrics != nil {
				rt.metrics.RecordRetry(ctx, inv.tool, last.Code())
			}
			if err := rt.sleep(ctx, delay); err != nil {
				return outcome{err: rt.deadlineError(inv, err), eventType: analytics.EventError, attempts: attempts}
			}
		}

		attempts++
		result, err := rt.attempt(ctx, t, inv)
		if err == nil {
			return outcome{result: result, eventType: analytics.EventSuccess, attempts: attempts}
		}

		if errors.Is(err, resilience.ErrCircuitOpen) {
			return outcome{err: rt.circuitOpenError(inv), eventType: analytics.EventError, attempts: attempts}
		}
		if ctx.Err() != nil {
			return outcome{err: rt.deadlineError(inv, ctx.Err()), eventType: analytics.EventError, attempts: attempts}
		}

		last = toolerr.Classify(inv.tool, err)
		if !last.Retryable() {
			break
		}
		inv.log.Debug("tool attempt failed", "attempt", attempt+1, "err", err)
	}
	return outcome{err: last, eventType: analytics.EventError, attempts: attempts}
}

// attempt runs one Process call, through the tool's circuit breaker when
// one is configured.
func (rt *Runtime) attempt(ctx context.Context, t tool.Tool, inv invocation) (any, error) {
	if rt.breakers == nil {
		return rt.process(ctx, t, inv)
	}
	var result any
	err := rt.breakers.Get(inv.tool).Execute(func() error {
		var err error
		result, err = rt.process(ctx, t, inv)
		if err != nil && ctx.Err() != nil {
			// The caller's deadline or cancellation ended the call.
			return resilience.Neutral(err)
		}
		return err
	})
	return result, err
}

// process runs Process on a helper goroutine so that a tool ignoring ctx
// cannot hold the caller past its deadline. A panic becomes INTERNAL_ERROR.
func (rt *Runtime) process(ctx context.Context, t tool.Tool, inv invocation) (any, error) {
	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				inv.log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
				done <- result{err: toolerr.NewInternal(inv.tool, fmt.Errorf("panic: %v", r))}
			}
		}()
		v, err := t.Process(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) deadlineError(inv invocation, err error) *toolerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return toolerr.NewTimeout(inv.tool, inv.timeout,
			fmt.Sprintf("tool %q did not finish before its deadline", inv.tool))
	}
	return toolerr.Classify(inv.tool, err)
}

func (rt *Runtime) circuitOpenError(inv invocation) *toolerr.Error {
	e := toolerr.NewAPI(inv.tool, inv.tool, 503,
		fmt.Sprintf("circuit breaker for %q is open", inv.tool))
	e.Details["circuit"] = "open"
	if wait := rt.breakers.Get(inv.tool).RetryAfter(); wait > 0 {
		e.RetryAfter = &wait
	}
	return e
}

// finish records the terminal analytics event and builds the response.
func (rt *Runtime) finish(ctx context.Context, inv invocation, out outcome) Response {
	end := rt.now()
	elapsed := max(end.Sub(inv.start), 0)
	ctx = context.WithoutCancel(ctx)

	ev := analytics.Event{
		ToolName:   inv.tool,
		EventType:  out.eventType,
		Timestamp:  end,
		Success:    out.err == nil,
		Metadata:   inv.eventMetadata(out.mock, out.attempts),
	}
	if out.eventType != analytics.EventRateLimited {
		ev.DurationMs = analytics.Duration(elapsed)
	}
	if out.err != nil {
		ev.ErrorCode = out.err.Code()
	}
	rt.record(ctx, ev)

	status := string(out.eventType)
	if rt.metrics != nil {
		rt.metrics.RecordInvocation(ctx, inv.tool, status, ev.ErrorCode, elapsed.Seconds())
	}

	if out.err != nil {
		te := out.err.WithTool(inv.tool).WithRequestID(inv.requestID)
		level := slog.LevelWarn
		if te.Kind == toolerr.KindInternal {
			level = slog.LevelError
		}
		inv.log.Log(ctx, level, "tool invocation failed",
			"code", te.Code(),
			"attempts", out.attempts,
			"duration", elapsed,
			"err", te)
		r := te.ToResponse()
		return Response{Success: false, Error: &r}
	}

	inv.log.Info("tool invocation succeeded",
		"mock", out.mock,
		"attempts", out.attempts,
		"duration", elapsed)
	return Response{
		Success: true,
		Result:  out.result,
		Metadata: Metadata{
			RequestID:       inv.requestID,
			Tool:            inv.tool,
			Category:        inv.category,
			Mock:            out.mock,
			Attempts:        out.attempts,
			ExecutionTimeMs: float64(elapsed) / float64(time.Millisecond),
			Timestamp:       end.UTC().Format(time.RFC3339Nano),
		},
	}
}

func loggerFor(ctx context.Context, inv invocation) *slog.Logger {
	return observe.Logger(ctx).With("tool", inv.tool, "request_id", inv.requestID)
}

func (rt *Runtime) record(ctx context.Context, e analytics.Event) {
	if rt.recorder != nil {
		rt.recorder.Record(ctx, e)
	}
}

func (inv invocation) eventMetadata(mock bool, attempts int) map[string]any {
	return map[string]any{
		"request_id": inv.requestID,
		"subject":    inv.subject,
		"category":   inv.category,
		"mock":       mock,
		"attempts":   attempts,
	}
}

// guard calls fn, converting a panic into an INTERNAL_ERROR.
func guard(toolName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", toolName, "panic", r, "stack", string(debug.Stack()))
			err = toolerr.NewInternal(toolName, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

// asValidation classifies a ValidateParameters failure. Errors that already
// carry a kind keep it; anything else is a validation error.
func asValidation(toolName string, err error) *toolerr.Error {
	var te *toolerr.Error
	if errors.As(err, &te) {
		return toolerr.Classify(toolName, te)
	}
	return toolerr.NewValidation(toolName, "", err.Error())
}
