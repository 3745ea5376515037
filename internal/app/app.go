// Package app wires the toolrun subsystems into a running server.
//
// The App owns the full lifecycle: New builds the limiter, analytics
// pipeline, tool registry, runtime and HTTP surfaces from a [config.Config];
// Run serves HTTP until the context is cancelled; Shutdown drains in-flight
// requests and closes the analytics backend.
//
// For testing, inject doubles via functional options (WithBackend,
// WithToolRegistry, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/toolrun/internal/analytics"
	"github.com/MrWong99/toolrun/internal/api"
	"github.com/MrWong99/toolrun/internal/config"
	"github.com/MrWong99/toolrun/internal/health"
	"github.com/MrWong99/toolrun/internal/mcp"
	"github.com/MrWong99/toolrun/internal/observe"
	"github.com/MrWong99/toolrun/internal/ratelimit"
	"github.com/MrWong99/toolrun/internal/resilience"
	"github.com/MrWong99/toolrun/internal/runtime"
	"github.com/MrWong99/toolrun/internal/tools/diceroller"
	"github.com/MrWong99/toolrun/internal/tools/fileio"
	"github.com/MrWong99/toolrun/internal/tools/httpfetch"
	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	// mu guards cfg and server, which the config watcher and Shutdown touch
	// from other goroutines.
	mu      sync.RWMutex
	cfg     *config.Config
	version string

	backends   *config.Registry
	backend    analytics.Backend
	registry   *tool.Registry
	limiter    *ratelimit.Limiter
	pipeline   *analytics.Pipeline
	breakers   *resilience.Set
	runtime    *runtime.Runtime
	metrics    *observe.Metrics
	health     *health.Handler
	mcp        *mcp.Server
	api        *api.Server
	httpClient *http.Client
	scrape     http.Handler
	logLevel   *slog.LevelVar

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithBackend injects an analytics backend instead of creating one from
// config. Shutdown closes it along with the pipeline.
func WithBackend(b analytics.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithBackendRegistry replaces [config.DefaultRegistry] for backend creation.
func WithBackendRegistry(r *config.Registry) Option {
	return func(a *App) { a.backends = r }
}

// WithToolRegistry supplies a registry that may already hold custom tools.
// Built-in tools are added to it unless disabled in config.
func WithToolRegistry(r *tool.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics reports to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reloads adjust the level of the caller's handler.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithHTTPClient sets the client used by the http_fetch tool.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithScrapeHandler replaces the /metrics handler.
func WithScrapeHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.backends == nil {
		a.backends = config.DefaultRegistry()
	}
	if a.registry == nil {
		a.registry = tool.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Level())
	}

	if err := a.initLimiter(); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}
	if err := a.initAnalytics(ctx); err != nil {
		return nil, fmt.Errorf("app: init analytics: %w", err)
	}
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initRuntime()
	a.initHTTP()

	return a, nil
}

// initLimiter builds the limiter from the configured templates. The
// "default" template also serves limit types without their own entry.
func (a *App) initLimiter() error {
	l, err := ratelimit.New()
	if err != nil {
		return err
	}
	for limitType, rl := range a.cfg.RateLimits {
		if err := l.SetLimit(limitType, rl.Capacity, rl.Period); err != nil {
			return err
		}
	}
	if def, ok := a.cfg.RateLimits[config.DefaultLimitType]; ok {
		if err := l.SetDefaultLimit(def.Capacity, def.Period); err != nil {
			return err
		}
	}
	a.limiter = l
	return nil
}

// initAnalytics creates the configured backend, or adopts the injected one,
// and fronts it with a pipeline.
func (a *App) initAnalytics(ctx context.Context) error {
	acfg := a.cfg.Analytics
	name := acfg.Backend
	if a.backend == nil {
		b, err := a.backends.CreateBackend(ctx, acfg)
		if err != nil {
			return err
		}
		a.backend = b
	} else {
		name = "injected"
	}

	a.pipeline = analytics.NewPipeline(a.backend, acfg.IsEnabled(),
		analytics.WithMetrics(a.metrics),
		analytics.WithBackendName(name),
	)
	a.closers = append(a.closers, a.pipeline.Close)

	slog.Info("analytics configured", "backend", name, "enabled", acfg.IsEnabled())
	return nil
}

// initTools registers the built-in tools that are not disabled.
func (a *App) initTools() error {
	tcfg := a.cfg.Tools

	store, err := fileio.NewStore(tcfg.FileRoot)
	if err != nil {
		return err
	}
	fetcher := httpfetch.New(httpfetch.Config{
		AllowedHosts: tcfg.HTTPFetch.AllowedHosts,
		Timeout:      tcfg.HTTPFetch.Timeout,
		MaxBodyBytes: tcfg.HTTPFetch.MaxBodyBytes,
		Client:       a.httpClient,
	})

	specs := slices.Concat(diceroller.Specs(), store.Specs(), []tool.Spec{fetcher.Spec()})
	known := make(map[string]bool, len(specs))
	for _, sp := range specs {
		known[sp.Name] = true
		if slices.Contains(tcfg.Disabled, sp.Name) {
			slog.Info("built-in tool disabled", "tool", sp.Name)
			continue
		}
		if _, exists := a.registry.Lookup(sp.Name); exists {
			slog.Debug("built-in tool shadowed by custom registration", "tool", sp.Name)
			continue
		}
		if err := a.registry.Register(sp); err != nil {
			return err
		}
	}
	for _, name := range tcfg.Disabled {
		if !known[name] {
			slog.Warn("tools.disabled names an unknown built-in tool", "tool", name)
		}
	}
	slog.Info("tools registered", "count", len(a.registry.List()), "file_root", store.Dir())
	return nil
}

// initRuntime builds the invocation runtime with the optional circuit
// breaker. Only retryable failures count against a breaker.
func (a *App) initRuntime() {
	rc := a.cfg.Runtime
	opts := []runtime.Option{runtime.WithMetrics(a.metrics)}
	if cb := rc.CircuitBreaker; cb != nil {
		a.breakers = resilience.NewSet(resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			IsFailure: func(err error) bool {
				return toolerr.Classify("", err).Retryable()
			},
		})
		opts = append(opts, runtime.WithCircuitBreaker(a.breakers))
	}

	a.runtime = runtime.New(runtime.Config{
		MockMode:          rc.MockMode,
		MaxRetries:        rc.Retries(),
		BaseDelay:         rc.BaseDelay,
		MaxDelay:          rc.MaxDelay,
		DefaultTimeout:    rc.DefaultTimeout,
		RecordStartEvents: rc.RecordStartEvents,
	}, a.limiter, a.pipeline, opts...)
}

// initHTTP assembles health checks, the MCP server and the API routes.
func (a *App) initHTTP() {
	var checkers []health.Checker
	if p, ok := a.backend.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("analytics", p))
	}
	a.health = health.New(checkers...)

	apiOpts := []api.Option{
		api.WithHealth(a.health),
		api.WithMetrics(a.metrics),
	}
	if a.breakers != nil {
		apiOpts = append(apiOpts, api.WithCircuitBreakers(a.breakers))
	}
	if a.scrape != nil {
		apiOpts = append(apiOpts, api.WithScrapeHandler(a.scrape))
	}
	if a.cfg.MCP.IsEnabled() {
		a.mcp = mcp.New(a.runtime, a.registry, mcp.WithVersion(a.version))
		apiOpts = append(apiOpts, api.WithMCP(a.mcp.Handler()))
	}
	a.api = api.New(a.runtime, a.registry, a.pipeline, apiOpts...)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Runtime returns the invocation runtime.
func (a *App) Runtime() *runtime.Runtime { return a.runtime }

// Registry returns the tool registry.
func (a *App) Registry() *tool.Registry { return a.registry }

// Limiter returns the rate limiter.
func (a *App) Limiter() *ratelimit.Limiter { return a.limiter }

// Pipeline returns the analytics pipeline.
func (a *App) Pipeline() *analytics.Pipeline { return a.pipeline }

// MCP returns the MCP server, or nil when it is disabled.
func (a *App) MCP() *mcp.Server { return a.mcp }

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	addr := a.Config().Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but uses an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.Config()
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("toolrun listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil,
		"mcp", a.mcp != nil, "mock_mode", cfg.Runtime.MockMode)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable subset of a changed configuration:
// the log level and rate-limit templates. Other changes are logged as
// requiring a restart. It is meant as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	for _, c := range d.RateLimitChanges {
		switch {
		case c.Removed && c.Type == config.DefaultLimitType:
			// ApplyDefaults always restores the default template.
		case c.Removed:
			a.limiter.RemoveLimit(c.Type)
			slog.Info("rate limit removed", "limit_type", c.Type)
		default:
			if err := a.limiter.SetLimit(c.Type, c.New.Capacity, c.New.Period); err != nil {
				slog.Warn("rate limit change rejected", "limit_type", c.Type, "err", err)
				continue
			}
			if c.Type == config.DefaultLimitType {
				_ = a.limiter.SetDefaultLimit(c.New.Capacity, c.New.Period)
			}
			slog.Info("rate limit updated", "limit_type", c.Type, "old", c.Old, "new", c.New)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Shutdown marks the server as draining, stops accepting requests, waits for
// in-flight ones and then runs the closers in order. If ctx expires first the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()

		a.mu.RLock()
		srv := a.server
		a.mu.RUnlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
