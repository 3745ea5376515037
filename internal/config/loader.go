package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOOLRUN_"

// envRateLimitPrefix introduces per-type rate limit overrides, e.g.
// TOOLRUN_RATE_LIMIT_SEARCH=100/1m.
const envRateLimitPrefix = EnvPrefix + "RATE_LIMIT_"

// KnownBackends lists the analytics backends registered by [DefaultRegistry].
// Used by [Validate] to warn about unrecognised backend names.
var KnownBackends = []string{BackendMemory, BackendFile, BackendPostgres}

// Load reads the YAML configuration file at path, applies TOOLRUN_*
// environment overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

// FromEnv returns the default configuration with the overrides found in
// environ applied. It is used when no config file is given.
func FromEnv(environ []string) (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(r io.Reader, environ []string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with TOOLRUN_* variables from environ, given in
// "KEY=value" form as returned by [os.Environ]. Unknown TOOLRUN_* keys are
// ignored. It returns a joined error listing every malformed value.
func ApplyEnv(cfg *Config, environ []string) error {
	var errs []error
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if err := applyEnvVar(cfg, key, val); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func applyEnvVar(cfg *Config, key, val string) error {
	switch key {
	case EnvPrefix + "MOCK_MODE":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		cfg.Runtime.MockMode = b
	case EnvPrefix + "ANALYTICS_ENABLED":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		cfg.Analytics.Enabled = &b
	case EnvPrefix + "ANALYTICS_BACKEND":
		cfg.Analytics.Backend = strings.ToLower(strings.TrimSpace(val))
	case EnvPrefix + "ANALYTICS_DIR":
		cfg.Analytics.Dir = val
	case EnvPrefix + "ANALYTICS_POSTGRES_DSN":
		cfg.Analytics.PostgresDSN = val
	case EnvPrefix + "LOG_LEVEL":
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(val)))
	case EnvPrefix + "LISTEN_ADDR":
		cfg.Server.ListenAddr = val
	case EnvPrefix + "TRACE_EXPORTER":
		cfg.Telemetry.TraceExporter = strings.ToLower(strings.TrimSpace(val))
	case EnvPrefix + "OTLP_ENDPOINT":
		cfg.Telemetry.OTLPEndpoint = val
	default:
		limitType, ok := strings.CutPrefix(key, envRateLimitPrefix)
		if !ok {
			return nil
		}
		rl, err := ParseRateLimit(val)
		if err != nil {
			return err
		}
		if cfg.RateLimits == nil {
			cfg.RateLimits = make(map[string]RateLimitConfig)
		}
		cfg.RateLimits[strings.ToLower(limitType)] = rl
	}
	return nil
}

// ParseRateLimit parses "capacity/period", e.g. "100/1m" or "0.5/1s".
func ParseRateLimit(s string) (RateLimitConfig, error) {
	c, p, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return RateLimitConfig{}, fmt.Errorf("rate limit %q: want <capacity>/<period>", s)
	}
	capacity, err := strconv.ParseFloat(c, 64)
	if err != nil {
		return RateLimitConfig{}, fmt.Errorf("rate limit %q: capacity: %w", s, err)
	}
	period, err := time.ParseDuration(p)
	if err != nil {
		return RateLimitConfig{}, fmt.Errorf("rate limit %q: period: %w", s, err)
	}
	return RateLimitConfig{Capacity: capacity, Period: period}, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Runtime
	rt := cfg.Runtime
	if rt.MaxRetries != nil && *rt.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("runtime.max_retries %d must be >= 0", *rt.MaxRetries))
	}
	if rt.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("runtime.base_delay %s must be >= 0", rt.BaseDelay))
	}
	if rt.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("runtime.max_delay %s must be >= 0", rt.MaxDelay))
	}
	if rt.BaseDelay > 0 && rt.MaxDelay > 0 && rt.MaxDelay < rt.BaseDelay {
		errs = append(errs, fmt.Errorf("runtime.max_delay %s is shorter than runtime.base_delay %s", rt.MaxDelay, rt.BaseDelay))
	}
	if rt.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.default_timeout %s must be >= 0", rt.DefaultTimeout))
	}
	if cb := rt.CircuitBreaker; cb != nil {
		if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
			errs = append(errs, errors.New("runtime.circuit_breaker values must be >= 0"))
		}
	}

	// Rate limits, in a stable order so the joined error is deterministic.
	for _, name := range slices.Sorted(maps.Keys(cfg.RateLimits)) {
		rl := cfg.RateLimits[name]
		prefix := fmt.Sprintf("rate_limits.%s", name)
		if name == "" {
			errs = append(errs, errors.New("rate_limits: limit type name must not be empty"))
		}
		if !(rl.Capacity > 0) || math.IsInf(rl.Capacity, 0) {
			errs = append(errs, fmt.Errorf("%s.capacity %v must be a positive number", prefix, rl.Capacity))
		}
		if rl.Period <= 0 {
			errs = append(errs, fmt.Errorf("%s.period %s must be positive", prefix, rl.Period))
		}
	}

	// Analytics
	validateBackendName(cfg.Analytics.Backend)
	if cfg.Analytics.Backend == BackendPostgres && cfg.Analytics.PostgresDSN == "" {
		errs = append(errs, errors.New("analytics.postgres_dsn is required when analytics.backend is postgres"))
	}
	if cfg.Analytics.Backend == BackendFile && cfg.Analytics.Dir == "" {
		errs = append(errs, errors.New("analytics.dir is required when analytics.backend is file"))
	}

	// Tools
	if cfg.Tools.HTTPFetch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.http_fetch.timeout %s must be >= 0", cfg.Tools.HTTPFetch.Timeout))
	}
	if cfg.Tools.HTTPFetch.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("tools.http_fetch.max_body_bytes %d must be >= 0", cfg.Tools.HTTPFetch.MaxBodyBytes))
	}

	// Telemetry
	tel := cfg.Telemetry
	switch tel.TraceExporter {
	case "", TraceExporterNone, TraceExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter %q is invalid; valid values: none, otlp", tel.TraceExporter))
	}
	if tel.SampleRatio < 0 || tel.SampleRatio > 1 || math.IsNaN(tel.SampleRatio) {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within (0, 1]", tel.SampleRatio))
	}
	for i, b := range tel.InvocationBuckets {
		if !(b > 0) || (i > 0 && b <= tel.InvocationBuckets[i-1]) {
			errs = append(errs, errors.New("telemetry.invocation_buckets must be positive and strictly increasing"))
			break
		}
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not one of
// [KnownBackends]. Custom backends may still be registered at runtime.
func validateBackendName(name string) {
	if name == "" || slices.Contains(KnownBackends, name) {
		return
	}
	slog.Warn("unknown analytics backend; it must be registered before startup",
		"name", name,
		"known", KnownBackends,
	)
}
