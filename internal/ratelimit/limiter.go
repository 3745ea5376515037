// Package ratelimit implements per-subject token-bucket admission control.
//
// Buckets are keyed by (subject, limit type) and created lazily at full
// capacity on first use. Each bucket wraps a [rate.Limiter] driven by the
// limiter's clock, so refill is continuous (capped at capacity) and needs no
// background ticker.
//
// Capacities and costs may be fractional. Buckets count in milli-tokens
// internally because [rate.Limiter] debits whole events.
//
// The bucket map is bounded by an LRU cache; an evicted bucket is recreated at
// full capacity on its next check.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// Defaults applied by [New].
const (
	DefaultMaxBuckets = 10_000
	DefaultCapacity   = 60
	DefaultPeriod     = time.Minute
)

// tokenScale is the number of internal units per token.
const tokenScale = 1000

// maxCapacity keeps the scaled burst within an int.
const maxCapacity = 1e12

// Limit is a bucket template: Capacity tokens replenished evenly over Period.
type Limit struct {
	Capacity float64
	Period   time.Duration
}

// Rate returns the refill rate in tokens per second.
func (l Limit) Rate() float64 {
	if l.Period <= 0 {
		return 0
	}
	return l.Capacity / l.Period.Seconds()
}

// Validate reports whether the template is usable.
func (l Limit) Validate() error {
	if !(l.Capacity > 0) || l.Capacity > maxCapacity {
		return fmt.Errorf("capacity must be a positive number up to %g, got %v", maxCapacity, l.Capacity)
	}
	if l.Period <= 0 {
		return fmt.Errorf("period must be positive, got %v", l.Period)
	}
	return nil
}

func (l Limit) limit() rate.Limit { return rate.Limit(l.Rate() * tokenScale) }
func (l Limit) burst() int        { return units(l.Capacity) }

func units(tokens float64) int { return int(math.Round(tokens * tokenScale)) }

type key struct {
	subject   string
	limitType string
}

// bucket pairs a rate.Limiter with the template it was last synced to.
type bucket struct {
	mu  sync.Mutex
	lim Limit
	rl  *rate.Limiter
}

func newBucket(lim Limit) *bucket {
	return &bucket{lim: lim, rl: rate.NewLimiter(lim.limit(), lim.burst())}
}

// sync applies a changed template. Tokens accrued so far are kept and capped
// at the new capacity on the next read. Must be called with b.mu held.
func (b *bucket) sync(now time.Time, lim Limit) {
	if b.lim == lim {
		return
	}
	b.rl.SetLimitAt(now, lim.limit())
	b.rl.SetBurstAt(now, lim.burst())
	b.lim = lim
}

// tokens reports the available tokens at now. Must be called with b.mu held.
func (b *bucket) tokens(now time.Time) float64 {
	return max(0, b.rl.TokensAt(now)) / tokenScale
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock replaces time.Now as the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithDefaultLimit sets the template used for limit types that have none.
func WithDefaultLimit(lim Limit) Option {
	return func(l *Limiter) { l.fallback = lim }
}

// WithMaxBuckets bounds the number of live buckets.
func WithMaxBuckets(n int) Option {
	return func(l *Limiter) { l.maxBuckets = n }
}

// Limiter is a set of token buckets. It is safe for concurrent use.
type Limiter struct {
	now        func() time.Time
	fallback   Limit
	maxBuckets int

	tmplMu    sync.RWMutex
	templates map[string]Limit

	// bucketMu serialises get-or-create so two first checks for the same key
	// share one bucket. It is never held while a bucket lock is taken.
	bucketMu sync.Mutex
	buckets  *lru.Cache[key, *bucket]
}

// New returns a [Limiter] with no templates configured.
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		now:        time.Now,
		fallback:   Limit{Capacity: DefaultCapacity, Period: DefaultPeriod},
		maxBuckets: DefaultMaxBuckets,
		templates:  make(map[string]Limit),
	}
	for _, o := range opts {
		o(l)
	}
	if err := l.fallback.Validate(); err != nil {
		return nil, fmt.Errorf("ratelimit: default limit: %w", err)
	}
	cache, err := lru.New[key, *bucket](l.maxBuckets)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: create bucket cache: %w", err)
	}
	l.buckets = cache
	return l, nil
}

// SetLimit configures or overwrites the template for limitType. Existing
// buckets keep their token count and pick up the new template on their next
// access.
func (l *Limiter) SetLimit(limitType string, capacity float64, period time.Duration) error {
	lim := Limit{Capacity: capacity, Period: period}
	if err := lim.Validate(); err != nil {
		return toolerr.NewConfiguration("", "rate_limits."+limitType, err.Error())
	}
	l.tmplMu.Lock()
	l.templates[limitType] = lim
	l.tmplMu.Unlock()
	return nil
}

// SetDefaultLimit replaces the template used for limit types that have none.
func (l *Limiter) SetDefaultLimit(capacity float64, period time.Duration) error {
	lim := Limit{Capacity: capacity, Period: period}
	if err := lim.Validate(); err != nil {
		return toolerr.NewConfiguration("", "rate_limits.default", err.Error())
	}
	l.tmplMu.Lock()
	l.fallback = lim
	l.tmplMu.Unlock()
	return nil
}

// RemoveLimit drops the template for limitType so that it falls back to the
// default template.
func (l *Limiter) RemoveLimit(limitType string) {
	l.tmplMu.Lock()
	delete(l.templates, limitType)
	l.tmplMu.Unlock()
}

// Limits returns a copy of the configured templates.
func (l *Limiter) Limits() map[string]Limit {
	l.tmplMu.RLock()
	defer l.tmplMu.RUnlock()
	out := make(map[string]Limit, len(l.templates))
	for k, v := range l.templates {
		out[k] = v
	}
	return out
}

func (l *Limiter) limitFor(limitType string) Limit {
	l.tmplMu.RLock()
	defer l.tmplMu.RUnlock()
	if lim, ok := l.templates[limitType]; ok {
		return lim
	}
	return l.fallback
}

func (l *Limiter) bucketFor(k key, lim Limit) *bucket {
	l.bucketMu.Lock()
	defer l.bucketMu.Unlock()
	if b, ok := l.buckets.Get(k); ok {
		return b
	}
	b := newBucket(lim)
	l.buckets.Add(k, b)
	return b
}

// Check refills the (subject, limitType) bucket and debits cost tokens,
// returning the tokens left.
//
// Insufficient tokens yield a [toolerr.KindRateLimit] error whose RetryAfter is
// the time needed to accumulate the shortfall; the bucket is not debited. A
// negative cost or one larger than the bucket capacity can never succeed and
// yields a [toolerr.KindConfiguration] error instead.
func (l *Limiter) Check(subject, limitType string, cost float64) (float64, error) {
	lim := l.limitFor(limitType)
	if cost < 0 || math.IsNaN(cost) {
		return 0, toolerr.NewConfiguration("", "cost",
			fmt.Sprintf("rate limit cost must be non-negative, got %v", cost))
	}
	if cost > lim.Capacity {
		return 0, toolerr.NewConfiguration("", "rate_limits."+limitType,
			fmt.Sprintf("cost %v exceeds bucket capacity %v for limit type %q", cost, lim.Capacity, limitType))
	}

	now := l.now()
	b := l.bucketFor(key{subject, limitType}, lim)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.sync(now, lim)
	n := units(cost)
	if b.rl.AllowN(now, n) {
		return b.tokens(now), nil
	}

	left := b.tokens(now)
	shortfall := float64(n) - max(0, b.rl.TokensAt(now))
	wait := time.Duration(math.Ceil(shortfall / float64(lim.limit()) * float64(time.Second)))
	e := toolerr.NewRateLimitExact("", wait,
		fmt.Sprintf("rate limit exceeded for %q, retry in %.2fs", limitType, wait.Seconds()))
	e.Details["limit_type"] = limitType
	e.Details["remaining"] = left
	e.Details["cost"] = cost
	return left, e
}

// Remaining reports the tokens currently available in the (subject, limitType)
// bucket without debiting. A bucket that does not exist yet reports full
// capacity and is not created.
func (l *Limiter) Remaining(subject, limitType string) float64 {
	lim := l.limitFor(limitType)

	l.bucketMu.Lock()
	b, ok := l.buckets.Peek(key{subject, limitType})
	l.bucketMu.Unlock()
	if !ok {
		return lim.Capacity
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync(now, lim)
	return b.tokens(now)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
