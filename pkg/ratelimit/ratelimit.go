// Package ratelimit implements fixed-window request limiting over a pluggable
// counter store. The Redis store shares counters across processes; the memory
// store is per process.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("ratelimit: limit and window must be positive")

// Config is loaded from the environment.
type Config struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	Prefix   string        `env:"RATE_LIMIT_PREFIX" envDefault:"mediagate:ratelimit:"`
}

// Store increments a counter that lives for one window.
type Store interface {
	// Incr adds one to key and returns the new count and the time left in the window.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Result describes the outcome of one check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is zero for allowed requests.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	return max(r.ResetAt.Sub(now), time.Second)
}

// Limiter allows Requests per Window for each key.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewLimiter validates cfg and builds a limiter.
func NewLimiter(store Store, cfg Config) (*Limiter, error) {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil, ErrInvalidConfig
	}
	return &Limiter{store: store, limit: cfg.Requests, window: cfg.Window, prefix: cfg.Prefix, now: time.Now}, nil
}

// Allow records one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	count, ttl, err := l.store.Incr(ctx, l.prefix+key, l.window)
	if err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: max(l.limit-int(count), 0),
		ResetAt:   l.now().Add(ttl),
	}, nil
}
