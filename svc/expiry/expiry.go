// Package expiry decides whether a user's entitlement is still valid and
// revokes remote access once it is not.
//
// Revocation is suppressed per user by a short lived in-process guard. The
// guard is advisory: vendor adapters must tolerate a repeated disable.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/cache"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/settings"
)

// DefaultGuardTTL is how long a successful revocation suppresses repeats.
const DefaultGuardTTL = time.Hour

var ErrNoServer = errors.New("expiry: user has no media server")

// Store is what the engine reads.
type Store interface {
	settings.Reader
	ListExpiredUsers(ctx context.Context, now time.Time) ([]store.User, error)
}

type Recorder interface {
	Revocation(vendor, result string)
}

// Result is the outcome of one check.
type Result struct {
	Active            bool
	Revoked           bool
	RedirectToPayment bool
}

type Engine struct {
	store   Store
	media   media.Provider
	metrics Recorder
	log     *slog.Logger
	now     func() time.Time
	guard   *cache.TTLCache[uuid.UUID, struct{}]
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithMetrics(r Recorder) Option         { return func(e *Engine) { e.metrics = r } }

// WithGuard replaces the revocation guard.
func WithGuard(c *cache.TTLCache[uuid.UUID, struct{}]) Option {
	return func(e *Engine) { e.guard = c }
}

func New(s Store, provider media.Provider, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		media: provider,
		log:   log.With(logger.Component("expiry")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = cache.New[uuid.UUID, struct{}](4096, DefaultGuardTTL, cache.WithClock(e.now))
	}
	return e
}

// IsActive reports whether u is entitled at now. No expiry means forever.
func IsActive(u store.User, now time.Time) bool {
	return u.Expires == nil || u.Expires.UTC().After(now.UTC())
}

// Check evaluates u and revokes access when it lapsed. Revocation failures
// are logged and leave the guard unset so the next check retries.
func (e *Engine) Check(ctx context.Context, u store.User) (Result, error) {
	if IsActive(u, e.now()) {
		return Result{Active: true}, nil
	}

	var res Result
	if !e.guard.Has(u.ID) {
		res.Revoked = e.revoke(ctx, u)
	}

	snap, err := settings.Load(ctx, e.store, e.log)
	if err != nil {
		return res, err
	}
	res.RedirectToPayment = snap.HasPricing()
	return res, nil
}

func (e *Engine) revoke(ctx context.Context, u store.User) bool {
	return e.Revoke(ctx, u) == nil
}

// Revoke disables u on its media server regardless of entitlement and arms
// the guard. Failures are logged and returned.
func (e *Engine) Revoke(ctx context.Context, u store.User) error {
	if u.ServerID == nil {
		e.log.WarnContext(ctx, "cannot revoke user", logger.UserID(u.ID), logger.Error(ErrNoServer))
		return ErrNoServer
	}
	client, server, err := e.media.Client(ctx, *u.ServerID)
	if err != nil {
		e.log.ErrorContext(ctx, "media client unavailable", logger.UserID(u.ID), logger.ServerID(*u.ServerID), logger.Error(err))
		return err
	}
	vendor := string(server.Vendor)
	if err := client.DisableUser(ctx, media.RefFor(u)); err != nil {
		e.record(vendor, "failed")
		e.log.ErrorContext(ctx, "revoke access failed",
			logger.UserID(u.ID), logger.ServerID(server.ID), logger.Vendor(vendor), logger.Error(err))
		return err
	}
	e.guard.Set(u.ID, struct{}{})
	e.record(vendor, "ok")
	e.log.InfoContext(ctx, "access revoked", logger.UserID(u.ID), logger.ServerID(server.ID), logger.Vendor(vendor))
	return nil
}

// Clear forgets a revocation, typically after a payment re-enabled the user.
func (e *Engine) Clear(userID uuid.UUID) {
	e.guard.Delete(userID)
}

// Sweep checks every expired user once and returns how many were revoked.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	users, err := e.store.ListExpiredUsers(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return revoked, ctx.Err()
		}
		if e.guard.Has(u.ID) {
			continue
		}
		if e.revoke(ctx, u) {
			revoked++
		}
	}
	return revoked, nil
}

// Run sweeps on every tick until ctx is done. A non-positive interval
// returns immediately.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.ErrorContext(ctx, "expiry sweep failed", logger.Error(err))
				continue
			}
			if n > 0 {
				e.log.InfoContext(ctx, "expiry sweep revoked users", slog.Int("count", n))
			}
		}
	}
}

func (e *Engine) record(vendor, result string) {
	if e.metrics != nil {
		e.metrics.Revocation(vendor, result)
	}
}
