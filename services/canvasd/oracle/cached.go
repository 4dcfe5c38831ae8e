// Package oracle resolves token balances for wallet addresses. Lookups go
// through a short-TTL cache held in the canvas store; when the upstream is
// unreachable the last balance ever observed for the wallet is served instead.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tokencanvas/observability/metrics"
	"tokencanvas/services/canvasd/canvas"
)

// Oracle returns the current balance of address in whole tokens.
type Oracle interface {
	Balance(ctx context.Context, address string) (int64, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, address string) (int64, error)

// Balance calls f.
func (f Func) Balance(ctx context.Context, address string) (int64, error) {
	if f == nil {
		return 0, nil
	}
	return f(ctx, address)
}

// Cache is the balance and profile state the cached oracle keeps in the store.
type Cache interface {
	CachedBalance(ctx context.Context, address string) (int64, bool, error)
	CacheBalance(ctx context.Context, address string, balance int64, ttl time.Duration) error
	Profile(ctx context.Context, address string) (canvas.UserProfile, bool, error)
	SaveProfile(ctx context.Context, profile canvas.UserProfile, enqueue bool) error
}

// Source labels where a resolved balance came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Lookup is a resolved balance.
type Lookup struct {
	Balance int64
	Source  Source
}

// Cached layers the TTL cache and last-known fallback over an upstream Oracle.
type Cached struct {
	upstream Oracle
	cache    Cache
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.CanvasMetrics
}

// Option configures Cached.
type Option func(*Cached)

// WithTTL overrides the cache lifetime of a fresh lookup.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cached) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithTimeout bounds each upstream call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Cached) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithClock injects the time source used to stamp profile updates.
func WithClock(now func() time.Time) Option {
	return func(c *Cached) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cached) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records lookups by source.
func WithMetrics(m *metrics.CanvasMetrics) Option {
	return func(c *Cached) {
		c.metrics = m
	}
}

// NewCached constructs the cached oracle.
func NewCached(upstream Oracle, cache Cache, opts ...Option) (*Cached, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream oracle required")
	}
	if cache == nil {
		return nil, fmt.Errorf("balance cache required")
	}
	c := &Cached{
		upstream: upstream,
		cache:    cache,
		ttl:      30 * time.Second,
		timeout:  5 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Balance resolves the balance of address. Unless refresh is set a cached
// value younger than the TTL is returned as-is. Upstream failures degrade to
// the last known balance; with nothing known the error wraps
// canvas.ErrUpstreamUnavailable.
func (c *Cached) Balance(ctx context.Context, address string, refresh bool) (Lookup, error) {
	if !refresh {
		balance, ok, err := c.cache.CachedBalance(ctx, address)
		if err != nil {
			c.logger.Warn("balance cache read failed", "component", "oracle", "error", err)
		} else if ok {
			c.metrics.ObserveBalanceLookup(string(SourceCache))
			return Lookup{Balance: balance, Source: SourceCache}, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	balance, err := c.upstream.Balance(callCtx, address)
	cancel()
	if err != nil {
		return c.fallback(ctx, address, err)
	}

	if err := c.cache.CacheBalance(ctx, address, balance, c.ttl); err != nil {
		c.logger.Warn("balance cache write failed", "component", "oracle", "error", err)
	}
	c.recordProfile(ctx, address, balance)
	c.metrics.ObserveBalanceLookup(string(SourceOracle))
	return Lookup{Balance: balance, Source: SourceOracle}, nil
}

func (c *Cached) fallback(ctx context.Context, address string, cause error) (Lookup, error) {
	profile, ok, err := c.cache.Profile(ctx, address)
	if err == nil && ok && profile.TokenBalance != nil {
		c.logger.Warn("balance oracle unavailable, serving last known balance", "component", "oracle", "error", cause)
		c.metrics.ObserveBalanceLookup(string(SourceFallback))
		return Lookup{Balance: *profile.TokenBalance, Source: SourceFallback}, nil
	}
	c.metrics.ObserveBalanceLookup("error")
	return Lookup{}, fmt.Errorf("%w: %w", canvas.ErrUpstreamUnavailable, errors.Join(cause, err))
}

// recordProfile refreshes the cached profile and queues a ledger upsert when
// the balance moved since the last observation.
func (c *Cached) recordProfile(ctx context.Context, address string, balance int64) {
	profile, ok, err := c.cache.Profile(ctx, address)
	if err != nil {
		c.logger.Warn("profile cache read failed", "component", "oracle", "error", err)
		return
	}
	if ok && profile.TokenBalance != nil && *profile.TokenBalance == balance {
		return
	}
	if !ok {
		profile = canvas.UserProfile{WalletAddress: address}
	}
	profile.TokenBalance = &balance
	profile.UpdatedAt = c.now().UTC()
	if err := c.cache.SaveProfile(ctx, profile, true); err != nil {
		c.logger.Warn("profile cache write failed", "component", "oracle", "error", err)
	}
}
