// Package store is the fast-path canvas state held in Redis. Every
// multi-step mutation that must be indivisible (cell commit, cooldown
// check-and-set, lease release) runs as a server-side Lua script so that any
// number of stateless request handlers can share one store safely.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "canvas"

// ErrNotConfigured is returned by methods invoked on a nil store.
var ErrNotConfigured = errors.New("canvas store not configured")

// Store wraps the Redis keyspace backing the canvas.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Option customises a Store.
type Option func(*Store)

// WithPrefix namespaces every key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open dials Redis from a redis:// URL and verifies connectivity.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("redis url required")
	}
	parsed, err := redis.ParseURL(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, opts...), nil
}

// Client exposes the underlying Redis client for collaborators sharing the
// connection (the event publisher and hub).
func (s *Store) Client() redis.UniversalClient {
	if s == nil {
		return nil
	}
	return s.rdb
}

// Ping checks Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	return s.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) pixelsKey() string    { return s.key("pixels") }
func (s *Store) versionsKey() string  { return s.key("versions") }
func (s *Store) historyKey() string   { return s.key("history") }
func (s *Store) bansKey() string      { return s.key("bans") }
func (s *Store) banRecordKey() string { return s.key("ban_records") }
func (s *Store) usersKey() string     { return s.key("users") }
func (s *Store) leaseKey(name string) string {
	return s.key("lease", name)
}
func (s *Store) cooldownKey(address string) string {
	return s.key("cooldown", address)
}
func (s *Store) balanceKey(address string) string {
	return s.key("balance", address)
}
func (s *Store) queueKey(kind Kind) string {
	return s.key("queue", string(kind))
}
