package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

// Profile returns the cached user profile for address.
func (s *Store) Profile(ctx context.Context, address string) (canvas.UserProfile, bool, error) {
	if s == nil || s.rdb == nil {
		return canvas.UserProfile{}, false, ErrNotConfigured
	}
	raw, err := s.rdb.HGet(ctx, s.usersKey(), address).Result()
	if errors.Is(err, redis.Nil) {
		return canvas.UserProfile{}, false, nil
	}
	if err != nil {
		return canvas.UserProfile{}, false, fmt.Errorf("load profile: %w", err)
	}
	profile, err := decodeProfile(raw)
	if err != nil {
		return canvas.UserProfile{}, false, err
	}
	return profile, true, nil
}

// SaveProfile caches profile and, when enqueue is set, queues it for a ledger
// upsert within the same transaction.
func (s *Store) SaveProfile(ctx context.Context, profile canvas.UserProfile, enqueue bool) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	raw, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.usersKey(), profile.WalletAddress, raw)
		if enqueue {
			pipe.RPush(ctx, s.queueKey(KindUsers), raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// CachedBalance returns the fresh balance cached for address, if any.
func (s *Store) CachedBalance(ctx context.Context, address string) (int64, bool, error) {
	if s == nil || s.rdb == nil {
		return 0, false, ErrNotConfigured
	}
	raw, err := s.rdb.Get(ctx, s.balanceKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cached balance: %w", err)
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return balance, true, nil
}

// CacheBalance stores a freshly fetched balance for ttl.
func (s *Store) CacheBalance(ctx context.Context, address string, balance int64, ttl time.Duration) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	if err := s.rdb.Set(ctx, s.balanceKey(address), balance, ttl).Err(); err != nil {
		return fmt.Errorf("cache balance: %w", err)
	}
	return nil
}

// InvalidateBalance marks the cached balance for address as stale.
func (s *Store) InvalidateBalance(ctx context.Context, address string) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	return s.rdb.Del(ctx, s.balanceKey(address)).Err()
}
