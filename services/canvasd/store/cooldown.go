package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const minCooldownTTL = time.Second

// CheckAndConsume atomically tests whether address may place under cooldown
// and, when it may, records now as its last placement. retain bounds how long
// the timestamp is kept; it should cover the longest cooldown of any tier so
// that a tier change between placements is still measured from the real last
// placement.
func (s *Store) CheckAndConsume(ctx context.Context, address string, cooldown, retain time.Duration, now time.Time) (bool, time.Duration, error) {
	if s == nil || s.rdb == nil {
		return false, 0, ErrNotConfigured
	}
	if cooldown < 0 {
		cooldown = 0
	}
	if retain < cooldown {
		retain = cooldown
	}
	if retain < minCooldownTTL {
		retain = minCooldownTTL
	}
	reply, err := cooldownScript.Run(ctx, s.rdb, []string{s.cooldownKey(address)},
		now.UnixMilli(), cooldown.Milliseconds(), retain.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown check: %w", err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("cooldown check: unexpected reply %v", reply)
	}
	allowed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)
	return allowed == 1, time.Duration(remaining) * time.Millisecond, nil
}

// CooldownRemaining reports, without consuming anything, how long address
// must still wait under cooldown.
func (s *Store) CooldownRemaining(ctx context.Context, address string, cooldown time.Duration, now time.Time) (time.Duration, error) {
	if s == nil || s.rdb == nil {
		return 0, ErrNotConfigured
	}
	raw, err := s.rdb.Get(ctx, s.cooldownKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cooldown: %w", err)
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	elapsed := now.Sub(time.UnixMilli(last))
	if elapsed >= cooldown {
		return 0, nil
	}
	return cooldown - elapsed, nil
}
