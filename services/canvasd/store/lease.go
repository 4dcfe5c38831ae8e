package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a held ProcessingLease. The TTL is the safety net: a crashed
// holder never blocks later runs beyond it.
type Lease struct {
	Name  string
	Token string
	TTL   time.Duration
}

// AcquireLease sets the named lease if absent. ok is false when another run
// holds it.
func (s *Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if s == nil || s.rdb == nil {
		return Lease{}, false, ErrNotConfigured
	}
	if ttl <= 0 {
		return Lease{}, false, fmt.Errorf("lease ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.leaseKey(name), token, ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{Name: name, Token: token, TTL: ttl}, true, nil
}

// ReleaseLease drops the lease if it is still owned by the caller.
func (s *Store) ReleaseLease(ctx context.Context, lease Lease) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, ErrNotConfigured
	}
	deleted, err := releaseScript.Run(ctx, s.rdb, []string{s.leaseKey(lease.Name)}, lease.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", lease.Name, err)
	}
	return deleted == 1, nil
}
