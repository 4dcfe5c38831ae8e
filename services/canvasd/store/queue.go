package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

// Kind partitions the persistence queue by entity.
type Kind string

const (
	KindPixels Kind = "pixels"
	KindUsers  Kind = "users"
	KindBans   Kind = "bans"
)

// Kinds lists every queue partition.
func Kinds() []Kind {
	return []Kind{KindUsers, KindPixels, KindBans}
}

// Peek returns up to n serialized items starting at offset without removing
// them. Items are removed explicitly with Remove once durably written.
func (s *Store) Peek(ctx context.Context, kind Kind, offset, n int64) ([]string, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrNotConfigured
	}
	if n <= 0 {
		return nil, nil
	}
	items, err := s.rdb.LRange(ctx, s.queueKey(kind), offset, offset+n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s queue: %w", kind, err)
	}
	return items, nil
}

// Remove deletes one occurrence of each serialized item, keyed by its exact
// original form.
func (s *Store) Remove(ctx context.Context, kind Kind, raws []string) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, ErrNotConfigured
	}
	if len(raws) == 0 {
		return 0, nil
	}
	key := s.queueKey(kind)
	cmds, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range raws {
			pipe.LRem(ctx, key, 1, raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove from %s queue: %w", kind, err)
	}
	var removed int64
	for _, cmd := range cmds {
		if c, ok := cmd.(*redis.IntCmd); ok {
			removed += c.Val()
		}
	}
	return removed, nil
}

// Len reports the queue depth for kind.
func (s *Store) Len(ctx context.Context, kind Kind) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, ErrNotConfigured
	}
	return s.rdb.LLen(ctx, s.queueKey(kind)).Result()
}

// EnqueuePixels appends pixels to the pixel persistence queue.
func (s *Store) EnqueuePixels(ctx context.Context, pixels []canvas.Pixel) error {
	raws := make([]any, 0, len(pixels))
	for _, p := range pixels {
		raw, err := encodePixel(p)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	return s.push(ctx, KindPixels, raws)
}

// EnqueueBans appends ban records to the ban persistence queue.
func (s *Store) EnqueueBans(ctx context.Context, bans []canvas.Ban) error {
	raws := make([]any, 0, len(bans))
	for _, b := range bans {
		raw, err := encodeBan(b)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	return s.push(ctx, KindBans, raws)
}

// EnqueueRaw appends already-serialized items. Used by operators replaying
// exported payloads and by tests exercising schema filtering.
func (s *Store) EnqueueRaw(ctx context.Context, kind Kind, raws ...string) error {
	values := make([]any, 0, len(raws))
	for _, raw := range raws {
		values = append(values, raw)
	}
	return s.push(ctx, kind, values)
}

func (s *Store) push(ctx context.Context, kind Kind, values []any) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.rdb.RPush(ctx, s.queueKey(kind), values...).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}
