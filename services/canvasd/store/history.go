package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

// RecentHistory returns up to limit entries, newest first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]canvas.HistoryEntry, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		return nil, nil
	}
	raws, err := s.rdb.ZRevRange(ctx, s.historyKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return decodeEntries(raws)
}

// HistoryBetween returns entries placed in [from, to], oldest first.
func (s *Store) HistoryBetween(ctx context.Context, from, to time.Time) ([]canvas.HistoryEntry, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrNotConfigured
	}
	raws, err := s.rdb.ZRangeByScore(ctx, s.historyKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history window: %w", err)
	}
	return decodeEntries(raws)
}

// HistoryLen reports the number of entries in the feed.
func (s *Store) HistoryLen(ctx context.Context) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, ErrNotConfigured
	}
	return s.rdb.ZCard(ctx, s.historyKey()).Result()
}

func decodeEntries(raws []string) ([]canvas.HistoryEntry, error) {
	out := make([]canvas.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
