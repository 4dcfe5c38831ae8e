package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

const lockAttempts = 5

// SetLock sets or clears (until == nil) the administrative lock on an
// occupied cell without bumping its version. It reports false when the cell
// is empty. A concurrent commit to the cell forces a retry of the update.
func (s *Store) SetLock(ctx context.Context, x, y int, until *time.Time) (canvas.Pixel, bool, error) {
	if s == nil || s.rdb == nil {
		return canvas.Pixel{}, false, ErrNotConfigured
	}
	field := canvas.CellKey(x, y)
	var (
		pixel canvas.Pixel
		found bool
	)
	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.pixelsKey(), field).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if pixel, err = DecodePixel(raw); err != nil {
			return err
		}
		found = true
		pixel.LockUntil = nil
		if until != nil {
			t := until.UTC()
			pixel.LockUntil = &t
		}
		encoded, err := encodePixel(pixel)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.pixelsKey(), field, encoded)
			return nil
		})
		return err
	}
	for i := 0; i < lockAttempts; i++ {
		err := s.rdb.Watch(ctx, update, s.pixelsKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return canvas.Pixel{}, false, fmt.Errorf("set lock: %w", err)
		}
		return pixel, found, nil
	}
	return canvas.Pixel{}, false, fmt.Errorf("set lock: cell %s kept changing", field)
}
