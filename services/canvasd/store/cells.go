package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

const scanCount = 500

// CommitResult describes the outcome of an atomic placement commit.
type CommitResult struct {
	Committed bool
	// Version is the new version on success, the stored version on conflict.
	Version int64
	// Current is the authoritative cell on conflict (nil when the cell is empty).
	Current *canvas.Pixel
	// QueueDepth is the pixel persistence queue length after a successful commit.
	QueueDepth int64
}

// Pixel loads the current state of a cell.
func (s *Store) Pixel(ctx context.Context, x, y int) (canvas.Pixel, bool, error) {
	if s == nil || s.rdb == nil {
		return canvas.Pixel{}, false, ErrNotConfigured
	}
	raw, err := s.rdb.HGet(ctx, s.pixelsKey(), canvas.CellKey(x, y)).Result()
	if errors.Is(err, redis.Nil) {
		return canvas.Pixel{}, false, nil
	}
	if err != nil {
		return canvas.Pixel{}, false, fmt.Errorf("load pixel: %w", err)
	}
	p, err := DecodePixel(raw)
	if err != nil {
		return canvas.Pixel{}, false, err
	}
	return p, true, nil
}

// Commit writes pixel as the successor of observed. pixel.Version must equal
// canvas.NextVersion(observed); the store refuses the write when the stored
// version differs from observed.
func (s *Store) Commit(ctx context.Context, pixel canvas.Pixel, observed int64) (CommitResult, error) {
	if s == nil || s.rdb == nil {
		return CommitResult{}, ErrNotConfigured
	}
	if pixel.Version != canvas.NextVersion(observed) {
		return CommitResult{}, fmt.Errorf("commit: pixel version %d does not follow observed %d", pixel.Version, observed)
	}
	pixelJSON, err := encodePixel(pixel)
	if err != nil {
		return CommitResult{}, err
	}
	entryJSON, err := encodeEntry(canvas.EntryFor(pixel))
	if err != nil {
		return CommitResult{}, err
	}
	keys := []string{
		s.versionsKey(),
		s.pixelsKey(),
		s.historyKey(),
		s.queueKey(KindPixels),
		s.balanceKey(pixel.WalletAddress),
	}
	reply, err := commitScript.Run(ctx, s.rdb, keys, pixel.Key(), observed, pixelJSON, historyScore(pixel), entryJSON).Slice()
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit pixel: %w", err)
	}
	if len(reply) != 3 {
		return CommitResult{}, fmt.Errorf("commit pixel: unexpected reply %v", reply)
	}
	ok, _ := reply[0].(int64)
	version, _ := reply[1].(int64)
	if ok == 1 {
		depth, _ := reply[2].(int64)
		return CommitResult{Committed: true, Version: version, QueueDepth: depth}, nil
	}
	result := CommitResult{Version: version}
	if raw, _ := reply[2].(string); raw != "" {
		current, err := DecodePixel(raw)
		if err != nil {
			return CommitResult{}, err
		}
		result.Current = &current
	}
	return result, nil
}

// ScanPixels streams every occupied cell in batches of at most scanCount.
func (s *Store) ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	var cursor uint64
	for {
		fields, next, err := s.rdb.HScan(ctx, s.pixelsKey(), cursor, "", scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan pixels: %w", err)
		}
		batch := make([]canvas.Pixel, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			p, err := DecodePixel(fields[i+1])
			if err != nil {
				return fmt.Errorf("cell %s: %w", fields[i], err)
			}
			batch = append(batch, p)
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Pixels returns every occupied cell.
func (s *Store) Pixels(ctx context.Context) ([]canvas.Pixel, error) {
	var out []canvas.Pixel
	err := s.ScanPixels(ctx, func(batch []canvas.Pixel) error {
		out = append(out, batch...)
		return nil
	})
	return out, err
}
