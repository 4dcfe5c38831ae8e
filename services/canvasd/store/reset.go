package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

// Purge drops cells, versions, the history feed, every persistence queue,
// the profile cache and the ban set. Cooldowns and balance caches survive.
func (s *Store) Purge(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	keys := []string{
		s.pixelsKey(),
		s.versionsKey(),
		s.historyKey(),
		s.usersKey(),
		s.bansKey(),
		s.banRecordKey(),
	}
	for _, kind := range Kinds() {
		keys = append(keys, s.queueKey(kind))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("purge canvas: %w", err)
	}
	return nil
}

// LoadPixels replays ledger rows into the cell map and history feed. Rows
// must arrive ordered by placement time so later rows win the cell.
func (s *Store) LoadPixels(ctx context.Context, pixels []canvas.Pixel) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	if len(pixels) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pixels {
			pixelJSON, err := encodePixel(p)
			if err != nil {
				return err
			}
			entryJSON, err := encodeEntry(canvas.EntryFor(p))
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.pixelsKey(), p.Key(), pixelJSON)
			pipe.HSet(ctx, s.versionsKey(), p.Key(), p.Version)
			pipe.ZAdd(ctx, s.historyKey(), redis.Z{Score: historyScore(p), Member: entryJSON})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load pixels: %w", err)
	}
	return nil
}

// LoadProfiles repopulates the profile cache without enqueueing.
func (s *Store) LoadProfiles(ctx context.Context, profiles []canvas.UserProfile) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	if len(profiles) == 0 {
		return nil
	}
	values := make([]any, 0, len(profiles)*2)
	for _, p := range profiles {
		raw, err := encodeProfile(p)
		if err != nil {
			return err
		}
		values = append(values, p.WalletAddress, raw)
	}
	if err := s.rdb.HSet(ctx, s.usersKey(), values...).Err(); err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	return nil
}

// LoadBans repopulates the ban set without enqueueing.
func (s *Store) LoadBans(ctx context.Context, bans []canvas.Ban) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	if len(bans) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range bans {
			if !b.Active {
				continue
			}
			raw, err := encodeBan(b)
			if err != nil {
				return err
			}
			pipe.SAdd(ctx, s.bansKey(), b.WalletAddress)
			pipe.HSet(ctx, s.banRecordKey(), b.WalletAddress, raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load bans: %w", err)
	}
	return nil
}
