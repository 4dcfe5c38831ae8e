package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tokencanvas/services/canvasd/canvas"
)

// IsBanned reports whether address is on the permanent ban list.
func (s *Store) IsBanned(ctx context.Context, address string) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, ErrNotConfigured
	}
	banned, err := s.rdb.SIsMember(ctx, s.bansKey(), address).Result()
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return banned, nil
}

// ApplyBan adds or lifts a ban and enqueues the record for the ledger in a
// single MULTI/EXEC transaction.
func (s *Store) ApplyBan(ctx context.Context, ban canvas.Ban) error {
	if s == nil || s.rdb == nil {
		return ErrNotConfigured
	}
	raw, err := encodeBan(ban)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ban.Active {
			pipe.SAdd(ctx, s.bansKey(), ban.WalletAddress)
			pipe.HSet(ctx, s.banRecordKey(), ban.WalletAddress, raw)
		} else {
			pipe.SRem(ctx, s.bansKey(), ban.WalletAddress)
			pipe.HDel(ctx, s.banRecordKey(), ban.WalletAddress)
		}
		pipe.RPush(ctx, s.queueKey(KindBans), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply ban: %w", err)
	}
	return nil
}

// Bans returns every active ban record. Addresses present in the ban set
// without a detail record are reported with only the address populated.
func (s *Store) Bans(ctx context.Context) ([]canvas.Ban, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrNotConfigured
	}
	members, err := s.rdb.SMembers(ctx, s.bansKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	records, err := s.rdb.HGetAll(ctx, s.banRecordKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list ban records: %w", err)
	}
	out := make([]canvas.Ban, 0, len(members))
	for _, address := range members {
		ban := canvas.Ban{WalletAddress: address, Active: true}
		if raw, ok := records[address]; ok {
			if decoded, err := decodeBan(raw); err == nil {
				ban = decoded
				ban.Active = true
			}
		}
		out = append(out, ban)
	}
	return out, nil
}
