package queue

import (
	"context"
	"fmt"

	"tokencanvas/services/canvasd/canvas"
)

// SweepStore is what a backup sweep reads from and appends to.
type SweepStore interface {
	ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error
	Bans(ctx context.Context) ([]canvas.Ban, error)
	EnqueuePixels(ctx context.Context, pixels []canvas.Pixel) error
	EnqueueBans(ctx context.Context, bans []canvas.Ban) error
}

// SweepResult counts what a sweep enqueued.
type SweepResult struct {
	Pixels int
	Bans   int
}

// Sweeper re-enqueues the whole canvas and ban set. The ledger writes are
// idempotent, so a sweep is a safe superset refresh of whatever the queues
// may have lost.
type Sweeper struct {
	store SweepStore
}

// NewSweeper constructs a sweeper.
func NewSweeper(st SweepStore) *Sweeper {
	return &Sweeper{store: st}
}

// Sweep enqueues every occupied cell and every active ban.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := s.store.ScanPixels(ctx, func(batch []canvas.Pixel) error {
		if err := s.store.EnqueuePixels(ctx, batch); err != nil {
			return err
		}
		res.Pixels += len(batch)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("sweep pixels: %w", err)
	}
	bans, err := s.store.Bans(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep bans: %w", err)
	}
	if err := s.store.EnqueueBans(ctx, bans); err != nil {
		return res, fmt.Errorf("sweep bans: %w", err)
	}
	res.Bans = len(bans)
	return res, nil
}
