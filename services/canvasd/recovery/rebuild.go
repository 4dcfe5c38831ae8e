// Package recovery rebuilds the Redis canvas state from the ledger after data
// loss or on a cold start.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/ledger"
)

// Source is the ledger read surface used by a rebuild.
type Source interface {
	StreamPixels(ctx context.Context, batch int, fn func([]ledger.Pixel) error) error
	StreamUsers(ctx context.Context, batch int, fn func([]ledger.User) error) error
	StreamBans(ctx context.Context, batch int, fn func([]ledger.BannedUser) error) error
}

// Target is the cache being rebuilt.
type Target interface {
	Purge(ctx context.Context) error
	LoadPixels(ctx context.Context, pixels []canvas.Pixel) error
	LoadProfiles(ctx context.Context, profiles []canvas.UserProfile) error
	LoadBans(ctx context.Context, bans []canvas.Ban) error
}

// Report counts what a rebuild loaded.
type Report struct {
	Pixels   int           `json:"pixels"`
	Users    int           `json:"users"`
	Bans     int           `json:"bans"`
	Duration time.Duration `json:"durationNs"`
}

// Rebuilder replays the ledger into the cache.
type Rebuilder struct {
	source Source
	target Target
	batch  int
	logger *slog.Logger
}

// NewRebuilder constructs a rebuilder streaming batch rows at a time.
func NewRebuilder(source Source, target Target, batch int, logger *slog.Logger) *Rebuilder {
	if batch <= 0 {
		batch = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{source: source, target: target, batch: batch, logger: logger}
}

// Rebuild purges the cell map, history feed, queues, profile cache and ban
// set, then repopulates them from the ledger. Writers running concurrently
// may be lost from the cache; the operation is meant to be rare.
func (r *Rebuilder) Rebuild(ctx context.Context) (Report, error) {
	started := time.Now()
	var report Report
	if err := r.target.Purge(ctx); err != nil {
		return report, fmt.Errorf("purge cache: %w", err)
	}

	err := r.source.StreamPixels(ctx, r.batch, func(rows []ledger.Pixel) error {
		pixels := make([]canvas.Pixel, 0, len(rows))
		for _, row := range rows {
			pixels = append(pixels, row.ToCanvas())
		}
		if err := r.target.LoadPixels(ctx, pixels); err != nil {
			return err
		}
		report.Pixels += len(pixels)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("rebuild pixels: %w", err)
	}

	err = r.source.StreamUsers(ctx, r.batch, func(rows []ledger.User) error {
		profiles := make([]canvas.UserProfile, 0, len(rows))
		for _, row := range rows {
			profiles = append(profiles, row.ToProfile())
		}
		if err := r.target.LoadProfiles(ctx, profiles); err != nil {
			return err
		}
		report.Users += len(profiles)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("rebuild users: %w", err)
	}

	err = r.source.StreamBans(ctx, r.batch, func(rows []ledger.BannedUser) error {
		bans := make([]canvas.Ban, 0, len(rows))
		for _, row := range rows {
			if row.Active {
				bans = append(bans, row.ToCanvas())
			}
		}
		if err := r.target.LoadBans(ctx, bans); err != nil {
			return err
		}
		report.Bans += len(bans)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("rebuild bans: %w", err)
	}

	report.Duration = time.Since(started)
	r.logger.Info("canvas cache rebuilt",
		"component", "recovery",
		"pixels", report.Pixels,
		"users", report.Users,
		"bans", report.Bans,
		"duration", report.Duration.String())
	return report, nil
}
