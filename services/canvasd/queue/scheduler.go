package queue

import (
	"context"
	"log/slog"
	"time"
)

// Runner executes a processing pass.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (Report, error)
}

// SchedulerConfig configures the processing scheduler.
type SchedulerConfig struct {
	Runner         Runner
	Interval       time.Duration
	BackupInterval time.Duration
	Logger         *slog.Logger
}

// Scheduler runs the processor on a fixed cadence, early when nudged, and in
// full-backup mode on a slower cadence.
type Scheduler struct {
	runner         Runner
	interval       time.Duration
	backupInterval time.Duration
	logger         *slog.Logger
	nudge          chan struct{}
}

// NewScheduler constructs a scheduler with sane defaults. A zero backup
// interval disables scheduled backups.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:         cfg.Runner,
		interval:       interval,
		backupInterval: cfg.BackupInterval,
		logger:         logger,
		nudge:          make(chan struct{}, 1),
	}
}

// Nudge requests an early run. Concurrent nudges coalesce and never block.
func (s *Scheduler) Nudge() {
	if s == nil {
		return
	}
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	var backups <-chan time.Time
	if s.backupInterval > 0 {
		backupTicker := time.NewTicker(s.backupInterval)
		defer backupTicker.Stop()
		backups = backupTicker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, RunOptions{})
		case <-s.nudge:
			s.run(ctx, RunOptions{})
			ticker.Reset(s.interval)
		case <-backups:
			s.run(ctx, RunOptions{FullBackup: true})
		}
	}
}

func (s *Scheduler) run(ctx context.Context, opts RunOptions) {
	if _, err := s.runner.Run(ctx, opts); err != nil && ctx.Err() == nil {
		s.logger.Error("queue scheduler run failed", "component", "queue", "full_backup", opts.FullBackup, "error", err)
	}
}
