package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tokencanvas/observability/logging"
	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/config"
	"tokencanvas/services/canvasd/ledger"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/recovery"
	"tokencanvas/services/canvasd/store"
)

// Operator is the set of maintenance actions canvasctl can perform, either
// in-process against Redis and the ledger or through a running canvasd.
type Operator interface {
	Rebuild(ctx context.Context) (recovery.Report, error)
	ProcessQueue(ctx context.Context, full bool) (queue.Report, error)
	Ban(ctx context.Context, address, reason, by string) (canvas.Ban, error)
	Unban(ctx context.Context, address string) (canvas.Ban, error)
	ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error
	Close() error
}

// Direct drives the store and ledger without going through canvasd.
type Direct struct {
	store     *store.Store
	ledger    *ledger.Ledger
	processor *queue.Processor
	rebuilder *recovery.Rebuilder
	now       func() time.Time
}

// OpenDirect loads the config at path and connects to its Redis and ledger.
func OpenDirect(ctx context.Context, path string) (*Direct, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(ctx, cfg.Redis.URL, store.WithPrefix(cfg.Redis.Prefix))
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	l, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	d, err := NewDirect(st, l, cfg)
	if err != nil {
		_ = st.Close()
		_ = l.Close()
		return nil, err
	}
	return d, nil
}

// NewDirect wires an operator around already-open connections.
func NewDirect(st *store.Store, l *ledger.Ledger, cfg config.Config) (*Direct, error) {
	logger := logging.Setup("canvasctl", cfg.Environment,
		logging.WithLevel(logging.ParseLevel(cfg.Logging.Level)),
		logging.WithOutput(os.Stderr),
	)
	processor, err := queue.NewProcessor(st, l, queue.Config{
		BatchSize:  cfg.Queue.BatchSize,
		MaxBatches: cfg.Queue.MaxBatches,
		LeaseTTL:   cfg.Queue.LeaseTTL.Duration,
	}, queue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("queue processor: %w", err)
	}
	return &Direct{
		store:     st,
		ledger:    l,
		processor: processor,
		rebuilder: recovery.NewRebuilder(l, st, cfg.Queue.RebuildBatch, logger),
		now:       time.Now,
	}, nil
}

func (d *Direct) Rebuild(ctx context.Context) (recovery.Report, error) {
	return d.rebuilder.Rebuild(ctx)
}

func (d *Direct) ProcessQueue(ctx context.Context, full bool) (queue.Report, error) {
	report, err := d.processor.Run(ctx, queue.RunOptions{FullBackup: full})
	if err == nil && report.AlreadyRunning {
		err = errAlreadyRunning
	}
	return report, err
}

func (d *Direct) Ban(ctx context.Context, address, reason, by string) (canvas.Ban, error) {
	return d.applyBan(ctx, address, reason, by, true)
}

func (d *Direct) Unban(ctx context.Context, address string) (canvas.Ban, error) {
	return d.applyBan(ctx, address, "", "", false)
}

func (d *Direct) applyBan(ctx context.Context, address, reason, by string, active bool) (canvas.Ban, error) {
	normalized, ok := canvas.NormalizeAddress(address)
	if !ok {
		return canvas.Ban{}, canvas.InvalidInput("invalid wallet address %q", address)
	}
	ban := canvas.Ban{
		WalletAddress: normalized,
		Reason:        strings.TrimSpace(reason),
		BannedBy:      strings.TrimSpace(by),
		BannedAt:      d.now().UTC(),
		Active:        active,
	}
	if err := d.store.ApplyBan(ctx, ban); err != nil {
		return canvas.Ban{}, err
	}
	return ban, nil
}

func (d *Direct) ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error {
	return d.store.ScanPixels(ctx, fn)
}

func (d *Direct) Close() error {
	return errors.Join(d.store.Close(), d.ledger.Close())
}

var errAlreadyRunning = errors.New("another queue run holds the lease; try again later")
