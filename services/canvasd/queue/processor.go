// Package queue drains the write-behind persistence queues into the ledger.
// Runs are serialised across every replica by a Redis lease; items are only
// removed once written, so a failed batch is simply retried next run.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tokencanvas/observability/metrics"
	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/ledger"
	"tokencanvas/services/canvasd/store"
)

// LeaseName identifies the processing lease in the store.
const LeaseName = "queue-processor"

// Store is the queue-facing slice of the canvas store.
type Store interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (store.Lease, bool, error)
	ReleaseLease(ctx context.Context, lease store.Lease) (bool, error)
	Peek(ctx context.Context, kind store.Kind, offset, n int64) ([]string, error)
	Remove(ctx context.Context, kind store.Kind, raws []string) (int64, error)
	Len(ctx context.Context, kind store.Kind) (int64, error)
	ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error
	Bans(ctx context.Context) ([]canvas.Ban, error)
	EnqueuePixels(ctx context.Context, pixels []canvas.Pixel) error
	EnqueueBans(ctx context.Context, bans []canvas.Ban) error
}

// Ledger is the durable sink.
type Ledger interface {
	UpsertUsers(ctx context.Context, users []ledger.User) error
	EnsureUsers(ctx context.Context, addresses []string, now time.Time) (int64, error)
	InsertPixels(ctx context.Context, pixels []ledger.Pixel) (int64, error)
	UpsertBans(ctx context.Context, bans []ledger.BannedUser) error
	RecordBackup(ctx context.Context, entry ledger.BackupLog) error
}

// Config bounds the work done per run.
type Config struct {
	BatchSize  int
	MaxBatches int
	LeaseTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 20
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	return c
}

// RunOptions selects the mode of a run.
type RunOptions struct {
	// FullBackup sweeps every cell and active ban into the queues before draining.
	FullBackup bool
}

// KindReport summarises one queue partition.
type KindReport struct {
	Written   int   `json:"written"`
	Failed    int   `json:"failed"`
	Discarded int   `json:"discarded"`
	Remaining int64 `json:"remaining"`
}

// Report summarises a run.
type Report struct {
	AlreadyRunning bool          `json:"alreadyRunning"`
	Users          KindReport    `json:"users"`
	Pixels         KindReport    `json:"pixels"`
	Bans           KindReport    `json:"bans"`
	StubUsers      int64         `json:"stubUsers"`
	Backup         *BackupReport `json:"backup,omitempty"`
	Duration       time.Duration `json:"durationNs"`
}

// BackupReport describes the sweep performed by a full-backup run.
type BackupReport struct {
	ID     uuid.UUID `json:"id"`
	Pixels int       `json:"pixels"`
	Bans   int       `json:"bans"`
}

// Partial reports whether any batch failed during the run.
func (r Report) Partial() bool {
	return r.Users.Failed > 0 || r.Pixels.Failed > 0 || r.Bans.Failed > 0
}

// Processor drains the persistence queues.
type Processor struct {
	store   Store
	ledger  Ledger
	sweeper *Sweeper
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.CanvasMetrics
	tracer  trace.Tracer
}

// Option customises the processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records queue throughput.
func WithMetrics(m *metrics.CanvasMetrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor constructs a processor.
func NewProcessor(st Store, l Ledger, cfg Config, opts ...Option) (*Processor, error) {
	if st == nil {
		return nil, fmt.Errorf("canvas store required")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger required")
	}
	p := &Processor{
		store:  st,
		ledger: l,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("tokencanvas/queue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.sweeper = NewSweeper(st)
	return p, nil
}

// Run performs one processing pass. A run that finds the lease held returns
// a report with AlreadyRunning set and no error.
func (p *Processor) Run(ctx context.Context, opts RunOptions) (report Report, err error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "queue.Run", trace.WithAttributes(attribute.Bool("queue.full_backup", opts.FullBackup)))
	defer func() {
		report.Duration = time.Since(started)
		result := "ok"
		switch {
		case err != nil:
			result = "error"
			span.RecordError(err)
		case report.AlreadyRunning:
			result = "busy"
		case report.Partial():
			result = "partial"
		}
		span.SetAttributes(attribute.String("queue.result", result))
		span.End()
		p.metrics.ObserveProcessorRun(result)
	}()

	lease, ok, err := p.store.AcquireLease(ctx, LeaseName, p.cfg.LeaseTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		p.logger.Info("queue processor already running", "component", "queue")
		return Report{AlreadyRunning: true}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, relErr := p.store.ReleaseLease(releaseCtx, lease); relErr != nil {
			p.logger.Warn("release processing lease", "component", "queue", "error", relErr)
		}
	}()

	backupStarted := p.now()
	if opts.FullBackup {
		swept, err := p.sweeper.Sweep(ctx)
		if err != nil {
			return report, fmt.Errorf("backup sweep: %w", err)
		}
		report.Backup = &BackupReport{ID: uuid.New(), Pixels: swept.Pixels, Bans: swept.Bans}
	}

	report.Users = p.drainUsers(ctx)
	report.Pixels, report.StubUsers = p.drainPixels(ctx)
	report.Bans = p.drainBans(ctx)

	for _, kind := range store.Kinds() {
		depth, err := p.store.Len(ctx, kind)
		if err != nil {
			p.logger.Warn("read queue depth", "component", "queue", "kind", string(kind), "error", err)
			continue
		}
		p.metrics.SetQueueDepth(string(kind), depth)
		switch kind {
		case store.KindUsers:
			report.Users.Remaining = depth
		case store.KindPixels:
			report.Pixels.Remaining = depth
		case store.KindBans:
			report.Bans.Remaining = depth
		}
	}

	if report.Backup != nil {
		status := "ok"
		if report.Partial() {
			status = "partial"
		}
		entry := ledger.BackupLog{
			ID:         report.Backup.ID,
			Pixels:     report.Backup.Pixels,
			Bans:       report.Backup.Bans,
			Status:     status,
			StartedAt:  backupStarted.UTC(),
			FinishedAt: p.now().UTC(),
		}
		if err := p.ledger.RecordBackup(ctx, entry); err != nil {
			p.logger.Warn("record backup log", "component", "queue", "error", err)
		}
	}

	p.logger.Info("queue processor run complete",
		"component", "queue",
		"users_written", report.Users.Written,
		"pixels_written", report.Pixels.Written,
		"bans_written", report.Bans.Written,
		"stub_users", report.StubUsers,
		"partial", report.Partial(),
		"full_backup", opts.FullBackup)
	return report, nil
}

// batchFunc writes one batch of raw items. It returns the raws that could not
// be decoded (removed unconditionally) and a write error for the rest.
type batchFunc func(ctx context.Context, raws []string) (written int, discarded []string, err error)

// drain walks the queue in bounded batches. Successfully written batches are
// removed and a failed batch is left in place. With ordered set the kind stops
// at its first failed batch, since later items may supersede the stuck ones;
// otherwise the failed batch is skipped for the rest of the run.
func (p *Processor) drain(ctx context.Context, kind store.Kind, ordered bool, write batchFunc) KindReport {
	var (
		report KindReport
		offset int64
	)
	for i := 0; i < p.cfg.MaxBatches; i++ {
		if ctx.Err() != nil {
			break
		}
		raws, err := p.store.Peek(ctx, kind, offset, int64(p.cfg.BatchSize))
		if err != nil {
			p.logger.Warn("peek queue", "component", "queue", "kind", string(kind), "error", err)
			break
		}
		if len(raws) == 0 {
			break
		}
		written, discarded, err := write(ctx, raws)
		if len(discarded) > 0 {
			p.logger.Warn("discarding undecodable queue items", "component", "queue", "kind", string(kind), "count", len(discarded))
			report.Discarded += len(discarded)
			p.metrics.ObserveQueueItems(string(kind), "discarded", len(discarded))
		}
		if err != nil {
			kept := len(raws) - len(discarded)
			report.Failed += kept
			p.metrics.ObserveQueueItems(string(kind), "failed", kept)
			p.logger.Warn("queue batch failed", "component", "queue", "kind", string(kind), "items", kept, "error", err)
			if _, rmErr := p.store.Remove(ctx, kind, discarded); rmErr != nil {
				p.logger.Warn("remove discarded items", "component", "queue", "kind", string(kind), "error", rmErr)
			}
			if ordered {
				break
			}
			offset += int64(kept)
			continue
		}
		report.Written += written
		p.metrics.ObserveQueueItems(string(kind), "written", written)
		if _, err := p.store.Remove(ctx, kind, raws); err != nil {
			p.logger.Warn("remove written items", "component", "queue", "kind", string(kind), "error", err)
			if ordered {
				break
			}
			// Pixel rows are insert-only; leaving them queued only costs a replay.
			offset += int64(len(raws))
		}
	}
	return report
}

func (p *Processor) drainUsers(ctx context.Context) KindReport {
	return p.drain(ctx, store.KindUsers, true, func(ctx context.Context, raws []string) (int, []string, error) {
		now := p.now()
		var discarded []string
		latest := make(map[string]ledger.User, len(raws))
		order := make([]string, 0, len(raws))
		for _, raw := range raws {
			u, err := ledger.DecodeUser(raw, now)
			if err != nil {
				discarded = append(discarded, raw)
				continue
			}
			if _, seen := latest[u.WalletAddress]; !seen {
				order = append(order, u.WalletAddress)
			}
			latest[u.WalletAddress] = u
		}
		users := make([]ledger.User, 0, len(order))
		for _, addr := range order {
			users = append(users, latest[addr])
		}
		if err := p.ledger.UpsertUsers(ctx, users); err != nil {
			return 0, discarded, err
		}
		return len(users), discarded, nil
	})
}

func (p *Processor) drainPixels(ctx context.Context) (KindReport, int64) {
	var stubs int64
	report := p.drain(ctx, store.KindPixels, false, func(ctx context.Context, raws []string) (int, []string, error) {
		var discarded []string
		pixels := make([]ledger.Pixel, 0, len(raws))
		seen := make(map[string]struct{})
		var owners []string
		for _, raw := range raws {
			px, err := ledger.DecodePixel(raw)
			if err != nil {
				discarded = append(discarded, raw)
				continue
			}
			pixels = append(pixels, px)
			if _, ok := seen[px.WalletAddress]; !ok {
				seen[px.WalletAddress] = struct{}{}
				owners = append(owners, px.WalletAddress)
			}
		}
		created, err := p.ledger.EnsureUsers(ctx, owners, p.now())
		if err != nil {
			return 0, discarded, fmt.Errorf("backfill users: %w", err)
		}
		stubs += created
		if _, err := p.ledger.InsertPixels(ctx, pixels); err != nil {
			return 0, discarded, fmt.Errorf("insert pixels: %w", err)
		}
		return len(pixels), discarded, nil
	})
	return report, stubs
}

func (p *Processor) drainBans(ctx context.Context) KindReport {
	return p.drain(ctx, store.KindBans, true, func(ctx context.Context, raws []string) (int, []string, error) {
		now := p.now()
		var discarded []string
		latest := make(map[string]ledger.BannedUser, len(raws))
		order := make([]string, 0, len(raws))
		for _, raw := range raws {
			b, err := ledger.DecodeBan(raw, now)
			if err != nil {
				discarded = append(discarded, raw)
				continue
			}
			if _, seen := latest[b.WalletAddress]; !seen {
				order = append(order, b.WalletAddress)
			}
			latest[b.WalletAddress] = b
		}
		bans := make([]ledger.BannedUser, 0, len(order))
		for _, addr := range order {
			bans = append(bans, latest[addr])
		}
		if err := p.ledger.UpsertBans(ctx, bans); err != nil {
			return 0, discarded, err
		}
		return len(bans), discarded, nil
	})
}
