// Package placement implements the pixel placement transaction. Each gate
// runs in a fixed order and every rejection is surfaced as its own typed
// error from the canvas package.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokencanvas/observability/metrics"
	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/events"
	"tokencanvas/services/canvasd/oracle"
	"tokencanvas/services/canvasd/store"
	"tokencanvas/services/canvasd/tier"
)

// Store is the slice of the canvas store the pipeline mutates.
type Store interface {
	IsBanned(ctx context.Context, address string) (bool, error)
	CheckAndConsume(ctx context.Context, address string, cooldown, retain time.Duration, now time.Time) (bool, time.Duration, error)
	Pixel(ctx context.Context, x, y int) (canvas.Pixel, bool, error)
	Commit(ctx context.Context, pixel canvas.Pixel, observed int64) (store.CommitResult, error)
}

// Balances resolves token balances, optionally bypassing the cache.
type Balances interface {
	Balance(ctx context.Context, address string, refresh bool) (oracle.Lookup, error)
}

// Nudger is told when the persistence backlog crosses its threshold.
type Nudger interface {
	Nudge()
}

// Request is one placement attempt.
type Request struct {
	Address string
	X, Y    int
	Color   string
	// ObservedVersion is the cell version the client last saw; 0 for an empty cell.
	ObservedVersion int64
	// Admin callers skip the cooldown guard.
	Admin bool
	// RefreshBalance forces a fresh oracle lookup for the placer.
	RefreshBalance bool
}

// Result describes an accepted placement.
type Result struct {
	Pixel         canvas.Pixel
	Tier          tier.Tier
	CooldownUntil time.Time
}

// Pipeline orchestrates placements against shared state. It holds no
// per-cell state of its own and is safe for concurrent use.
type Pipeline struct {
	store     Store
	balances  Balances
	tiers     *tier.Table
	publisher events.Publisher
	nudger    Nudger
	threshold int64
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.CanvasMetrics
	tracer    trace.Tracer
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records placement outcomes.
func WithMetrics(m *metrics.CanvasMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithPublisher sets the event sink for accepted placements.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithNudger wakes the queue processor once the pixel backlog reaches threshold.
func WithNudger(n Nudger, threshold int64) Option {
	return func(p *Pipeline) {
		p.nudger = n
		p.threshold = threshold
	}
}

// New constructs a pipeline.
func New(st Store, balances Balances, tiers *tier.Table, opts ...Option) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("canvas store required")
	}
	if balances == nil {
		return nil, fmt.Errorf("balance resolver required")
	}
	if tiers == nil {
		tiers = tier.Default()
	}
	p := &Pipeline{
		store:     st,
		balances:  balances,
		tiers:     tiers,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer("tokencanvas/placement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Tiers exposes the table the pipeline resolves against.
func (p *Pipeline) Tiers() *tier.Table {
	return p.tiers
}

// Place runs the placement transaction for req.
func (p *Pipeline) Place(ctx context.Context, req Request) (res Result, err error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "placement.Place", trace.WithAttributes(
		attribute.Int("canvas.x", req.X),
		attribute.Int("canvas.y", req.Y),
		attribute.Int64("canvas.observed_version", req.ObservedVersion),
	))
	defer func() {
		outcome := Outcome(err)
		span.SetAttributes(attribute.String("canvas.outcome", outcome))
		if err != nil && outcome == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.ObservePlacement(outcome, time.Since(started))
	}()

	if strings.TrimSpace(req.Address) == "" {
		return Result{}, canvas.ErrUnauthenticated
	}
	address, ok := canvas.NormalizeAddress(req.Address)
	if !ok {
		return Result{}, canvas.InvalidInput("malformed wallet address")
	}

	banned, err := p.store.IsBanned(ctx, address)
	if err != nil {
		return Result{}, err
	}
	if banned {
		return Result{}, canvas.ErrBanned
	}

	if !canvas.InBounds(req.X, req.Y) {
		return Result{}, canvas.InvalidInput("coordinates %d,%d outside the %dx%d canvas", req.X, req.Y, canvas.GridSize, canvas.GridSize)
	}
	color, ok := canvas.NormalizeColor(req.Color)
	if !ok {
		return Result{}, canvas.InvalidInput("colour %q is not in the palette", req.Color)
	}
	if req.ObservedVersion < 0 {
		return Result{}, canvas.InvalidInput("version must not be negative")
	}

	lookup, err := p.balances.Balance(ctx, address, req.RefreshBalance)
	if err != nil {
		return Result{}, err
	}
	placerTier := p.tiers.Resolve(lookup.Balance)
	now := p.now()
	if !req.Admin {
		allowed, remaining, err := p.store.CheckAndConsume(ctx, address, placerTier.Cooldown, p.tiers.MaxCooldown(), now)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{}, &canvas.CooldownError{Remaining: remaining}
		}
	}

	// The cooldown slot stays consumed if any later gate rejects.
	current, exists, err := p.store.Pixel(ctx, req.X, req.Y)
	if err != nil {
		return Result{}, err
	}
	var stored int64
	if exists {
		stored = current.Version
	}
	if req.ObservedVersion != stored {
		return Result{}, conflict(req.ObservedVersion, stored, current, exists)
	}

	if exists && current.WalletAddress != address {
		if err := p.checkOverwrite(ctx, current, lookup.Balance, now); err != nil {
			return Result{}, err
		}
	}

	pixel := canvas.Pixel{
		X:             req.X,
		Y:             req.Y,
		Color:         color,
		WalletAddress: address,
		PlacedAt:      now.UTC(),
		Version:       canvas.NextVersion(req.ObservedVersion),
		TokenBalance:  lookup.Balance,
	}
	commit, err := p.store.Commit(ctx, pixel, req.ObservedVersion)
	if err != nil {
		return Result{}, err
	}
	if !commit.Committed {
		var cur canvas.Pixel
		if commit.Current != nil {
			cur = *commit.Current
		}
		return Result{}, conflict(req.ObservedVersion, commit.Version, cur, commit.Current != nil)
	}

	p.publisher.Publish(ctx, pixel)
	if p.nudger != nil && p.threshold > 0 && commit.QueueDepth >= p.threshold {
		p.nudger.Nudge()
	}

	until := now
	if !req.Admin {
		until = now.Add(placerTier.Cooldown)
	}
	p.logger.Debug("pixel placed",
		"component", "placement",
		"cell", pixel.Key(),
		"version", pixel.Version,
		"tier", placerTier.Name,
		"balance_source", string(lookup.Source))
	return Result{Pixel: pixel, Tier: placerTier, CooldownUntil: until.UTC()}, nil
}

// checkOverwrite enforces explicit locks and tier protection on a cell owned
// by someone else.
func (p *Pipeline) checkOverwrite(ctx context.Context, current canvas.Pixel, placerBalance int64, now time.Time) error {
	if current.LockedAt(now) {
		return &canvas.LockedError{Until: *current.LockUntil}
	}
	ownerBalance := p.ownerBalance(ctx, current)
	remaining := tier.ProtectionRemaining(p.tiers.Resolve(ownerBalance), current.PlacedAt, now)
	if remaining > 0 && placerBalance <= ownerBalance {
		return &canvas.ProtectedError{
			OwnerBalance: ownerBalance,
			YourBalance:  placerBalance,
			Remaining:    remaining,
		}
	}
	return nil
}

// ownerBalance prefers the owner's live balance and falls back to the
// snapshot recorded at placement.
func (p *Pipeline) ownerBalance(ctx context.Context, current canvas.Pixel) int64 {
	lookup, err := p.balances.Balance(ctx, current.WalletAddress, false)
	if err == nil {
		return lookup.Balance
	}
	p.logger.Warn("owner balance unavailable, using placement snapshot",
		"component", "placement",
		"cell", current.Key(),
		"error", err)
	snapshot := current.TokenBalance
	return canvas.SnapshotBalance(&snapshot)
}

func conflict(observed, stored int64, current canvas.Pixel, exists bool) error {
	err := &canvas.VersionConflictError{Observed: observed, CurrentVersion: stored}
	if exists {
		cur := current
		err.Current = &cur
	}
	return err
}

// Outcome labels err for metrics and tracing.
func Outcome(err error) string {
	var (
		cooldown  *canvas.CooldownError
		versionCf *canvas.VersionConflictError
		locked    *canvas.LockedError
		protected *canvas.ProtectedError
	)
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, canvas.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, canvas.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, canvas.ErrBanned):
		return "banned"
	case errors.As(err, &cooldown):
		return "cooldown"
	case errors.As(err, &versionCf):
		return "conflict"
	case errors.As(err, &locked):
		return "locked"
	case errors.As(err, &protected):
		return "protected"
	case errors.Is(err, canvas.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "error"
	}
}
