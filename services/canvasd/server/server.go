// Package server exposes the canvas over HTTP: the placement endpoint, read
// APIs, operator endpoints and the websocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/placement"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/recovery"
	"tokencanvas/services/canvasd/tier"
)

// Placer runs placements.
type Placer interface {
	Place(ctx context.Context, req placement.Request) (placement.Result, error)
	Tiers() *tier.Table
}

// CanvasReader is the store surface behind the read and ban endpoints.
type CanvasReader interface {
	Pixels(ctx context.Context) ([]canvas.Pixel, error)
	Pixel(ctx context.Context, x, y int) (canvas.Pixel, bool, error)
	RecentHistory(ctx context.Context, limit int) ([]canvas.HistoryEntry, error)
	HistoryBetween(ctx context.Context, from, to time.Time) ([]canvas.HistoryEntry, error)
	CooldownRemaining(ctx context.Context, address string, cooldown time.Duration, now time.Time) (time.Duration, error)
	IsBanned(ctx context.Context, address string) (bool, error)
	ApplyBan(ctx context.Context, ban canvas.Ban) error
	SetLock(ctx context.Context, x, y int, until *time.Time) (canvas.Pixel, bool, error)
	Ping(ctx context.Context) error
}

// Rebuilder reloads the cache from the ledger.
type Rebuilder interface {
	Rebuild(ctx context.Context) (recovery.Report, error)
}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       RateLimit
	MaxHistory      int
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Placer    Placer
	Store     CanvasReader
	Balances  placement.Balances
	Rebuilder Rebuilder
	Processor queue.Runner
	Ledger    Pinger
	Stream    http.Handler
	Sessions  *SessionAuth
	Operators *SecretAuth
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server hosts the canvas API.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	limiter *RateLimiter
	now     func() time.Time
	router  http.Handler
}

// New constructs the server and its router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Placer == nil {
		return nil, fmt.Errorf("placement pipeline required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("canvas store required")
	}
	if deps.Balances == nil {
		return nil, fmt.Errorf("balance resolver required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RateLimit),
		now:     now,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	if s.deps.Stream != nil {
		r.Handle("/ws", s.deps.Stream)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Get("/canvas", s.handleCanvas)
		api.Get("/pixels/{x}/{y}", s.handlePixel)
		api.Get("/history", s.handleHistory)
		api.Get("/leaderboard", s.handleLeaderboard)
		api.Get("/tiers", s.handleTiers)
		api.Group(func(authed chi.Router) {
			authed.Use(s.deps.Sessions.Require)
			authed.Post("/place", s.handlePlace)
			authed.Get("/me", s.handleMe)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.With(s.deps.Operators.Admin).Post("/bans", s.handleBan)
		admin.With(s.deps.Operators.Admin).Delete("/bans/{address}", s.handleUnban)
		admin.With(s.deps.Operators.Admin).Post("/locks", s.handleLock)
		admin.With(s.deps.Operators.Admin).Delete("/locks/{x}/{y}", s.handleUnlock)
		admin.With(s.deps.Operators.Admin).Post("/rebuild-cache", s.handleRebuild)
		admin.With(s.deps.Operators.AdminOrCron).Post("/process-queue", s.handleProcessQueue)
		admin.With(s.deps.Operators.Admin).Post("/backup", s.handleBackup)
	})

	return otelhttp.NewHandler(r, "canvasd.http")
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "component", "server", "addr", s.cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
