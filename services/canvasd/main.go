package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tokencanvas/observability/logging"
	"tokencanvas/observability/metrics"
	telemetry "tokencanvas/observability/otel"
	"tokencanvas/services/canvasd/config"
	"tokencanvas/services/canvasd/events"
	"tokencanvas/services/canvasd/ledger"
	"tokencanvas/services/canvasd/oracle"
	"tokencanvas/services/canvasd/placement"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/recovery"
	"tokencanvas/services/canvasd/server"
	"tokencanvas/services/canvasd/store"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/canvasd/config.yaml", "path to canvasd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("canvasd: load config: %v", err)
	}

	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Logging.Level))}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileSink{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   true,
		}))
	}
	logger := logging.Setup("canvasd", cfg.Environment, logOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("canvasd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "canvasd",
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.Endpoint,
		Insecure:    cfg.Observability.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Observability.Headers),
		Traces:      cfg.Observability.Traces,
		Metrics:     cfg.Observability.Metrics,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("starting canvasd",
		"version", version,
		logging.MaskURL("redis_url", cfg.Redis.URL),
		logging.MaskURL("rpc_url", cfg.Oracle.RPCURL),
		logging.MaskField("database_dsn", cfg.Database.DSN),
		logging.MaskField("admin_secret", cfg.Admin.Secret),
		"database_driver", cfg.Database.Driver,
	)

	tiers, err := cfg.TierTable()
	if err != nil {
		return fmt.Errorf("tier table: %w", err)
	}
	if err := tiers.CheckMonotonic(); err != nil {
		logger.Warn("tier table is not monotonic", "component", "tier", "error", err)
	}

	st, err := store.Open(ctx, cfg.Redis.URL, store.WithPrefix(cfg.Redis.Prefix))
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	defer st.Close()

	l, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	rpc, err := oracle.DialRPC(cfg.Oracle.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpc.Close()

	m := metrics.Canvas()
	erc20, err := oracle.NewERC20Oracle(rpc, cfg.Oracle.Token, cfg.Oracle.Decimals, cfg.Oracle.Timeout.Duration)
	if err != nil {
		return fmt.Errorf("balance oracle: %w", err)
	}
	balances, err := oracle.NewCached(erc20, st,
		oracle.WithTTL(cfg.Oracle.CacheTTL.Duration),
		oracle.WithTimeout(cfg.Oracle.Timeout.Duration),
		oracle.WithLogger(logger),
		oracle.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("balance cache: %w", err)
	}

	publisher, err := events.NewRedisPublisher(st.Client(), cfg.Events.Channel,
		events.WithAttempts(cfg.Events.Attempts),
		events.WithPublishTimeout(cfg.Events.PublishTimeout.Duration),
		events.WithLogger(logger),
		events.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	hub := events.NewHub(st.Client(), cfg.Events.Channel, logger)

	processor, err := queue.NewProcessor(st, l, queue.Config{
		BatchSize:  cfg.Queue.BatchSize,
		MaxBatches: cfg.Queue.MaxBatches,
		LeaseTTL:   cfg.Queue.LeaseTTL.Duration,
	}, queue.WithLogger(logger), queue.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("queue processor: %w", err)
	}
	scheduler := queue.NewScheduler(queue.SchedulerConfig{
		Runner:         processor,
		Interval:       cfg.Queue.Interval.Duration,
		BackupInterval: cfg.Queue.BackupInterval.Duration,
		Logger:         logger,
	})

	pipeline, err := placement.New(st, balances, tiers,
		placement.WithLogger(logger),
		placement.WithMetrics(m),
		placement.WithPublisher(publisher),
		placement.WithNudger(scheduler, cfg.Queue.NudgeThreshold),
	)
	if err != nil {
		return fmt.Errorf("placement pipeline: %w", err)
	}

	sessions, err := server.NewSessionAuth(server.SessionConfig{
		HMACSecret:     cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		AdminAddresses: cfg.Auth.AdminAddresses,
		ClockSkew:      cfg.Auth.ClockSkew.Duration,
	})
	if err != nil {
		return fmt.Errorf("session auth: %w", err)
	}
	operators, err := server.NewSecretAuth(cfg.Admin.Secret, cfg.Admin.CronSecret)
	if err != nil {
		return fmt.Errorf("operator auth: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.Listen,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, server.Deps{
		Placer:    pipeline,
		Store:     st,
		Balances:  balances,
		Rebuilder: recovery.NewRebuilder(l, st, cfg.Queue.RebuildBatch, logger),
		Processor: processor,
		Ledger:    l,
		Stream:    hub,
		Sessions:  sessions,
		Operators: operators,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event hub stopped", "component", "events", "error", err)
		}
	}()

	serveErr := srv.Run(ctx)
	cancelWorkers()
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publisher.Drain(drainCtx); err != nil {
		logger.Warn("event publisher drain timed out", "component", "events", "error", err)
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("canvasd stopped")
	return nil
}
