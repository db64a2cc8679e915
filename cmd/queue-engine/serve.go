package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/logging"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"
	"qms/queue-engine/migrations"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), config.Load(), autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup("queue-engine", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("clinic timezone %q: %w", cfg.ClinicTimezone, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger, autoMigrate)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := queue.New(st, queue.Options{
		Location:         loc,
		CallPolicy:       cfg.CallPolicy,
		SkipPolicy:       cfg.SkipPolicy,
		BatchDedupWindow: cfg.BatchDedupWindow,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		Logger:           logger.Named("queue"),
	})

	board := hub.New(logger.Named("hub"))
	relay := hub.NewRelay(engine, board, hub.RelayOptions{
		PollInterval: cfg.RealtimePollInterval,
		BatchSize:    cfg.RealtimeBatchSize,
		Logger:       logger.Named("relay"),
	})
	if err := relay.Start(ctx); err != nil {
		logger.Warn("outbox offset not loaded, relay starts from the beginning", zap.Error(err))
	}

	handler := httpapi.NewHandler(engine, httpapi.Options{
		Logger:         logger.Named("http"),
		Realtime:       hub.NewSockJSHandler("/realtime", board),
		TicketTemplate: cfg.TicketTemplate,
	})

	var redisClient *redis.Client
	if cfg.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			logger.Warn("redis unreachable, rate limits fall back to local buckets", zap.String("address", cfg.RedisAddress), zap.Error(err))
		}
	}
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
		Redis:     redisClient,
		Logger:    logger.Named("ratelimit"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.Named("http"), limiter.Middleware(handler.Routes())), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go relay.Run(ctx)
	go runSkipSweeper(ctx, engine, cfg, logger.Named("sweeper"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("queue-engine listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore connects to Postgres, or keeps everything in memory when no DSN
// is configured.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, autoMigrate bool) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DB_DSN not set, using the in-memory store")
		return memory.NewStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if autoMigrate {
		if err := migrations.Up(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return postgres.NewStore(pool, postgres.Options{}), pool.Close, nil
}

// runSkipSweeper returns long-skipped entries to the queue. A zero
// SKIP_REQUEUE_AFTER_SECONDS disables it.
func runSkipSweeper(ctx context.Context, engine *queue.Engine, cfg config.Config, logger *zap.Logger) {
	if cfg.SkipRequeueAfter <= 0 || cfg.SkipScanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SkipScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			count, err := engine.RequeueSkipped(scanCtx, cfg.SkipRequeueAfter, cfg.SkipBatchSize)
			cancel()
			if err != nil {
				logger.Error("requeue skipped entries failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("requeued skipped entries", zap.Int("count", count))
			}
		}
	}
}
