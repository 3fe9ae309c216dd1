package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fundflow/alert"
	"fundflow/auth"
	"fundflow/cleanup"
	"fundflow/config"
	"fundflow/db"
	"fundflow/delivery"
	"fundflow/dispatch"
	"fundflow/escrow"
	"fundflow/gateway"
	"fundflow/lock"
	"fundflow/metrics"
	"fundflow/migrations"
	"fundflow/retry"
)

func main() {
	configPath := flag.String("config", os.Getenv("FUNDFLOW_CONFIG"), "path to YAML config")
	migrate := flag.Bool("migrate", false, "apply embedded migrations before serving")
	bootstrapAdmin := flag.String("bootstrap-admin", "", "create an admin user with this email (password from ADMIN_PASSWORD) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrate, *bootstrapAdmin); err != nil {
		logger.Error("fundflow stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool, bootstrapAdmin string) error {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnIdleTime:   time.Duration(cfg.Database.MaxConnIdleSec) * time.Second,
		HealthCheckPeriod: time.Duration(cfg.Database.HealthCheckSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if migrate || cfg.Database.MigrateOnLaunch {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied", "files", migrations.Names())
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).
		WithTokenTTL(time.Duration(cfg.Auth.TokenTTLMin) * time.Minute)
	if bootstrapAdmin != "" {
		user, err := authService.Register(ctx, auth.RegisterRequest{
			Email:    bootstrapAdmin,
			Password: os.Getenv("ADMIN_PASSWORD"),
			FullName: bootstrapAdmin,
			Role:     auth.RoleAdmin,
		})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("admin user created", "user_id", user.ID, "email", user.Email)
		return nil
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Redis, pool, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	callTimeout := time.Duration(cfg.Payments.CallTimeoutSec) * time.Second
	gw := gateway.NewClient(&http.Client{Timeout: callTimeout + 5*time.Second},
		cfg.Payments.GatewayURL, cfg.Payments.BalanceURL, cfg.Payments.APIKey)

	alertService := alert.NewService(alert.NewRepository(pool))

	retryService := retry.NewService(retry.NewRepository(pool), locker, alertService, gw, cfg.PayoutPolicy()).
		WithLogger(logger).
		WithCallTimeout(callTimeout).
		WithContentionDelay(time.Duration(cfg.PayoutRetry.ContentionDelaySec) * time.Second)

	deliveryService := delivery.NewService(delivery.NewRepository(pool), alertService, cfg.DeliveryPolicy()).
		WithLogger(logger)

	escrowService := escrow.NewService(escrow.NewRepository(pool), locker, alertService, deliveryService, cfg.EscrowConfig()).
		WithLogger(logger)
	if cfg.Payments.BalanceURL != "" {
		escrowService = escrowService.WithBalanceProvider(gw)
	}

	cleanupService := cleanup.NewService(cleanup.NewRepository(pool), alertService, cfg.CleanupConfig()).
		WithLogger(logger)

	var deliverer dispatch.Deliverer
	if cfg.Dispatch.CallbackURL != "" {
		deliverer = dispatch.NewHTTPDeliverer(nil, cfg.Dispatch.CallbackURL, cfg.Auth.TasksSecret)
	} else {
		deliverer = dispatch.NewDirectDeliverer(retryService)
	}
	poller := dispatch.NewPoller(retryService, deliverer, cfg.PollerConfig()).WithLogger(logger)
	jobMetrics := metrics.New(metrics.NewRepository(pool))

	server := &Server{
		retryService:    retryService,
		escrowService:   escrowService,
		deliveryService: deliveryService,
		cleanupService:  cleanupService,
		authService:     authService,
		db:              pool,
		tasksSecret:     cfg.Auth.TasksSecret,
		deliveryMaxAge:  cfg.DeliveryMaxAge(),
		deliveryBatch:   cfg.DeliveryRetry.BatchSize,
		metrics:         jobMetrics,
		logger:          logger.With("component", "http"),
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		every(gctx, logger, jobMetrics, "escrow_sweep", time.Duration(cfg.Schedule.EscrowSweepMin)*time.Minute, func(ctx context.Context) error {
			_, err := escrowService.Sweep(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, logger, jobMetrics, "cleanup", time.Duration(cfg.Schedule.CleanupMin)*time.Minute, func(ctx context.Context) error {
			_, err := cleanupService.Run(ctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, logger, jobMetrics, "delivery_retry", time.Duration(cfg.Schedule.DeliveryRetrySec)*time.Second, func(ctx context.Context) error {
			_, err := deliveryService.RetryBatch(ctx, cfg.DeliveryMaxAge(), cfg.DeliveryRetry.BatchSize)
			return err
		})
		return nil
	})

	return g.Wait()
}

// newLocker prefers Redis when an address is configured and falls back to
// the locks table otherwise.
func newLocker(ctx context.Context, rc config.RedisConfig, pool *pgxpool.Pool, logger *slog.Logger) (lock.Locker, func(), error) {
	if rc.Addr == "" {
		logger.Info("using postgres locks")
		return lock.NewPGLocker(pool), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	logger.Info("using redis locks", "addr", rc.Addr)
	return lock.NewRedisLocker(client, rc.KeyPrefix), func() { _ = client.Close() }, nil
}

// every runs fn on a fixed interval until ctx ends. A non-positive interval
// leaves the job to external triggers.
func every(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Info("scheduled job disabled", "job", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		started := time.Now()
		err := fn(ctx)
		m.ObserveJob(name, started, err)
		if err != nil && ctx.Err() == nil {
			logger.Error("scheduled job failed", "job", name, "error", err)
		}
	}
}
