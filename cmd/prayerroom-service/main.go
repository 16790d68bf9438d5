package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"qms/prayerroom-service/internal/bulk"
	"qms/prayerroom-service/internal/checkin"
	"qms/prayerroom-service/internal/config"
	"qms/prayerroom-service/internal/feed"
	"qms/prayerroom-service/internal/httpapi"
	"qms/prayerroom-service/internal/logging"
	"qms/prayerroom-service/internal/notify"
	"qms/prayerroom-service/internal/registration"
	"qms/prayerroom-service/internal/store"
	"qms/prayerroom-service/internal/store/memory"
	"qms/prayerroom-service/internal/store/postgres"
	"qms/prayerroom-service/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "prayerroom-service"

func main() {
	cfg, err := config.LoadArgs(serviceName, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.Store
	if cfg.DatabaseURL == "" {
		logger.Warn("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	}

	locker := newLocker(cfg, logger)

	gateway := notify.NewGateway(notify.GatewayConfig{
		BaseURL:  cfg.WaapiBaseURL,
		Instance: cfg.WaapiInstance,
		Token:    cfg.WaapiToken,
		Timeout:  cfg.WaapiTimeout,
	}, logger)
	notifier := notify.NewNotifier(gateway, notify.Options{
		PairDelay:     cfg.NotifyPairDelay,
		SupportNumber: cfg.SupportNumber,
	}, logger)

	hub := feed.NewHub(logger)
	relay := feed.NewRelay(st, hub, feed.RelayConfig{
		PollInterval: cfg.FeedPollInterval,
		BatchSize:    cfg.FeedBatchSize,
	}, logger)

	passwordHash := []byte(cfg.StaffPasswordHash)
	if len(passwordHash) == 0 {
		passwordHash, err = httpapi.HashPassword(cfg.StaffPassword)
		if err != nil {
			logger.Fatal("hash staff password", zap.Error(err))
		}
	}
	if len(passwordHash) == 0 {
		logger.Warn("no staff password configured, login disabled")
	}

	reportLoc, err := time.LoadLocation(cfg.ReportTZ)
	if err != nil {
		logger.Warn("unknown report time zone, using UTC", zap.String("tz", cfg.ReportTZ), zap.Error(err))
		reportLoc = time.UTC
	}

	handler := httpapi.NewHandler(httpapi.Dependencies{
		Store:        st,
		Scans:        checkin.NewService(st, locker, logger.Named("checkin")),
		Registration: registration.NewService(st, logger.Named("registration")),
		Bulk: bulk.NewService(st, notifier, bulk.Config{
			Throttle:  cfg.NotifyThrottle,
			NextLimit: cfg.NotifyNextLimit,
		}, logger.Named("bulk")),
		Notifier: notifier,
		Hub:      hub,
		Logger:   logger,
	}, httpapi.Options{
		PasswordHash:   passwordHash,
		SessionTTL:     cfg.SessionTTL,
		ReportLocation: reportLoc,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	routes := httpapi.AuthMiddleware(st, handler.Routes())
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(routes)), serviceName)
	// No write timeout: SockJS streams and throttled notify batches keep
	// responses open for longer than a request cycle.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelHandler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// newLocker serializes scans of one code across replicas when Redis is
// configured and within this process otherwise.
func newLocker(cfg config.Config, logger *zap.Logger) checkin.Locker {
	if cfg.RedisAddr == "" {
		return checkin.NewLocalLocker(cfg.ScanLockWait)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using local scan lock", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return checkin.NewLocalLocker(cfg.ScanLockWait)
	}
	logger.Info("redis scan lock enabled", zap.String("addr", cfg.RedisAddr))
	return checkin.NewRedisLocker(client, cfg.ScanLockTTL, cfg.ScanLockWait)
}
