// Package main provides the worker application entry point.
// The worker runs the full scraping engine: proxy pool revival, task
// dispatch (scheduler + stream consumer), the scraping pipeline, and the
// periodic currency and cleanup jobs.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/currency"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/dispatcher"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/marketplace"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/notify"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/repo/postgres"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/stickers"
	"github.com/Tyrannozavr/steam-market-watcher/internal/config"
	"github.com/Tyrannozavr/steam-market-watcher/internal/usecase/scrape"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+strconv.Itoa(cfg.Port), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	taskRepo := postgres.NewTaskRepo(pool)
	proxyRepo := postgres.NewProxyRepo(pool)
	foundItemRepo := postgres.NewFoundItemRepo(pool)

	var messenger notify.Messenger
	if cfg.MessengerBotToken != "" && cfg.MessengerChatID != "" {
		messenger = notify.NewTelegramMessenger(&http.Client{Timeout: cfg.HTTPRequestTimeout}, cfg.MessengerBotToken, cfg.MessengerChatID)
	}
	notifier := notify.NewNotifier(messenger, cfg.HTTPRequestTimeout)

	clientFactory := marketplace.NewClientFactory(cfg.HTTPRequestTimeout)

	proxyCfg := proxypool.Config{
		ReservationTTL:      cfg.ProxyReservationTTL,
		QuarantineShort:     cfg.ProxyQuarantineShort,
		QuarantineLong:      cfg.ProxyQuarantineLong,
		EarlyReleaseAfter:   cfg.ProxyEarlyReleaseAfter,
		RevivalInterval:     cfg.ProxyRevivalInterval,
		RevivalFastInterval: cfg.ProxyRevivalFastInterval,
		RevivalBatchSize:    cfg.ProxyRevivalBatchSize,
		RevivalTimeout:      cfg.ProxyRevivalTimeout,
		DeactivateThreshold: cfg.ProxyDeactivateThreshold,
		AlertCooldown:       cfg.ProxyAlertCooldown,
	}
	proxyMgr := proxypool.NewManager(proxyRepo, rdb, proxyCfg, notifier, clientFactory)
	proxyMgr.StartRevivalLoop(ctx)
	defer proxyMgr.Stop()

	retryCfg := cfg.GetRetryConfig()

	stickerClient := &stickers.RetryingClient{Marketplace: clientFactory, ProxyPool: proxyMgr, RetryConfig: retryCfg}
	stickerResolver := stickers.NewResolver(stickerClient, rdb, stickers.Config{
		CacheTTL:         cfg.StickerCacheTTL,
		RequestDelay:     cfg.StickerRequestDelay,
		JaccardTier1:     cfg.StickerJaccardTier1,
		JaccardTier2:     cfg.StickerJaccardTier2,
		ContainmentFloor: cfg.StickerContainmentFloor,
	})

	pipeline := &scrape.Pipeline{
		Tasks:      taskRepo,
		FoundItems: foundItemRepo,
		Market:     &marketplace.RetryingClient{Factory: clientFactory, ProxyPool: proxyMgr, RetryConfig: retryCfg},
		Stickers:   stickerResolver,
		Notifier:   notifier,
		Redis:      rdb,
		Cfg: scrape.Config{
			PageSize:        cfg.ListingsPageSize,
			ParseCacheTTL:   cfg.ListingParseCacheTTL,
			PerListingDelay: cfg.PerListingDelay,
		},
	}

	dispatchCfg := dispatcher.Config{
		StreamName:      cfg.StreamName,
		StreamMaxLen:    cfg.StreamMaxLen,
		ConsumerGroup:   cfg.ConsumerGroup,
		MaxConcurrency:  cfg.ConsumerMaxConcurrency,
		BlockTimeout:    cfg.ConsumerBlockTimeout,
		SweepInterval:   cfg.DispatchSweepInterval,
		RunningTTL:      cfg.DispatchRunningTTL,
		ReclaimIdle:     cfg.ReclaimIdleTimeout,
		ReclaimMaxTries: cfg.ReclaimMaxDeliveries,
		WakeChannel:     cfg.WakeChannel,
	}

	producer := dispatcher.NewProducer(rdb, dispatchCfg)
	scheduler := dispatcher.NewScheduler(taskRepo, producer, rdb, cfg.DispatchSweepInterval, cfg.DispatchRunningTTL)

	handler := func(ctx context.Context, taskID int64) error {
		defer scheduler.ReleaseRunningSlot(ctx, taskID)
		return pipeline.Run(ctx, taskID)
	}
	consumer := dispatcher.NewConsumer(rdb, dispatchCfg, handler)
	if err := consumer.EnsureGroup(ctx); err != nil {
		slog.Error("dispatcher group setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	go scheduler.Run(ctx)
	go consumer.RunReclaimer(ctx, cfg.ReclaimIdleTimeout)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("dispatcher consumer stopped with error", slog.Any("error", err))
		}
	}()

	currencyBreaker := observability.NewCircuitBreaker("currency_primary", 5, 30*time.Second)
	currencySvc := currency.NewService(&http.Client{Timeout: cfg.HTTPRequestTimeout}, cfg.CurrencyFallbackAPI, cfg.CurrencyCacheTTL, currencyBreaker, proxyMgr, retryCfg, cfg.HTTPRequestTimeout)
	go currencySvc.RunPeriodic(ctx, cfg.CurrencyFetchInterval)

	cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)

	slog.Info("worker started successfully, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
	stop()
	time.Sleep(200 * time.Millisecond)
	slog.Info("worker stopped")
}
