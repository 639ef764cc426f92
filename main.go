package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"cryptosim/config"
	"cryptosim/internal/archive"
	"cryptosim/internal/cache"
	"cryptosim/internal/distribution"
	"cryptosim/internal/execution"
	"cryptosim/internal/feed"
	"cryptosim/internal/intake"
	"cryptosim/internal/metrics"
	"cryptosim/internal/store"
	"cryptosim/internal/subscription"
	"cryptosim/internal/watchlist"
	"cryptosim/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	watchlistPath := flag.String("watchlist", "config/watchlist.yml", "Path to startup watchlist")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": env,
	}).Info("starting cryptosim")

	startup, err := config.LoadWatchlist(config.ResolvePath(*watchlistPath, "config/watchlist.yml"))
	if err != nil {
		log.WithError(err).Error("failed to load watchlist")
		os.Exit(1)
	}
	if len(startup.Symbols) == 0 && config.IsProductionLike(env) {
		log.WithFields(logger.Fields{"environment": env}).Error("watchlist is empty")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	m := metrics.New()

	prices, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open market data cache")
		os.Exit(1)
	}
	defer closeCache()

	ledger, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer ledger.Close()

	hub := distribution.NewHub(cfg.Distribution.HubBuffer, m)
	defer hub.Close()

	var publisher distribution.Publisher = hub
	var kafkaPublisher *distribution.KafkaPublisher
	if cfg.Distribution.Kafka.Enabled {
		kafkaPublisher, err = distribution.NewKafkaPublisher(cfg.Distribution.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		publisher = distribution.Multi{hub, kafkaPublisher}
	}

	var backfill feed.Backfiller
	if cfg.Feed.Backfill.Enabled {
		backfill = feed.NewRESTBackfiller(cfg.Feed.Backfill)
	}

	client, err := feed.NewClient(cfg.Feed, feed.Options{
		Store:         prices,
		Publisher:     publisher,
		Subscriptions: subscription.NewManager(cfg.Subscription.ControlInterval, m),
		Backfill:      backfill,
		Metrics:       m,
		DepthLevels:   cfg.Cache.DepthLevels,
	})
	if err != nil {
		log.WithError(err).Error("failed to create feed client")
		os.Exit(1)
	}

	engine, err := execution.NewEngine(cfg.Execution, execution.Options{
		Prices:    prices,
		Ticks:     client.Ticks(),
		Store:     ledger,
		Publisher: publisher,
		Metrics:   m,
	})
	if err != nil {
		log.WithError(err).Error("failed to create execution engine")
		os.Exit(1)
	}

	pinned := make([]string, 0, len(startup.Symbols))
	for _, entry := range startup.Symbols {
		pinned = append(pinned, entry.Symbol)
	}
	watchlists, err := watchlist.NewService(ledger, client, watchlist.Options{
		QuoteAsset: cfg.Execution.QuoteAsset,
		Intervals:  cfg.Subscription.DefaultIntervals,
		Pinned:     pinned,
	})
	if err != nil {
		log.WithError(err).Error("failed to create watchlist service")
		os.Exit(1)
	}

	var archiver *archive.Archiver
	if cfg.Storage.S3.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			os.Exit(1)
		}
		archiver, err = archive.New(cfg.Storage.S3, hub, s3Client, cfg.App.Version)
		if err != nil {
			log.WithError(err).Error("failed to create trade archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping trade archiver")
	}

	var orders *intake.Consumer
	if cfg.Distribution.Kafka.Enabled && cfg.Distribution.Kafka.OrderTopic != "" {
		orders, err = intake.NewConsumer(cfg.Distribution.Kafka, engine, publisher)
		if err != nil {
			log.WithError(err).Error("failed to create order consumer")
			os.Exit(1)
		}
		orders.HandleWatchlists(watchlists)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Prometheus.Enabled {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Prometheus.Addr)
		})
	}

	if archiver != nil {
		if err := archiver.Start(gctx); err != nil {
			log.WithError(err).Error("failed to start trade archiver")
			os.Exit(1)
		}
	}

	if err := client.Start(gctx); err != nil {
		log.WithError(err).Error("failed to start feed client")
		os.Exit(1)
	}
	for _, entry := range startup.Symbols {
		client.Subscribe(entry.Symbol, entry.IntervalsFor(cfg.Subscription.DefaultIntervals))
	}
	if err := watchlists.Restore(gctx); err != nil {
		log.WithError(err).Error("failed to restore user watchlists")
		os.Exit(1)
	}

	if orders != nil {
		if err := orders.Start(gctx); err != nil {
			log.WithError(err).Error("failed to start order consumer")
			os.Exit(1)
		}
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-client.Degraded():
			log.WithComponent("main").WithFields(logger.Fields{
				"max_reconnect_attempts": cfg.Feed.MaxReconnectAttempts,
			}).Error("market feed degraded; serving cached prices only")
		}
		return nil
	})

	log.WithFields(logger.Fields{"symbols": len(startup.Symbols)}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.Warn("component exited; shutting down")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		if orders != nil {
			log.Info("stopping order consumer")
			orders.Stop()
		}

		log.Info("stopping feed client")
		client.Stop()

		log.Info("stopping execution engine")
		engine.Close()

		if archiver != nil {
			log.Info("stopping trade archiver")
			archiver.Stop()
		}

		if kafkaPublisher != nil {
			if err := kafkaPublisher.Close(); err != nil {
				log.WithError(err).Warn("failed to close kafka publisher")
			}
		}

		if err := g.Wait(); err != nil {
			log.WithError(err).Warn("component stopped with error")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptosim stopped")
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	limits := cache.Limits{
		Candles:     cfg.Cache.CandleLimit,
		Trades:      cfg.Cache.TradeLimit,
		DepthLevels: cfg.Cache.DepthLevels,
	}
	if strings.ToLower(cfg.Cache.Backend) != "redis" {
		return cache.NewMemory(limits), func() {}, nil
	}

	client, err := cache.DialRedis(ctx, cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	logger.GetLogger().WithComponent("main").WithFields(logger.Fields{"addr": cfg.Cache.Redis.Addr}).Info("using redis market data cache")
	return cache.NewRedis(client, limits), func() { _ = client.Close() }, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if strings.ToLower(cfg.Storage.Backend) != "postgres" {
		return store.NewMemory(), nil
	}
	return store.OpenPostgres(ctx, cfg.Storage.Postgres)
}
