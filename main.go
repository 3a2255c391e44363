package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"marketflow/config"
	"marketflow/internal/archive"
	"marketflow/internal/cache"
	"marketflow/internal/feed"
	"marketflow/internal/flusher"
	"marketflow/internal/kis"
	"marketflow/internal/krx"
	"marketflow/internal/model"
	"marketflow/internal/query"
	"marketflow/internal/store"
	"marketflow/internal/warmup"
	"marketflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketflow.Name,
		"version":     cfg.Marketflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if cfg.Logging.Report {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// Storage layer. The database is optional; without it the flusher and
	// warm-up are skipped and snapshots live only in the cache.
	var pg *store.Postgres
	if cfg.Database.Enabled {
		pg, err = store.Open(cfg)
		if err != nil {
			log.WithError(err).Error("failed to open database")
			os.Exit(1)
		}
		defer pg.Close()
	} else {
		log.WithComponent("main").Info("database disabled; snapshots will not be persisted")
	}

	var snapshotCache cache.SnapshotCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Error("redis unreachable")
			os.Exit(1)
		}
		defer redisClient.Close()
		snapshotCache = cache.NewRedis(redisClient)
	} else {
		log.WithComponent("main").Info("redis disabled; using in-process cache")
		snapshotCache = cache.NewMemory()
	}

	if pg != nil {
		warmup.Run(ctx, pg, snapshotCache)
	}

	// Credentials and REST client.
	tokenManager := kis.NewTokenManager(cfg)
	tokenManager.Start(ctx)
	approvalManager := kis.NewApprovalKeyManager(cfg)
	kisClient := kis.NewClient(cfg, tokenManager)

	// Distribution. With kafka disabled the publisher applies ticks to the
	// cache in-process.
	broadcast := feed.NewBroadcast(cfg)
	applier := feed.NewCacheApplier(snapshotCache, broadcast)

	var publisher feed.Publisher
	var consumer *feed.Consumer
	if cfg.Kafka.Enabled {
		publisher = feed.NewKafkaProducer(cfg)
		consumer = feed.NewConsumer(cfg, applier)
		consumer.Start(ctx)
	} else {
		log.WithComponent("main").Info("kafka disabled; applying ticks in-process")
		publisher = feed.NewInline(applier)
	}

	ticks := make(chan model.RealtimeTick, cfg.Channels.TickBuffer)
	stream := kis.NewStream(cfg, approvalManager, ticks)
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start stream")
		os.Exit(1)
	}

	ingestor := feed.NewIngestor(ticks, publisher)
	ingestor.Start(ctx)

	var snapshotFlusher *flusher.Flusher
	if pg != nil {
		snapshotFlusher = flusher.New(cfg, snapshotCache, pg)
		snapshotFlusher.Start(ctx)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(ctx, cfg, broadcast)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		archiver.Start(ctx)
	}

	// Refresh the instrument master in the background when both the KRX
	// key and the database are available.
	if pg != nil && cfg.Krx.APIKey != "" {
		go func() {
			if _, err := krx.NewClient(cfg).Sync(ctx, pg); err != nil {
				log.WithError(err).Warn("instrument master sync failed")
			}
		}()
	}

	for _, symbol := range cfg.Kis.Symbols {
		ok, err := stream.Subscribe(ctx, symbol)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"stock_code": symbol}).Warn("subscription failed")
			continue
		}
		if !ok {
			log.WithFields(logger.Fields{"stock_code": symbol}).Warn("subscription limit reached, symbol skipped")
		}
	}

	// Codes without a persisted snapshot start from a REST quote so reads
	// are not empty until the first tick.
	if pg != nil {
		seedMissingSnapshots(ctx, cfg, log, snapshotCache, pg, kisClient)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping stream")
		stream.Stop()

		log.Info("stopping ingestor")
		ingestor.Stop()

		if consumer != nil {
			log.Info("stopping consumer")
			consumer.Stop()
		}
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("publisher close failed")
		}

		if snapshotFlusher != nil {
			log.Info("stopping flusher")
			snapshotFlusher.Stop()
		}
		if archiver != nil {
			log.Info("stopping archiver")
			archiver.Stop()
		}

		tokenManager.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketflow stopped")
}

// seedMissingSnapshots resolves the configured symbols through the reader and
// fetches REST quotes for the ones that are still unknown.
func seedMissingSnapshots(ctx context.Context, cfg *config.Config, log *logger.Log, snapshotCache cache.SnapshotCache, pg *store.Postgres, kisClient *kis.Client) {
	if len(cfg.Kis.Symbols) == 0 {
		return
	}

	reader := query.NewReader(snapshotCache, pg, pg)
	known, err := reader.GetSnapshots(ctx, cfg.Kis.Symbols)
	if err != nil {
		log.WithComponent("main").WithError(err).Warn("snapshot lookup failed, skipping seed")
		return
	}

	var missing []string
	for _, symbol := range cfg.Kis.Symbols {
		if known[symbol] == nil {
			missing = append(missing, symbol)
		}
	}
	if len(missing) == 0 {
		return
	}

	fetched := kisClient.LatestPrices(ctx, missing)
	seeds := make([]model.StockPriceSnapshot, 0, len(fetched))
	for _, snapshot := range fetched {
		seeds = append(seeds, *snapshot)
	}
	if len(seeds) == 0 {
		return
	}
	if err := snapshotCache.WarmUp(ctx, seeds); err != nil {
		log.WithComponent("main").WithError(err).Warn("quote seed failed")
		return
	}
	log.WithComponent("main").WithFields(logger.Fields{
		"count": len(seeds),
	}).Info("seeded missing snapshots from quotes")
}
