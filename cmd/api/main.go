package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleettrack/internal/api"
	"fleettrack/internal/archive"
	"fleettrack/internal/auth"
	"fleettrack/internal/buildinfo"
	"fleettrack/internal/cdc"
	"fleettrack/internal/config"
	"fleettrack/internal/customers"
	"fleettrack/internal/enrich"
	"fleettrack/internal/gateway"
	"fleettrack/internal/kv"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/schedule"
	"fleettrack/internal/store"
	"fleettrack/internal/stream"
	"fleettrack/internal/supervisor"
	"fleettrack/internal/visits"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("fleettrack exited", zap.Error(err))
	}
	log.Info("fleettrack stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type closers []io.Closer

func (c closers) close(log *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (store.Store, io.Closer, error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), nil, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, pg, nil
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Archive, error) {
	switch cfg.Driver {
	case "timescale":
		ts, err := archive.NewTimescale(ctx, cfg.Timescale.URL)
		if err != nil {
			return nil, fmt.Errorf("timescale: %w", err)
		}
		if err := ts.Migrate(ctx); err != nil {
			_ = ts.Close()
			return nil, fmt.Errorf("timescale migrate: %w", err)
		}
		return ts, nil
	case "clickhouse":
		ch, err := archive.NewClickHouse(ctx, archive.ClickHouseOptions{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			return nil, err
		}
		if err := ch.Migrate(ctx); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("clickhouse migrate: %w", err)
		}
		return ch, nil
	default:
		return archive.NewMemory(), nil
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics.RegisterDefault()
	log.Info("starting fleettrack", zap.Any("build", buildinfo.Info()))

	var cleanup closers
	defer func() { cleanup.close(log) }()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, stCloser, err := openStore(startCtx, cfg.Database, log)
	if err != nil {
		return err
	}
	if stCloser != nil {
		cleanup = append(cleanup, stCloser)
	}

	var (
		kvs kv.Store
		rdb *redis.Client
	)
	if cfg.Redis.URL != "" {
		rdb, err = kv.DialRedis(startCtx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		cleanup = append(cleanup, rdb)
		kvs = kv.NewRedis(rdb)
	} else {
		log.Warn("REDIS_URL not set; using in-memory cache")
		kvs = kv.NewMemory()
	}

	arch, err := openArchive(startCtx, cfg.Archive)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, arch)

	producer := stream.NewProducer(cfg.Kafka.Brokers)
	cleanup = append(cleanup, producer)
	admin := stream.NewAdmin(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.AdminTimeout)

	// Lookup cache and CDC
	cache := customers.New(st, kvs, cfg.Cache.MemoryTTL, cfg.Cache.RedisTTL, log.Named("customers"))
	registry := cdc.DefaultRegistry(st, cache)
	tracker := cdc.NewTracker(cfg.CDC.HistoryCapacity, registry.TableNames(), metrics.Pipeline{})
	cdcEngine := cdc.NewEngine(registry, st, tracker, log.Named("cdc"))
	monitor := cdc.NewMonitor(tracker, admin, cfg.Kafka.AdminTimeout, log.Named("cdc"))

	// Gateway
	var backbone gateway.Backbone
	switch {
	case cfg.Gateway.Backbone == "redis" && rdb != nil:
		backbone = gateway.NewRedisBackbone(rdb, cfg.Gateway.Channel, log.Named("backbone"))
	case cfg.Gateway.Backbone == "redis":
		return fmt.Errorf("gateway backbone redis requires REDIS_URL")
	default:
		mb := gateway.NewMemoryBackbone()
		mb.OnDrop(metrics.Pipeline{}.FrameDropped)
		backbone = mb
	}
	hub := gateway.NewHub(backbone, gateway.KVActiveDrivers{KV: kvs}, log.Named("gateway"))
	hub.SetObserver(metrics.Pipeline{})
	metrics.RegisterGatewayStats(func() (int, int) {
		s := hub.Stats()
		return s.Connections, s.Rooms
	})
	verifier := auth.NewVerifier(cfg.Auth.Mode, []byte(cfg.Auth.HMACSecret), st)
	socket := gateway.NewHandler(hub, verifier, gateway.Options{
		RateLimit:    cfg.Gateway.RateLimit,
		RateBurst:    cfg.Gateway.RateBurst,
		SendBuffer:   cfg.Gateway.SendBuffer,
		AllowOrigins: cfg.Gateway.AllowOrigins,
	})

	lagPush := cdc.NewBroadcaster(monitor, hub, log.Named("cdc"))
	lagPush.OnFailure(metrics.Pipeline{}.SnapshotPushFailed)

	// Enrichment
	directory := enrich.NewDirectory()
	reload := func(ctx context.Context) (int, error) { return directory.Reload(ctx, st) }
	devices, err := reload(startCtx)
	if err != nil {
		return fmt.Errorf("load device directory: %w", err)
	}
	log.Info("device directory loaded", zap.Int("devices", devices))
	pool := pond.NewPool(cfg.Enrichment.PoolSize)
	defer pool.StopAndWait()
	enricher := enrich.NewEngine(enrich.Deps{
		Directory:   directory,
		Store:       st,
		Customers:   cache,
		Arrivals:    visits.NewService(st, producer, cfg.Kafka.VisitEventsTopic, log.Named("visits")),
		KV:          kvs,
		Archive:     arch,
		Publisher:   producer,
		Topic:       cfg.Kafka.EnrichedTopic,
		PositionTTL: cfg.Enrichment.PositionTTL,
		Pool:        pool,
		Observer:    metrics.Pipeline{},
		Log:         log.Named("enrich"),
	})

	// Supervision
	tree := supervisor.NewTree(log.Named("supervisor"), supervisor.DefaultTreeConfig())
	reader := func(topic string, start stream.StartOffset) func() stream.Reader {
		return func() stream.Reader {
			return stream.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, topic, start)
		}
	}
	for _, topic := range registry.Topics() {
		tree.AddStream(stream.NewConsumer("cdc:"+topic, reader(topic, stream.Earliest), cdcEngine, log.Named("cdc")))
	}
	tree.AddStream(stream.NewConsumer("positions", reader(cfg.Kafka.PositionsTopic, stream.Latest), enricher, log.Named("enrich")))
	tree.AddStream(stream.NewConsumer("relay:positions", reader(cfg.Kafka.EnrichedTopic, stream.Latest), hub.PositionHandler(), log.Named("gateway")))
	tree.AddStream(stream.NewConsumer("relay:visits", reader(cfg.Kafka.VisitEventsTopic, stream.Latest), hub.VisitHandler(), log.Named("gateway")))

	sched := schedule.New(log.Named("schedule"))
	sched.Every("cdc-lag-snapshot", cfg.CDC.SnapshotInterval, lagPush.Push)
	if cfg.Enrichment.DirectoryRefresh > 0 {
		sched.Every("device-directory-reload", cfg.Enrichment.DirectoryRefresh, func(ctx context.Context) {
			n, err := reload(ctx)
			if err != nil {
				log.Warn("device directory reload failed", zap.Error(err))
				return
			}
			log.Debug("device directory reloaded", zap.Int("devices", n))
		})
	}
	tree.AddRealtime(hub)
	tree.AddRealtime(sched)

	srv := api.NewServer(api.Deps{
		Store:         st,
		KV:            kvs,
		Archive:       arch,
		Customers:     cache,
		Monitor:       monitor,
		Gateway:       hub,
		Kafka:         admin,
		ReloadDrivers: reload,
		Auth:          verifier,
		Socket:        socket,
		Log:           log.Named("http"),
	})
	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	tree.AddAPI(api.NewHTTPService(addr, srv, cfg.HTTP.ReadHeaderTimeout, log.Named("http")))

	err = tree.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
