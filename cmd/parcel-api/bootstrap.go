package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ParcelWatch/config"
	packagesapi "github.com/BearBump/ParcelWatch/internal/api/packages_api"
	"github.com/BearBump/ParcelWatch/internal/broker/kafka"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/cache"
	"github.com/BearBump/ParcelWatch/internal/cache/rediscache"
	"github.com/BearBump/ParcelWatch/internal/notify"
	"github.com/BearBump/ParcelWatch/internal/services/ingest"
	"github.com/BearBump/ParcelWatch/internal/services/packages"
	"github.com/BearBump/ParcelWatch/internal/services/stall"
	"github.com/BearBump/ParcelWatch/internal/storage/memstore"
	"github.com/BearBump/ParcelWatch/internal/storage/pgparcels"
)

// store is everything the services need from a storage backend.
type store interface {
	ingest.EventStore
	ingest.StateStore
	packages.Repository
	stall.Store
}

type parcelAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   parcelAPIOpts
	deps   parcelAPIDeps

	closers []func()
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}
	pw := cfg.ParcelWatch

	grpcAddr := pw.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := pw.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := pw.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "parcel-api"
	}
	statusTopic := cfg.Kafka.StatusReportsTopicName
	if statusTopic == "" {
		statusTopic = "parcel.status_reports"
	}
	notificationsTopic := cfg.Kafka.NotificationsTopicName
	if notificationsTopic == "" {
		notificationsTopic = "parcel.notifications"
	}
	cacheTTL := time.Duration(pw.PackageCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	storeTimeout := time.Duration(pw.StoreTimeoutMillis) * time.Millisecond
	if storeTimeout <= 0 {
		storeTimeout = ingest.DefaultStoreTimeout
	}
	sweepInterval := time.Duration(pw.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = stall.DefaultInterval
	}
	rlPerMin := int64(pw.IngestRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 600
	}

	app := &parcelAPIApp{}

	var st store
	switch pw.StorageDriver {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on restart")
		st = memstore.New()
	case "", "postgres":
		pg := mustOpenPostgresWithRetry(cfg.Database.PostgresDSN(), 60*time.Second)
		app.closers = append(app.closers, pg.Close)
		st = pg
	default:
		panic(fmt.Sprintf("unknown storage_driver %q", pw.StorageDriver))
	}

	hub := bus.New(pw.SubscriberBuffer)
	app.closers = append(app.closers, hub.Close)

	var (
		bytesCache cache.BytesCache
		limiter    packagesapi.RateLimiter
	)
	if cfg.Redis.Host != "" {
		rc := rediscache.New(cfg.Redis.Addr())
		rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
		app.closers = append(app.closers, func() { _ = rc.Close() }, func() { _ = rl.Close() })
		bytesCache, limiter = rc, rl
	} else {
		slog.Warn("redis not configured, package cache and rate limiting disabled")
	}

	engine := ingest.New(st, st, hub).WithStoreTimeout(storeTimeout)
	if bytesCache != nil {
		engine.WithCache(bytesCache, cacheTTL)
	}
	queries := packages.New(st, bytesCache, cacheTTL)

	detector := stall.New(st, stall.NewRegistry(), hub, notify.NewLogMailer(pw.AlertEmailTo))
	app.closers = append(app.closers, detector.Wait)
	scheduler := stall.NewScheduler(detector).WithInterval(sweepInterval)

	api := packagesapi.New(engine, queries, detector.Registry(), scheduler, hub).WithTokens(pw.APITokens)
	if limiter != nil {
		api.WithRateLimit(limiter, rlPerMin)
	}

	deps := parcelAPIDeps{engine: engine, api: api, scheduler: scheduler, hub: hub}
	if cfg.Kafka.Enabled {
		brokers := cfg.Kafka.Brokers()
		consumer := kafka.NewConsumer(brokers, statusTopic, consumerGroup)
		producer := kafka.NewProducer(brokers)
		app.closers = append(app.closers, func() { _ = consumer.Close() }, func() { _ = producer.Close() })
		deps.consumer, deps.producer = consumer, producer
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.opts = parcelAPIOpts{
		grpcAddr:           grpcAddr,
		httpAddr:           httpAddr,
		swaggerPath:        swaggerPath,
		statusTopic:        statusTopic,
		notificationsTopic: notificationsTopic,
		consumerGroup:      consumerGroup,
	}
	app.deps = deps
	return app
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcels.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcels.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// Close releases resources in reverse order of acquisition.
func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.deps)
}
