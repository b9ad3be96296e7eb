package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"trip-detector/internal/api"
	"trip-detector/internal/cache"
	"trip-detector/internal/config"
	"trip-detector/internal/db"
	"trip-detector/internal/ingest"
	"trip-detector/internal/logger"
	"trip-detector/internal/metrics"
	"trip-detector/internal/trips"
)

const (
	dispatchBuffer  = 256
	persistDrainMax = 15 * time.Second
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	lg := logger.NewLogger(log.New(os.Stderr, "", log.LstdFlags), cfg.LogLevel)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		lg.Fatalf("db open error: %v", err)
	}
	defer store.Close()
	if err := db.Ping(ctx, store.DB); err != nil {
		lg.Fatalf("db ping error: %v", err)
	}
	if err := store.MigrateUp(); err != nil {
		lg.Fatalf("db migrate error: %v", err)
	}
	if v, _, err := store.MigrateVersion(); err == nil {
		lg.Infof("using %s store at schema version %d", store.Driver, v)
	}
	tripStore := db.NewTripStore(store)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.Trips.IdleTimeout, cfg.Trips.MinDistance, cfg.Trips.MinDuration, cfg.Trips.IgnitionRequired)
	}

	registry := trips.NewRegistry()
	writer := trips.NewWriter(tripStore, cfg.Writer, lg, mcol)
	engine, err := trips.NewEngine(cfg.Trips, registry, writer, lg, mcol)
	if err != nil {
		lg.Fatalf("engine error: %v", err)
	}
	service := trips.NewService(tripStore, registry)
	dispatcher := ingest.NewDispatcher(engine, cfg.IngestWorkers, dispatchBuffer, lg)

	sub, err := ingest.NewNATSSubscriber(cfg.NATSURL, cfg.LogNATSSubjects, wrapIngestMetrics(mcol), lg)
	if err != nil {
		lg.Fatalf("nats error: %v", err)
	}
	if err := sub.SubscribePositions(cfg.PositionsSubject, dispatcher); err != nil {
		lg.Fatalf("nats error: %v", err)
	}
	if cfg.DeviceRemovedSubject != "" {
		if err := sub.SubscribeDeviceRemovals(cfg.DeviceRemovedSubject, dispatcher); err != nil {
			lg.Fatalf("nats error: %v", err)
		}
	}
	lg.Infof("trip detection running (idle timeout %s, min distance %.0fm, min duration %s, ignition required %t)",
		cfg.Trips.IdleTimeout, cfg.Trips.MinDistance, cfg.Trips.MinDuration, cfg.Trips.IgnitionRequired)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTPAddr != "" {
		srv := api.NewServer(service, lg, cfg.CORSOrigins...)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warnf("redis ping failed, mirror will keep retrying: %v", err)
		}
		mirror := cache.NewMirror(rdb, registry, cfg.RedisSyncInterval, lg)
		g.Go(func() error { return mirror.Run(gctx) })
	}
	if mcol != nil {
		g.Go(func() error { return mcol.ListenAndServe(gctx, cfg.MetricsAddr, lg) })
	}

	// Block until a signal arrives or a server fails
	<-gctx.Done()
	lg.Infof("shutting down")

	// Stop intake first so every received position reaches the engine,
	// then flush closed trips to storage.
	sub.Close()
	dispatcher.Close()
	engine.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), persistDrainMax)
	if err := writer.Close(drainCtx); err != nil {
		lg.Warnf("trip writer did not drain: %v", err)
	}
	drainCancel()
	if n := engine.OpenTrips(); n > 0 {
		lg.Infof("%d open trips discarded at shutdown", n)
	}

	if err := g.Wait(); err != nil {
		lg.Errorf("server error: %v", err)
	}
	lg.Infof("shutdown complete")
}

// wrapIngestMetrics adapts our Collector to the IngestMetrics interface.
func wrapIngestMetrics(c *metrics.Collector) ingest.IngestMetrics {
	if c == nil {
		return nil
	}
	return &ingestMetrics{c: c}
}

type ingestMetrics struct{ c *metrics.Collector }

func (m *ingestMetrics) NATSReceivedInc()  { m.c.NATSReceived.Inc() }
func (m *ingestMetrics) NATSDecodeErrInc() { m.c.NATSDecodeErrors.Inc() }
func (m *ingestMetrics) NATSSetConnected(b bool) {
	if b {
		m.c.NATSConnected.Set(1)
	} else {
		m.c.NATSConnected.Set(0)
	}
}
