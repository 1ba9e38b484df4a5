package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/haulfleet/ingestd/internal/config"
	"github.com/haulfleet/ingestd/internal/device"
	"github.com/haulfleet/ingestd/internal/eventbus"
	"github.com/haulfleet/ingestd/internal/ingest"
	"github.com/haulfleet/ingestd/internal/metrics"
	"github.com/haulfleet/ingestd/internal/repository"
	"github.com/haulfleet/ingestd/internal/roughness"
	"github.com/haulfleet/ingestd/internal/segment"
	"github.com/haulfleet/ingestd/internal/session"
	"github.com/haulfleet/ingestd/internal/stats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	pg, err := repository.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer pg.Close()

	influx, err := repository.OpenInflux(repository.Config{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	})
	if err != nil {
		logger.Fatal("failed to open influxdb", zap.Error(err))
	}
	// Closed explicitly after everything that might still be writing to
	// it has stopped, not deferred, same ordering discipline the
	// teacher's consumer used around its own influxdb.Client.

	publisher, err := eventbus.New(eventbus.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.DerivedTopic,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create kafka publisher", zap.Error(err))
	}
	defer publisher.Close()

	metricsReg := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())

	validator := device.New(pg, device.Config{
		TTL:         cfg.Device.CacheTTL,
		NegativeTTL: cfg.Device.NegativeTTL,
		MaxEntries:  cfg.Device.CacheMax,
	})

	roadSegments, err := pg.ListRoadSegments(ctx)
	if err != nil {
		logger.Fatal("failed to load road segments", zap.Error(err))
	}
	logger.Info("loaded road segments", zap.Int("count", len(roadSegments)))

	resolver := segment.New(segment.NewGeodesicIndex(roadSegments), segment.Config{
		ProximityM: cfg.Segment.ProximityM,
		MaxEntries: cfg.Segment.CacheMax,
	})

	ingester := ingest.New(validator, resolver, influx)

	srv := session.New(session.Config{
		Port:          cfg.Session.TCPPort,
		FrameCapBytes: cfg.Session.FrameCapBytes,
		IdleTimeout:   cfg.Session.IdleTimeout,
		WorkerCount:   cfg.Session.WorkerCount,
	}, ingester, logger, metricsReg)

	detector := roughness.New(&detectorStore{Postgres: pg, Influx: influx}, roughness.Config{
		BatchSize:  cfg.Event.BatchSize,
		Thresholds: cfg.Roughness.Thresholds,
	})
	detector.SetPublisher(publisher)
	detector.SetCounters(metricsReg)

	aggregator := stats.New(&aggregatorStore{Postgres: pg, Influx: influx}, stats.Config{Thresholds: cfg.Roughness.Thresholds})
	aggregator.SetPublisher(publisher)
	scheduler := stats.NewScheduler(aggregator, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting session server", zap.Int("port", cfg.Session.TCPPort))
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("session server stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsReg.Serve(ctx, cfg.Metrics.Addr); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go runEventDetector(ctx, &wg, detector, cfg.Event.Interval, logger)

	wg.Add(1)
	go reportCacheSizes(ctx, &wg, metricsReg, validator, resolver)

	if err := scheduler.Start(ctx, cfg.Aggregate.CronSpec); err != nil {
		logger.Fatal("failed to start statistics scheduler", zap.Error(err))
	}

	<-sigChan
	logger.Info("received termination signal, shutting down")

	cancel()
	scheduler.Stop()
	srv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped cleanly")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
	}

	influx.Close()
	logger.Info("shutdown complete")
}

// runEventDetector runs the roughness event detector on a fixed
// interval (EVENT_INTERVAL_MS) until ctx is cancelled.
func runEventDetector(ctx context.Context, wg *sync.WaitGroup, d *roughness.Detector, interval time.Duration, logger *zap.Logger) {
	defer wg.Done()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				logger.Error("event detector run failed", zap.Error(err))
			}
		}
	}
}

// reportCacheSizes periodically publishes the device/segment cache
// sizes to the metrics gauges; there's no event to hook this to, so a
// short fixed interval stands in for a push notification.
func reportCacheSizes(ctx context.Context, wg *sync.WaitGroup, reg *metrics.Registry, validator *device.Validator, resolver *segment.Resolver) {
	defer wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.DeviceCacheSize.Set(float64(validator.Len()))
			reg.SegmentCacheSize.Set(float64(resolver.Len()))
		}
	}
}

// detectorStore satisfies roughness.Repository by embedding both
// backends: telemetry reads/writes promote from Influx, the derived
// events and advisory lock promote from Postgres. Neither backend
// alone implements the full interface the detector needs.
type detectorStore struct {
	*repository.Postgres
	*repository.Influx
}

// aggregatorStore satisfies stats.Repository the same way: segment and
// event bookkeeping promotes from Postgres, telemetry reads from
// Influx.
type aggregatorStore struct {
	*repository.Postgres
	*repository.Influx
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
