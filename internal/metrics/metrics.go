// Package metrics exposes the pipeline's operational counters on a
// Prometheus-scrapeable HTTP endpoint: records ingested/dropped,
// duplicate and unauthorized-packet counts, event-detector batches
// processed, and cache-size gauges. This is the system's only
// operational surface — no dashboard or query API.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the pipeline emits, registered
// against a dedicated prometheus.Registry rather than the global
// default so tests can construct isolated instances.
type Registry struct {
	reg *prometheus.Registry

	RecordsIngested      prometheus.Counter
	RecordsDropped       *prometheus.CounterVec
	DuplicatesSkipped    prometheus.Counter
	UnauthorizedPackets  prometheus.Counter
	EventDetectorBatches prometheus.Counter
	DeviceCacheSize      prometheus.Gauge
	SegmentCacheSize     prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		RecordsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_records_ingested_total",
			Help: "Total telemetry records successfully persisted.",
		}),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_records_dropped_total",
			Help: "Total telemetry records dropped, labeled by reason.",
		}, []string{"reason"}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_duplicates_skipped_total",
			Help: "Total telemetry records skipped as duplicates of (truckId, timestamp).",
		}),
		UnauthorizedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_unauthorized_packets_total",
			Help: "Total packets dropped because the announced identifier is not a registered truck.",
		}),
		EventDetectorBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "event_detector_batches_processed_total",
			Help: "Total batches the roughness event detector has scanned.",
		}),
		DeviceCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestion_device_cache_entries",
			Help: "Current number of entries in the device validator cache.",
		}),
		SegmentCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestion_segment_cache_entries",
			Help: "Current number of entries in the segment resolver cache.",
		}),
	}
}

// IngestionRecordsIngested satisfies internal/session.Counters.
func (r *Registry) IngestionRecordsIngested(n int) {
	r.RecordsIngested.Add(float64(n))
}

// IngestionRecordsDropped satisfies internal/session.Counters.
func (r *Registry) IngestionRecordsDropped(reason string) {
	r.RecordsDropped.WithLabelValues(reason).Inc()
}

// IngestionUnauthorizedPackets satisfies internal/session.Counters.
func (r *Registry) IngestionUnauthorizedPackets() {
	r.UnauthorizedPackets.Inc()
}

// IngestionRecordsSkipped satisfies internal/session.Counters.
func (r *Registry) IngestionRecordsSkipped(n int) {
	r.DuplicatesSkipped.Add(float64(n))
}

// EventDetectorBatchProcessed satisfies internal/roughness.Counters.
func (r *Registry) EventDetectorBatchProcessed() {
	r.EventDetectorBatches.Inc()
}

// Serve starts the metrics-only HTTP server and blocks until ctx is
// cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve: %w", err)
		}
		return nil
	}
}
