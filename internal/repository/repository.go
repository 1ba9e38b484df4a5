// Package repository adapts the ingestion and derivation pipelines to
// two concrete backends: Postgres (relational state — trucks, road
// segments, roughness events, aggregated stats, advisory locks) and
// InfluxDB (the telemetry time series itself). The pipeline packages
// do not import this package: internal/device, internal/ingest,
// internal/roughness, and internal/stats each declare their own narrow
// interface covering the slice of TelemetryStore/RelationalStore they
// need, which these adapters satisfy.
package repository

import (
	"context"
	"time"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// TelemetryStore is the time-series side of persistence, backed by
// InfluxDB.
type TelemetryStore interface {
	InsertTelemetryBatch(ctx context.Context, rows []telemetry.TruckTelemetry) (inserted, skipped int, err error)
	ListUnprocessedTelemetry(ctx context.Context, limit int) ([]telemetry.TruckTelemetry, error)
	MarkTelemetryProcessed(ctx context.Context, ids []int64) error
	ListTelemetryForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time) ([]telemetry.TruckTelemetry, error)
}

// RelationalStore is the relational side of persistence, backed by
// Postgres: truck/segment lookups, derived events, aggregated stats,
// and the advisory locks the event detector and statistics aggregator
// use for mutual exclusion.
type RelationalStore interface {
	FindTruckByIdentifier(ctx context.Context, identifier string) (*telemetry.Truck, error)
	InsertRoughnessEvents(ctx context.Context, events []telemetry.RoughnessEvent) error
	ListRoadSegmentIDs(ctx context.Context) ([]int64, error)
	ListRoadSegments(ctx context.Context) ([]telemetry.RoadSegment, error)
	CountEventsForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time, criticalOnly bool) (int64, error)
	UpsertSegmentStats(ctx context.Context, row telemetry.RoadSegmentStats) error
	AcquireAdvisoryLock(ctx context.Context, name string) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, name string) error
}
